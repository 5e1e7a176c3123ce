package backend

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
)

// RDMMode selects how much of the physical LUN a raw device mapping exposes.
type RDMMode uint8

const (
	// RDMVirtual passes only reads and writes to the LUN; everything else is
	// emulated like a file-backed disk, so snapshots and locking still work.
	RDMVirtual RDMMode = iota
	// RDMPhysical passes every CDB through, for guests that drive the array
	// directly (SAN agents, clustered services). Open such a device with
	// vscsi.OpenOptions.Passthrough set.
	RDMPhysical
)

// RDM maps a whole physical LUN into the guest.
type RDM struct {
	dev       Device
	mode      RDMMode
	blocks    uint64
	blockSize uint32

	wg sync.WaitGroup
}

var _ vscsi.Backend = (*RDM)(nil)

// OpenRDM probes the LUN's geometry and wraps it.
func OpenRDM(ctx context.Context, dev Device, mode RDMMode) (*RDM, error) {
	blocks, blockSize, err := readCapacity(ctx, dev)
	if err != nil {
		return nil, errors.Wrap(err, "read mapped device capacity")
	}
	return &RDM{
		dev:       dev,
		mode:      mode,
		blocks:    blocks,
		blockSize: blockSize,
	}, nil
}

// Mode returns the mapping mode.
func (b *RDM) Mode() RDMMode { return b.mode }

// Capacity implements vscsi.Backend.
func (b *RDM) Capacity(context.Context) (vscsi.CapacityInfo, error) {
	return vscsi.CapacityInfo{Blocks: b.blocks, BlockSize: b.blockSize}, nil
}

// QueueCommand implements vscsi.Backend.
func (b *RDM) QueueCommand(ctx context.Context, cmd *vscsi.Command) error {
	op := cmd.CDB[0]
	passthrough := b.mode == RDMPhysical

	if !passthrough && !scsi.IsRead(op) && !scsi.IsWrite(op) {
		switch op {
		case scsi.Reserve, scsi.Release:
			// virtual mode keeps reservations host-side; the LUN itself is
			// not reserved on the fabric
			cmd.Complete(scsi.StatusGood, scsi.SenseData{}, 0)
		default:
			cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0)
		}
		return nil
	}

	cdb := cmd.CDB
	data := cmd.Data
	if scsi.IsRead(op) || scsi.IsWrite(op) {
		if cmd.LBA+uint64(cmd.Blocks) > b.blocks {
			cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscLBAOutOfRange, 0), 0)
			return nil
		}
		length := int(cmd.Blocks) * int(b.blockSize)
		if length > len(data) {
			cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0)
			return nil
		}
		data = data[:length]
		// normalize to the 16-byte form so 6-byte CDBs address the whole LUN
		cdb = make([]byte, 16)
		if scsi.IsWrite(op) {
			cdb[0] = scsi.Write16
		} else {
			cdb[0] = scsi.Read16
		}
		binary.BigEndian.PutUint64(cdb[2:10], cmd.LBA)
		binary.BigEndian.PutUint32(cdb[10:14], cmd.Blocks)
	}

	dataOut := scsi.IsWrite(op) || (passthrough && isDataOut(op))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		status, sense, n, err := b.dev.Issue(ctx, cdb, data, dataOut)
		if err != nil {
			log.G(ctx).WithError(err).Debug("rdm i/o failed")
			cmd.Complete(scsi.StatusNoConnect, scsi.SenseData{}, 0)
			return
		}
		cmd.Complete(status, sense, n)
	}()
	return nil
}

// isDataOut classifies passthrough CDBs that carry data to the device.
func isDataOut(op byte) bool {
	switch op {
	case scsi.ModeSelect, scsi.ModeSelect10, scsi.Reserve:
		return true
	}
	return false
}

// ResetTarget implements vscsi.Backend, resetting the physical LUN.
func (b *RDM) ResetTarget(ctx context.Context) error { return b.dev.Reset(ctx) }

// AbortCommand implements vscsi.Backend.
func (b *RDM) AbortCommand(context.Context, uint64) error { return nil }

// Close implements vscsi.Backend.
func (b *RDM) Close(ctx context.Context) error {
	b.wg.Wait()
	return b.dev.Close(ctx)
}
