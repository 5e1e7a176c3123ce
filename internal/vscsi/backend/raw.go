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

// Raw exposes one partition of a physical LUN as a virtual disk. Guest block
// addresses are shifted by the partition start and clamped to the partition
// end, so the guest can never reach the neighboring partitions or the
// partition table.
type Raw struct {
	dev       Device
	startLBA  uint64
	blocks    uint64
	blockSize uint32

	wg sync.WaitGroup
}

var _ vscsi.Backend = (*Raw)(nil)

// OpenRaw maps blocks blocks of dev starting at startLBA. The partition must
// lie within the device.
func OpenRaw(ctx context.Context, dev Device, startLBA, blocks uint64) (*Raw, error) {
	if blocks == 0 {
		return nil, errors.New("raw partition must have at least one block")
	}
	devBlocks, blockSize, err := readCapacity(ctx, dev)
	if err != nil {
		return nil, errors.Wrap(err, "read device capacity")
	}
	if startLBA+blocks > devBlocks {
		return nil, errors.Errorf("partition [%d,%d) lies past the end of the device (%d blocks)",
			startLBA, startLBA+blocks, devBlocks)
	}
	return &Raw{
		dev:       dev,
		startLBA:  startLBA,
		blocks:    blocks,
		blockSize: blockSize,
	}, nil
}

// Capacity implements vscsi.Backend, reporting the partition size.
func (b *Raw) Capacity(context.Context) (vscsi.CapacityInfo, error) {
	return vscsi.CapacityInfo{Blocks: b.blocks, BlockSize: b.blockSize}, nil
}

// QueueCommand implements vscsi.Backend. Only reads and writes reach the
// device; anything else against a partition mapping is rejected, notably
// REPORT LUNS, which would let the guest discover the rest of the array.
func (b *Raw) QueueCommand(ctx context.Context, cmd *vscsi.Command) error {
	op := cmd.CDB[0]
	if !scsi.IsRead(op) && !scsi.IsWrite(op) {
		if op == scsi.ReportLuns {
			log.G(ctx).Debug("rejecting REPORT LUNS against a raw partition mapping")
		}
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0)
		return nil
	}
	if cmd.LBA+uint64(cmd.Blocks) > b.blocks {
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscLBAOutOfRange, 0), 0)
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// reissue as READ(16)/WRITE(16) at the shifted address
		cdb := make([]byte, 16)
		if scsi.IsWrite(op) {
			cdb[0] = scsi.Write16
		} else {
			cdb[0] = scsi.Read16
		}
		binary.BigEndian.PutUint64(cdb[2:10], b.startLBA+cmd.LBA)
		binary.BigEndian.PutUint32(cdb[10:14], cmd.Blocks)

		length := int(cmd.Blocks) * int(b.blockSize)
		if length > len(cmd.Data) {
			cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0)
			return
		}
		status, sense, n, err := b.dev.Issue(ctx, cdb, cmd.Data[:length], scsi.IsWrite(op))
		if err != nil {
			log.G(ctx).WithError(err).Debugf("raw partition i/o at lba %d failed", cmd.LBA)
			cmd.Complete(scsi.StatusNoConnect, scsi.SenseData{}, 0)
			return
		}
		cmd.Complete(status, sense, n)
	}()
	return nil
}

// ResetTarget implements vscsi.Backend.
func (b *Raw) ResetTarget(ctx context.Context) error { return b.dev.Reset(ctx) }

// AbortCommand implements vscsi.Backend.
func (b *Raw) AbortCommand(context.Context, uint64) error { return nil }

// Close implements vscsi.Backend.
func (b *Raw) Close(ctx context.Context) error {
	b.wg.Wait()
	return b.dev.Close(ctx)
}

// readCapacity probes a device's geometry with READ CAPACITY(16), falling
// back to READ CAPACITY(10) for devices that predate it.
func readCapacity(ctx context.Context, dev Device) (blocks uint64, blockSize uint32, err error) {
	data := make([]byte, 32)
	status, _, n, err := dev.Issue(ctx, scsi.ReadCapacity16CDB(uint32(len(data))), data, false)
	if err == nil && status.OK() && n >= 12 {
		lastLBA := binary.BigEndian.Uint64(data[0:8])
		return lastLBA + 1, binary.BigEndian.Uint32(data[8:12]), nil
	}

	cdb := make([]byte, 10)
	cdb[0] = scsi.ReadCapacity10
	data = make([]byte, 8)
	status, _, n, err = dev.Issue(ctx, cdb, data, false)
	if err != nil {
		return 0, 0, err
	}
	if !status.OK() || n < 8 {
		return 0, 0, errors.Errorf("read capacity failed: host %#x device %#x", status.Host, status.Device)
	}
	lastLBA := binary.BigEndian.Uint32(data[0:4])
	return uint64(lastLBA) + 1, binary.BigEndian.Uint32(data[4:8]), nil
}
