package backend

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
)

// DefaultBlockSize is the virtual disk sector size.
const DefaultBlockSize = 512

// Flat is a fully-allocated file-backed disk: virtual block i is file offset
// i * blockSize.
type Flat struct {
	f         File
	blockSize uint32
	blocks    uint64

	wg sync.WaitGroup
}

var _ vscsi.Backend = (*Flat)(nil)

// OpenFlat sizes the disk from the file. The file length must be a whole
// number of blocks.
func OpenFlat(ctx context.Context, f File) (*Flat, error) {
	size, err := f.Size(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "size flat disk")
	}
	if size%DefaultBlockSize != 0 {
		return nil, errors.Errorf("flat disk size %d is not a multiple of the %d byte block size",
			size, DefaultBlockSize)
	}
	return &Flat{
		f:         f,
		blockSize: DefaultBlockSize,
		blocks:    uint64(size) / DefaultBlockSize,
	}, nil
}

// Capacity implements vscsi.Backend.
func (b *Flat) Capacity(context.Context) (vscsi.CapacityInfo, error) {
	return vscsi.CapacityInfo{Blocks: b.blocks, BlockSize: b.blockSize}, nil
}

// QueueCommand implements vscsi.Backend. Reads and writes run on their own
// goroutine and complete the command when the file I/O finishes; reservations
// are carried to the store synchronously.
func (b *Flat) QueueCommand(ctx context.Context, cmd *vscsi.Command) error {
	op := cmd.CDB[0]
	switch {
	case scsi.IsRead(op), scsi.IsWrite(op):
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.doIO(ctx, cmd, scsi.IsWrite(op))
		}()
		return nil
	case op == scsi.Reserve:
		err := b.f.Reserve(ctx)
		st, sense := statusForError(err)
		cmd.Complete(st, sense, 0)
		return nil
	case op == scsi.Release:
		err := b.f.Release(ctx)
		st, sense := statusForError(err)
		cmd.Complete(st, sense, 0)
		return nil
	default:
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0)
		return nil
	}
}

func (b *Flat) doIO(ctx context.Context, cmd *vscsi.Command, write bool) {
	length := int(cmd.Blocks) * int(b.blockSize)
	if length > len(cmd.Data) {
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0)
		return
	}
	off := int64(cmd.LBA) * int64(b.blockSize)
	var (
		n   int
		err error
	)
	if write {
		n, err = b.f.WriteAt(ctx, cmd.Data[:length], off)
	} else {
		n, err = b.f.ReadAt(ctx, cmd.Data[:length], off)
	}
	if err != nil {
		log.G(ctx).WithError(err).Debugf("flat disk i/o at lba %d failed", cmd.LBA)
	}
	completeRW(cmd, n, err)
}

// ResetTarget implements vscsi.Backend: flush dirty data and drop any
// reservation the guest held across the reset.
func (b *Flat) ResetTarget(ctx context.Context) error {
	if err := b.f.Sync(ctx); err != nil {
		return errors.Wrap(err, "sync on reset")
	}
	return b.f.Release(ctx)
}

// AbortCommand implements vscsi.Backend. File I/O is not cancellable once
// issued; the command completes normally.
func (b *Flat) AbortCommand(context.Context, uint64) error { return nil }

// Close implements vscsi.Backend, waiting out in-flight file I/O.
func (b *Flat) Close(ctx context.Context) error {
	b.wg.Wait()
	return b.f.Close(ctx)
}
