package backend

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
)

// DefaultGrainBlocks is the copy-on-write allocation unit, in blocks.
const DefaultGrainBlocks = 8

// Cow is a copy-on-write delta disk: reads of untouched grains come from the
// read-only parent, the first write to a grain copies it into the delta file
// and all later I/O to it goes there.
type Cow struct {
	parent File // read-only base
	delta  File

	blockSize   uint32
	blocks      uint64
	grainBlocks uint64

	mu     sync.Mutex
	grains map[uint64]uint64 // virtual grain -> delta file grain
	next   uint64            // next free delta grain

	// serializes first-touch grain allocation so concurrent writers to the
	// same grain cannot double-allocate it
	allocMu sync.Mutex

	wg sync.WaitGroup
}

var _ vscsi.Backend = (*Cow)(nil)

// OpenCow builds a delta disk over parent. blocks is the virtual disk size;
// it normally matches the parent but may exceed it for a grown disk, in which
// case reads past the parent return zeroes until written.
func OpenCow(ctx context.Context, parent, delta File, blocks uint64) (*Cow, error) {
	if blocks == 0 {
		return nil, errors.New("cow disk must have at least one block")
	}
	c := &Cow{
		parent:      parent,
		delta:       delta,
		blockSize:   DefaultBlockSize,
		blocks:      blocks,
		grainBlocks: DefaultGrainBlocks,
		grains:      make(map[uint64]uint64),
	}
	// Existing delta content is reloaded by the catalog layer above; a fresh
	// delta starts empty.
	size, err := delta.Size(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "size delta file")
	}
	c.next = uint64(size) / (c.grainBlocks * uint64(c.blockSize))
	return c, nil
}

// Capacity implements vscsi.Backend.
func (c *Cow) Capacity(context.Context) (vscsi.CapacityInfo, error) {
	return vscsi.CapacityInfo{Blocks: c.blocks, BlockSize: c.blockSize}, nil
}

// QueueCommand implements vscsi.Backend.
func (c *Cow) QueueCommand(ctx context.Context, cmd *vscsi.Command) error {
	op := cmd.CDB[0]
	switch {
	case scsi.IsRead(op), scsi.IsWrite(op):
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.doIO(ctx, cmd, scsi.IsWrite(op))
		}()
		return nil
	case op == scsi.Reserve:
		err := c.delta.Reserve(ctx)
		st, sense := statusForError(err)
		cmd.Complete(st, sense, 0)
		return nil
	case op == scsi.Release:
		err := c.delta.Release(ctx)
		st, sense := statusForError(err)
		cmd.Complete(st, sense, 0)
		return nil
	default:
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0)
		return nil
	}
}

func (c *Cow) doIO(ctx context.Context, cmd *vscsi.Command, write bool) {
	length := int(cmd.Blocks) * int(c.blockSize)
	if length > len(cmd.Data) {
		cmd.Complete(scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0)
		return
	}

	// walk the transfer grain by grain; a request may straddle allocated and
	// unallocated grains
	done := 0
	lba := cmd.LBA
	remaining := uint64(cmd.Blocks)
	for remaining > 0 {
		grain := lba / c.grainBlocks
		within := lba % c.grainBlocks
		span := c.grainBlocks - within
		if span > remaining {
			span = remaining
		}
		buf := cmd.Data[done : done+int(span)*int(c.blockSize)]

		var err error
		if write {
			err = c.writeSpan(ctx, grain, within, buf)
		} else {
			err = c.readSpan(ctx, grain, within, lba, buf)
		}
		if err != nil {
			log.G(ctx).WithError(err).Debugf("cow disk i/o at lba %d failed", lba)
			completeRW(cmd, done, err)
			return
		}
		done += len(buf)
		lba += span
		remaining -= span
	}
	completeRW(cmd, done, nil)
}

func (c *Cow) readSpan(ctx context.Context, grain, within, lba uint64, buf []byte) error {
	c.mu.Lock()
	deltaGrain, ok := c.grains[grain]
	c.mu.Unlock()
	if ok {
		off := int64(deltaGrain*c.grainBlocks+within) * int64(c.blockSize)
		_, err := c.delta.ReadAt(ctx, buf, off)
		return err
	}
	// unallocated: read through to the parent, zero-filling past its end
	size, err := c.parent.Size(ctx)
	if err != nil {
		return err
	}
	off := int64(lba) * int64(c.blockSize)
	if off >= size {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	n := len(buf)
	if int64(n) > size-off {
		n = int(size - off)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	_, err = c.parent.ReadAt(ctx, buf[:n], off)
	return err
}

func (c *Cow) writeSpan(ctx context.Context, grain, within uint64, buf []byte) error {
	deltaGrain, err := c.allocateGrain(ctx, grain)
	if err != nil {
		return err
	}
	off := int64(deltaGrain*c.grainBlocks+within) * int64(c.blockSize)
	_, err = c.delta.WriteAt(ctx, buf, off)
	return err
}

// allocateGrain returns the delta grain backing the virtual grain, copying
// the parent's content in on first touch so partial writes into the grain
// stay consistent.
func (c *Cow) allocateGrain(ctx context.Context, grain uint64) (uint64, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	c.mu.Lock()
	if deltaGrain, ok := c.grains[grain]; ok {
		c.mu.Unlock()
		return deltaGrain, nil
	}
	deltaGrain := c.next
	c.next++
	c.mu.Unlock()

	grainBytes := c.grainBlocks * uint64(c.blockSize)
	fill := make([]byte, grainBytes)
	if err := c.readSpan(ctx, grain, 0, grain*c.grainBlocks, fill); err != nil {
		return 0, errors.Wrap(err, "fill grain from parent")
	}
	if _, err := c.delta.WriteAt(ctx, fill, int64(deltaGrain*grainBytes)); err != nil {
		return 0, errors.Wrap(err, "seed delta grain")
	}

	c.mu.Lock()
	c.grains[grain] = deltaGrain
	c.mu.Unlock()
	return deltaGrain, nil
}

// ResetTarget implements vscsi.Backend.
func (c *Cow) ResetTarget(ctx context.Context) error {
	if err := c.delta.Sync(ctx); err != nil {
		return errors.Wrap(err, "sync delta on reset")
	}
	return c.delta.Release(ctx)
}

// AbortCommand implements vscsi.Backend.
func (c *Cow) AbortCommand(context.Context, uint64) error { return nil }

// Close implements vscsi.Backend.
func (c *Cow) Close(ctx context.Context) error {
	c.wg.Wait()
	if err := c.delta.Close(ctx); err != nil {
		return err
	}
	return c.parent.Close(ctx)
}
