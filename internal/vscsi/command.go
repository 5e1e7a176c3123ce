package vscsi

import (
	"context"
	"sync/atomic"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
)

// Execute dispatches one guest command on the handle. The call never blocks
// on the media: reads and writes are queued to the backend and complete
// through the handle's result queue; everything else is emulated or answered
// here and completes immediately.
func (d *Dispatcher) Execute(ctx context.Context, id HandleID, cmd *Command) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}
	defer d.put(ctx, h)

	if len(cmd.CDB) == 0 {
		h.finish(cmd, scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0)
		return nil
	}
	op := cmd.CDB[0]
	d.metrics.CommandIssued(devClassName(h.opts.DevClass))

	// A reset in flight owns the device; answer BUSY and let the guest
	// retry once the reset completes.
	h.mu.Lock()
	if h.reset != resetNone {
		h.mu.Unlock()
		h.finish(cmd, scsi.StatusBusy, scsi.SenseData{}, 0)
		return nil
	}
	h.mu.Unlock()

	if h.opts.Passthrough && !scsi.IsRead(op) && !scsi.IsWrite(op) {
		return h.queueToBackend(ctx, cmd)
	}

	switch {
	case scsi.IsRead(op), scsi.IsWrite(op):
		lba, blocks, ok := scsi.DecodeRW(cmd.CDB)
		if !ok {
			h.finish(cmd, scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0)
			return nil
		}
		// reject transfers past the end of the device before the backend
		// sees them
		if lba+uint64(blocks) > h.cap.Blocks {
			log.G(ctx).Debugf("out of range: lba %d + %d blocks > %d", lba, blocks, h.cap.Blocks)
			h.finish(cmd, scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscLBAOutOfRange, 0), 0)
			return nil
		}
		cmd.LBA = lba
		cmd.Blocks = blocks
		return h.queueToBackend(ctx, cmd)
	case op == scsi.Reserve, op == scsi.Release:
		// reservations belong to the shared storage under the disk, not to
		// this handle; the backend decides
		return h.queueToBackend(ctx, cmd)
	default:
		status, sense, bytes := h.emulate(cmd)
		h.finish(cmd, status, sense, bytes)
		return nil
	}
}

func (h *Handle) queueToBackend(ctx context.Context, cmd *Command) error {
	cmd.h = h
	h.mu.Lock()
	h.pending[cmd.SerialNo] = cmd
	h.mu.Unlock()

	if err := h.be.QueueCommand(ctx, cmd); err != nil {
		h.mu.Lock()
		delete(h.pending, cmd.SerialNo)
		h.mu.Unlock()
		return err
	}
	return nil
}

// finish completes a command the dispatcher handled itself, going through the
// same delivery path backend completions take.
func (h *Handle) finish(cmd *Command, status scsi.Status, sense scsi.SenseData, bytes uint32) {
	cmd.h = h
	h.complete(cmd, status, sense, bytes)
}

// AbortCommand cancels one queued command by serial number. Commands already
// completed, or never queued, are a no-op.
func (d *Dispatcher) AbortCommand(ctx context.Context, id HandleID, serialNo uint64) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}
	defer d.put(ctx, h)

	h.mu.Lock()
	_, queued := h.pending[serialNo]
	h.mu.Unlock()
	if !queued {
		return nil
	}
	return h.be.AbortCommand(ctx, serialNo)
}

// completed reports and claims the single completion of cmd.
func (c *Command) claimCompletion() bool {
	return atomic.CompareAndSwapUint32(&c.done, 0, 1)
}

func devClassName(class byte) string {
	switch class {
	case scsi.ClassDisk:
		return "disk"
	case scsi.ClassCDROM:
		return "cdrom"
	case scsi.ClassTape:
		return "tape"
	}
	return "other"
}
