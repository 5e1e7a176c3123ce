package vscsi

import (
	"context"

	"github.com/openvmk/vscsi/internal/scsi"
)

// complete is the single delivery path for command completions, whether from
// a backend or from the dispatcher's own emulation.
func (h *Handle) complete(cmd *Command, status scsi.Status, sense scsi.SenseData, bytes uint32) {
	if !cmd.claimCompletion() {
		return
	}
	d := h.d

	h.mu.Lock()
	delete(h.pending, cmd.SerialNo)

	// A reservation conflict on a file-backed disk usually means another
	// host's VMFS lock, not a guest-visible reservation; reporting BUSY makes
	// the guest retry instead of failing the device. Multiwriter disks see
	// conflicts as-is: clustering guests manage reservations themselves.
	if status == scsi.StatusReservationConflict && !h.opts.Multiwriter && !h.opts.Passthrough {
		status = scsi.StatusBusy
	}

	if status.Host == scsi.HostOK && status.Device == scsi.StatCheckCondition && !sense.IsZero() {
		// kept for a later REQUEST SENSE
		h.sense = sense
	}

	res := &Result{
		SerialNo:     cmd.SerialNo,
		Status:       status,
		Sense:        sense,
		BytesXferred: bytes,
	}

	delay := d.conf.Current().DelayOnBusy.Std()
	delayed := delay > 0 &&
		(status.Host == scsi.HostNoConnect ||
			(status.Host == scsi.HostOK && status.Device == scsi.StatBusy))

	drained := h.reset == resetDraining && len(h.pending) == 0
	forced := h.resetForced
	release := h.closed && h.refs == 0 && len(h.pending) == 0
	h.mu.Unlock()

	if delayed {
		// hold the completion back to damp the guest's retry loop
		d.metrics.CompletionDelayed()
		d.clock.AfterFunc(delay, func() { h.deliver(res) })
	} else {
		h.deliver(res)
	}

	if drained {
		d.finishReset(context.Background(), h, forced)
	}
	if release {
		// this was the completion Close was waiting on
		d.releaseHandle(context.Background(), h)
	}
}

func (h *Handle) deliver(res *Result) {
	h.d.metrics.CompletionDelivered()
	h.mu.Lock()
	h.results = append(h.results, res)
	notify := h.notify
	h.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Poll removes and returns the oldest completion for the handle. more reports
// whether further completions are immediately available, letting the adapter
// batch its interrupt handling. A nil Result means nothing has completed.
func (d *Dispatcher) Poll(ctx context.Context, id HandleID) (res *Result, more bool, err error) {
	h, err := d.get(id)
	if err != nil {
		return nil, false, err
	}
	defer d.put(ctx, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return nil, false, nil
	}
	res = h.results[0]
	h.results = h.results[1:]
	return res, len(h.results) > 0, nil
}
