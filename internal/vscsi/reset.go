package vscsi

import (
	"context"
	"sync"
	"time"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/logfields"
	"github.com/openvmk/vscsi/internal/oc"
	"github.com/openvmk/vscsi/internal/queue"
	"github.com/openvmk/vscsi/internal/scsi"
)

// resetState is the per-handle target reset state machine.
type resetState uint8

const (
	// resetNone: no reset outstanding.
	resetNone resetState = iota
	// resetRequested: queued for a worker, not yet issued to the backend.
	resetRequested
	// resetBusy: a worker is issuing the reset to the backend.
	resetBusy
	// resetDraining: the reset was issued; waiting for commands that were
	// outstanding at the backend to come home.
	resetDraining
)

// ResetTarget begins an asynchronous target reset on the handle. serialNo is
// the guest's tag for the reset; its completion is queued for Poll once the
// backend reset returns and every command outstanding at request time has
// completed. A second request while one is outstanding coalesces into it and
// completes with it. Commands that refuse to drain are forced complete after
// the retry budget runs out.
func (d *Dispatcher) ResetTarget(ctx context.Context, id HandleID, serialNo uint64) (err error) {
	ctx, span := oc.StartSpan(ctx, "vscsi::ResetTarget")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	h, err := d.get(id)
	if err != nil {
		return err
	}
	defer d.put(ctx, h)

	h.mu.Lock()
	if h.reset != resetNone {
		h.resetSerials = append(h.resetSerials, serialNo)
		h.mu.Unlock()
		return nil
	}
	h.reset = resetRequested
	h.resetRequested = d.now()
	h.resetRetries = 0
	h.resetSerials = []uint64{serialNo}
	h.resetForced = false
	h.mu.Unlock()

	d.metrics.ResetRequested()
	log.G(ctx).WithField(logfields.HandleID, uint32(h.id)).Warn("target reset requested")

	d.resets.submit(func(ctx context.Context) { d.runReset(ctx, h) })
	return nil
}

// runReset issues the backend reset from a pool worker (it may block on the
// media) and transitions to draining or completion.
func (d *Dispatcher) runReset(ctx context.Context, h *Handle) {
	h.mu.Lock()
	if h.reset != resetRequested {
		h.mu.Unlock()
		return
	}
	h.reset = resetBusy
	h.mu.Unlock()

	if err := h.be.ResetTarget(ctx); err != nil {
		log.G(ctx).WithError(err).WithField(logfields.HandleID, uint32(h.id)).
			Warn("backend reset failed")
	}

	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		d.finishReset(ctx, h, false)
		return
	}
	h.reset = resetDraining
	h.mu.Unlock()
	d.armResetRetry(ctx, h)
}

// armResetRetry schedules the next drain check. Each firing reissues the
// backend reset until the budget is spent, then forces the stragglers
// complete so the guest's reset cannot hang forever.
func (d *Dispatcher) armResetRetry(ctx context.Context, h *Handle) {
	period := d.conf.Current().ResetPeriod.Std()
	d.clock.AfterFunc(period, func() {
		h.mu.Lock()
		if h.reset != resetDraining {
			h.mu.Unlock()
			return
		}
		h.resetRetries++
		retries := h.resetRetries
		maxRetries := d.conf.Current().ResetMaxRetries
		var force []*Command
		if retries > maxRetries {
			for _, cmd := range h.pending {
				force = append(force, cmd)
			}
			h.resetForced = true
		}
		h.mu.Unlock()

		if retries > maxRetries {
			d.metrics.ResetForced()
			log.G(ctx).WithField(logfields.HandleID, uint32(h.id)).
				Warnf("forcing %d commands complete after %d reset attempts", len(force), retries)
			for _, cmd := range force {
				cmd.Complete(scsi.Status{Host: scsi.HostReset}, scsi.SenseData{}, 0)
			}
			// the last forced completion observes the drain and finishes the
			// reset; with nothing pending finish it here
			if len(force) == 0 {
				d.finishReset(ctx, h, true)
			}
			return
		}

		d.metrics.ResetRetried()
		d.resets.submit(func(ctx context.Context) {
			if err := h.be.ResetTarget(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("backend reset retry failed")
			}
			d.armResetRetry(ctx, h)
		})
	})
}

func (d *Dispatcher) finishReset(ctx context.Context, h *Handle, forced bool) {
	h.mu.Lock()
	if h.reset == resetNone {
		h.mu.Unlock()
		return
	}
	h.reset = resetNone
	serials := h.resetSerials
	h.resetSerials = nil
	h.resetForced = false
	h.mu.Unlock()

	log.G(ctx).WithField(logfields.HandleID, uint32(h.id)).
		Warnf("target reset complete (forced: %t)", forced)
	// the reset's own completions go through the normal result queue so the
	// guest can poll them after the drained commands
	for _, serial := range serials {
		h.deliver(&Result{SerialNo: serial, Status: scsi.StatusGood})
	}
}

// watchdog periodically scans for resets stuck behind busy workers and grows
// the pool, so a reset blocked on dead media cannot starve resets of healthy
// devices.
func (d *Dispatcher) watchdog(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		latency := d.conf.Current().ResetLatency.Std()
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(latency):
		}
		d.scanOverdueResets(ctx)
	}
}

func (d *Dispatcher) scanOverdueResets(ctx context.Context) {
	c := d.conf.Current()
	now := d.now()

	d.mu.Lock()
	handles := make([]*Handle, 0, d.live)
	for _, h := range d.slots {
		if h != nil {
			handles = append(handles, h)
		}
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		overdue := h.reset == resetRequested &&
			now.Sub(h.resetRequested) > c.MaxResetLatency.Std()
		logIt := overdue && now.Sub(h.lastOverdueLog) > c.OverdueResetLogPeriod.Std()
		if logIt {
			h.lastOverdueLog = now
		}
		h.mu.Unlock()

		if !overdue {
			continue
		}
		if logIt {
			log.G(ctx).WithField(logfields.HandleID, uint32(h.id)).
				Warnf("target reset pending for over %s", now.Sub(h.resetRequested))
		}
		d.resets.grow()
	}
}

// resetPool is the elastic worker pool blocking backend resets run on.
// Workers beyond the minimum exit after sitting idle for the expiry period.
type resetPool struct {
	tasks   chan queue.Task
	min     int
	max     int
	expires time.Duration

	mu      sync.Mutex
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newResetPool(min, max int, expires time.Duration) *resetPool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &resetPool{
		tasks:   make(chan queue.Task, max),
		min:     min,
		max:     max,
		expires: expires,
	}
}

func (p *resetPool) start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.min; i++ {
		p.spawnLocked(false)
	}
	p.mu.Unlock()
}

func (p *resetPool) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// submit hands a task to the pool, growing it when every worker is busy.
// Falls back to running inline if the pool was never started, which keeps
// single-threaded tests deterministic.
func (p *resetPool) submit(t queue.Task) {
	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		t(context.Background())
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	select {
	case p.tasks <- t:
		return
	default:
	}
	p.grow()
	select {
	case p.tasks <- t:
	case <-ctx.Done():
	}
}

// grow adds one worker up to the maximum.
func (p *resetPool) grow() {
	p.mu.Lock()
	if p.ctx != nil && p.workers < p.max {
		p.spawnLocked(true)
	}
	p.mu.Unlock()
}

func (p *resetPool) spawnLocked(extra bool) {
	p.workers++
	p.wg.Add(1)
	ctx := p.ctx
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
		}()
		idle := time.NewTimer(p.expires)
		defer idle.Stop()
		for {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.expires)
			select {
			case t := <-p.tasks:
				t(ctx)
			case <-ctx.Done():
				return
			case <-idle.C:
				if !extra {
					continue
				}
				p.mu.Lock()
				exit := p.workers > p.min
				p.mu.Unlock()
				if exit {
					return
				}
			}
		}
	}()
}
