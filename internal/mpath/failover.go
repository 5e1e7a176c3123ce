package mpath

import (
	"context"
	"time"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/queue"
)

// helperRetryDelay is how long to wait before retrying when the helper queue
// is full.
const helperRetryDelay = 1000 * time.Millisecond

// RequestFailover queues a failover for t after a command came back with an
// error that a path change might cure. It returns true when the dispatcher
// should hold the failed command for reissue instead of completing it to the
// guest.
//
// Targets with automatic controller failover never need this: reissuing on
// another path is enough, and the regular ChoosePath call on the reissue does
// that without blocking. The helper indirection exists for work that blocks.
func (m *Manager) RequestFailover(ctx context.Context, t *Target) bool {
	a := t.adapter
	a.mu.Lock()
	needed := t.flags&TargetManualSwitchover != 0 ||
		t.flags&TargetReservedLocal != 0 ||
		t.pendingReserves > 0 ||
		m.conf.Current().ResetOnFailover
	if !needed {
		a.mu.Unlock()
		return false
	}
	t.delayCmds++
	first := t.delayCmds == 1
	a.mu.Unlock()

	if first {
		// Commands arriving while a failover is pending just bump the
		// counter; doFailover keeps rescheduling itself until it drains.
		m.scheduleFailover(ctx, t)
	}
	return true
}

func (m *Manager) scheduleFailover(ctx context.Context, t *Target) {
	err := m.helper.Enqueue(func(ctx context.Context) {
		m.doFailover(ctx, t)
	})
	if err == nil {
		return
	}
	if err == queue.ErrQueueFull {
		log.G(ctx).Warn("helper queue full, retrying failover later")
		m.clock.AfterFunc(helperRetryDelay, func() {
			m.scheduleFailover(context.Background(), t)
		})
		return
	}
	log.G(ctx).WithError(err).Error("could not schedule failover")
}

// doFailover runs on the helper and performs one blocking path selection for
// t, then reissues one command the dispatcher held back. One command per pass
// keeps the helper responsive to other targets; the pass reschedules itself
// while held commands remain.
func (m *Manager) doFailover(ctx context.Context, t *Target) {
	if _, err := m.ChoosePath(ctx, t, 0, true); err != nil {
		log.G(ctx).WithError(err).Warn("failover path selection failed")
	}

	drained := false
	if m.drainOne != nil {
		drained = m.drainOne(ctx, t)
	}

	a := t.adapter
	a.mu.Lock()
	if drained && t.delayCmds > 0 {
		t.delayCmds--
	}
	again := t.delayCmds > 0
	if !drained {
		// Nothing was queued for this target after all; clear the counter
		// so the next error starts fresh.
		t.delayCmds = 0
		again = false
	}
	a.mu.Unlock()

	if again {
		m.scheduleFailover(ctx, t)
	}
}
