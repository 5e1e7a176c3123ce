package mpath

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/queue"
)

// probe retry policy for paths answering BUSY during a sweep
const (
	evalBusyAttempts = 3
	evalBusyBackoff  = 100 * time.Millisecond
)

// RequestEval schedules a health sweep of every path on the adapter. Repeated
// requests coalesce: at most one sweep runs at a time, and a request arriving
// mid-sweep causes exactly one more full pass rather than stacking up.
func (m *Manager) RequestEval(ctx context.Context, a *Adapter) {
	a.mu.Lock()
	switch a.evalState {
	case EvalOff:
		a.evalState = EvalRequested
	case EvalOn:
		a.evalState = EvalRetry
		a.mu.Unlock()
		return
	default: // already requested or retry pending
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err := m.helper.Enqueue(func(ctx context.Context) {
		m.runEval(ctx, a)
	}); err != nil {
		log.G(ctx).WithError(err).Warnf("could not schedule path evaluation for %s", a.Name)
		a.mu.Lock()
		// a sweep scheduled by someone else may have started in the meantime;
		// only roll back our own request
		if a.evalState == EvalRequested {
			a.evalState = EvalOff
		}
		a.mu.Unlock()
	}
}

// StartPeriodicEval arms the recurring background sweep for the adapter and
// returns a function that stops it. The period is re-read from the config on
// every re-arm.
func (m *Manager) StartPeriodicEval(ctx context.Context, a *Adapter) (stop func()) {
	var (
		timer   queue.Timer
		stopped bool
		mu      = &a.mu
	)
	var arm func()
	arm = func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		timer = m.clock.AfterFunc(m.conf.Current().PathEvalTime.Std(), func() {
			m.RequestEval(ctx, a)
			arm()
		})
		mu.Unlock()
	}
	arm()
	return func() {
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}
}

func (m *Manager) runEval(ctx context.Context, a *Adapter) {
	for {
		a.mu.Lock()
		a.evalState = EvalOn
		a.configModified = false
		a.mu.Unlock()

		m.evalPass(ctx, a)

		a.mu.Lock()
		// A target added or removed mid-sweep, or an explicit re-request,
		// invalidates the pass just made.
		if a.evalState == EvalRetry || a.configModified {
			a.mu.Unlock()
			continue
		}
		a.evalState = EvalOff
		a.mu.Unlock()
		return
	}
}

// evalPass probes every path of every target on the adapter once and records
// the observed states.
func (m *Manager) evalPass(ctx context.Context, a *Adapter) {
	m.metrics.EvalSweep()
	for _, t := range a.Targets() {
		for _, p := range t.Paths() {
			a.mu.Lock()
			skip := p.state == PathOff || p.active > 0
			modified := a.configModified
			a.mu.Unlock()
			if modified {
				// paths may be stale; runEval restarts the sweep
				return
			}
			if skip {
				// OFF is administrative, and a path with traffic in flight
				// is demonstrably working.
				continue
			}
			m.evalPath(ctx, t, p)
		}
	}
}

func (m *Manager) evalPath(ctx context.Context, t *Target, p *Path) {
	var res probeResult
	err := retry.Retry(func(attempt uint) error {
		res = m.checkPathReady(ctx, p)
		if res == probeBusy {
			return errors.Errorf("path %s busy (attempt %d)", p.Name(), attempt)
		}
		return nil
	},
		strategy.Limit(evalBusyAttempts),
		strategy.Backoff(backoff.Linear(evalBusyBackoff)),
	)
	if err != nil {
		// still busy after the retry budget; leave the recorded state alone
		log.G(ctx).WithError(err).Debugf("path %s busy throughout evaluation", p.Name())
		return
	}

	switch res {
	case probeReady:
		m.MarkPathOn(ctx, p)
		m.replayRegistration(ctx, t, p)
	case probeNotReady:
		m.MarkPathStandby(ctx, p)
	case probeDead:
		m.MarkPathDead(ctx, p)
	default:
		log.G(ctx).Debugf("inconclusive probe on %s, state unchanged", p.Name())
	}
}

// replayRegistration reissues the target's saved cluster-registration command
// on a path that just came (back) up, once per up transition.
func (m *Manager) replayRegistration(ctx context.Context, t *Target, p *Path) {
	a := t.adapter
	a.mu.Lock()
	reg := t.registration
	done := p.flags&pathRegistrationDone != 0
	a.mu.Unlock()
	if reg == nil || done {
		return
	}
	if err := m.dgcRegister(ctx, p, reg); err != nil {
		log.G(ctx).WithError(err).Warnf("could not replay registration on %s", p.Name())
		return
	}
	a.mu.Lock()
	p.flags |= pathRegistrationDone
	a.mu.Unlock()
}
