package mpath

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/logfields"
)

// blocksPerMB is the round-robin switch threshold.
const blocksPerMB = 2048

// ChoosePath selects the path that carries the target's next command,
// changing the active path as necessary. cmdBlocks is the block count of the
// command about to be issued; the round-robin policy uses it to detect the
// megabyte boundary crossing.
//
// Some path changes require a manual switchover or a bus reset. Those block,
// so they only happen when blockable is true; otherwise the change is
// deferred and the current active path returned, to be retried on the next
// call from a blockable context.
func (m *Manager) ChoosePath(ctx context.Context, t *Target, cmdBlocks uint32, blockable bool) (*Path, error) {
	a := t.adapter
	a.mu.Lock()

	// A failover initiated elsewhere is in progress; don't stack another.
	if t.flags&TargetSwitchoverUnderway != 0 {
		p := t.activePath
		a.mu.Unlock()
		log.G(ctx).Debugf("failover underway, using current path %s", p.Name())
		return p, nil
	}

	if t.activePath == nil {
		a.mu.Unlock()
		return nil, ErrNoUsablePath
	}

	path := t.activePath
	policy := t.policyLocked()

	if policy == PolicyFixed && t.preferredPath != nil &&
		(t.preferredPath.state == PathOn || t.preferredPath.state == PathStandby) {
		path = t.preferredPath
	} else {
		// Active path is the MRU choice and the first fallback for the
		// other policies.
		if policy == PolicyRoundRobin && t.flags&TargetReservedLocal == 0 && t.pendingReserves == 0 {
			// No round-robin switch while the target is reserved by this
			// host.
			path = t.roundRobinLocked(cmdBlocks)
		}

		if path.state != PathOn && policy == PolicyMRU &&
			t.flags&TargetManualSwitchover != 0 && blockable {
			// Another host may already have failed the array over; probing
			// for a path that is already ready avoids thrashing controllers
			// back and forth. The lock is dropped for the probes, so
			// re-check for a racing switchover afterward.
			a.mu.Unlock()
			working := m.locateReadyPath(ctx, t, t.ActivePath())
			a.mu.Lock()
			if t.flags&TargetSwitchoverUnderway != 0 {
				p := t.activePath
				a.mu.Unlock()
				log.G(ctx).Debug("switchover raced the ready-path probe, using current path")
				return p, nil
			}
			if working != nil {
				path = working
				m.markPathOnLocked(ctx, path)
			} else if t.family == FamilySVC {
				log.G(ctx).Warnf("none of the paths to SVC device %s:%d:%d are working",
					a.Name, t.ID, t.LUN)
			}
		}

		if path.state != PathOn {
			path = t.selectWithStateLocked(path, PathOn)
			if path.state != PathOn {
				path = t.selectWithStateLocked(path, PathStandby)
			}
		}
	}

	// Determine what is needed to start using the selected path.
	doReset := false
	pull := false
	if path != t.activePath || path.state == PathStandby {
		if path.Adapter != t.activePath.Adapter &&
			(m.conf.Current().ResetOnFailover ||
				t.flags&TargetReservedLocal != 0 ||
				t.pendingReserves > 0) {
			// The adapter is changing while reservation state may be held
			// on the old one; a bus reset clears it.
			doReset = true
		}
		if (doReset || t.flags&TargetManualSwitchover != 0) && !blockable {
			// Not safe to block here. Keep issuing on the current path; the
			// failover happens on the next call from a blockable context.
			log.G(ctx).Warnf("delaying failover to path %s", path.Name())
			p := t.activePath
			a.mu.Unlock()
			return p, nil
		}

		m.metrics.FailoverStarted()
		if t.flags&TargetManualSwitchover != 0 {
			t.flags |= TargetSwitchoverUnderway
			pull = true
			if t.activePath.state == PathOn {
				m.markPathStandbyLocked(ctx, t.activePath)
			}
			log.G(ctx).Warnf("manual switchover to path %s begins", path.Name())
		}
		if policy != PolicyRoundRobin {
			log.G(ctx).WithFields(logrus.Fields{
				logfields.PathID: path.Name(),
				logfields.Policy: policy.String(),
			}).Info("changing active path")
		}
		t.activePath = path
	}

	a.mu.Unlock()

	if doReset {
		if err := m.transport.BusReset(ctx, path); err != nil {
			log.G(ctx).WithError(err).Warn("bus reset during adapter failover failed")
		}
	}

	if pull {
		success := m.pullToStandbyController(ctx, t)
		a.mu.Lock()
		active := t.activePath
		if success {
			log.G(ctx).Warnf("manual switchover to %s completed successfully", active.Name())
			m.markPathOnLocked(ctx, active)
		} else {
			log.G(ctx).Warnf("manual switchover to %s completed unsuccessfully", active.Name())
			m.metrics.FailoverFailed()
			// A DEAD path stays dead: there are no working paths at all.
			// Otherwise fall back to STANDBY so the next request tries a
			// different standby path.
			if active.state != PathDead {
				m.markPathStandbyLocked(ctx, active)
			}
		}
		t.flags &^= TargetSwitchoverUnderway
		active.flags |= pathFailoverTried
		a.mu.Unlock()
	}

	return path, nil
}

// roundRobinLocked returns the next path when the command about to be issued
// crosses a megabyte boundary of cumulative target bandwidth; otherwise the
// active path is kept. The replacement must be ON and reach the same SCSI
// target id, but may use any adapter.
func (t *Target) roundRobinLocked(cmdBlocks uint32) *Path {
	active := t.activePath
	before := t.blocksTransferred / blocksPerMB
	after := (t.blocksTransferred + uint64(cmdBlocks)) / blocksPerMB
	if before == after {
		return active
	}
	n := len(t.paths)
	start := t.pathIndexLocked(active)
	for i := 1; i <= n; i++ {
		p := t.paths[(start+i)%n]
		if p.state == PathOn && p.ID == active.ID {
			return p
		}
	}
	return active
}

func (t *Target) pathIndexLocked(p *Path) int {
	for i, cur := range t.paths {
		if cur == p {
			return i
		}
	}
	return 0
}

// selectWithStateLocked searches the target's paths for one in the requested
// state, starting after from. On manual-switchover arrays paths already
// tried for failover are skipped first, to cycle through the controllers
// rather than thrash one; once every candidate has been tried the tried
// flags are cleared and the search starts over.
func (t *Target) selectWithStateLocked(from *Path, state PathState) *Path {
	n := len(t.paths)
	if n == 0 {
		return from
	}
	start := t.pathIndexLocked(from)

	if t.flags&TargetManualSwitchover != 0 {
		anyInState := false
		for i := 0; i < n; i++ {
			p := t.paths[(start+i)%n]
			if p.state != state {
				continue
			}
			anyInState = true
			if p.flags&pathFailoverTried == 0 {
				return p
			}
		}
		if anyInState {
			for _, p := range t.paths {
				p.flags &^= pathFailoverTried
			}
		}
	}

	for i := 0; i < n; i++ {
		p := t.paths[(start+i)%n]
		if p.state == state {
			return p
		}
	}
	return from
}

// locateReadyPath probes the target's paths for one that already answers
// ready, preferring paths not recently tried for failover. Called without
// the adapter lock; the probes block.
func (m *Manager) locateReadyPath(ctx context.Context, t *Target, start *Path) *Path {
	paths := t.Paths()
	if len(paths) == 0 {
		return nil
	}
	startIdx := 0
	for i, p := range paths {
		if p == start {
			startIdx = i
			break
		}
	}

	pathOK := func(p *Path, skipTried bool) bool {
		p.Adapter.mu.Lock()
		state, flags := p.state, p.flags
		p.Adapter.mu.Unlock()
		if state == PathOff {
			return false
		}
		if skipTried && flags&pathFailoverTried != 0 {
			return false
		}
		return m.checkPathReady(ctx, p) == probeReady
	}

	if t.Flags()&TargetManualSwitchover != 0 {
		for i := 0; i < len(paths); i++ {
			if p := paths[(startIdx+i)%len(paths)]; pathOK(p, true) {
				return p
			}
		}
	}
	for i := 0; i < len(paths); i++ {
		if p := paths[(startIdx+i)%len(paths)]; pathOK(p, false) {
			return p
		}
	}
	return nil
}

// pullToStandbyController drives the manual switchover to the target's
// active path: probe, activate if the controller reports not ready, and
// re-probe.
func (m *Manager) pullToStandbyController(ctx context.Context, t *Target) bool {
	active := t.ActivePath()
	switch m.checkPathReady(ctx, active) {
	case probeNotReady:
		if err := m.activatePath(ctx, t); err != nil {
			log.G(ctx).WithError(err).Warnf("could not switchover to %s: activation failed", active.Name())
			return false
		}
		if m.checkPathReady(ctx, active) != probeReady {
			log.G(ctx).Warnf("could not switchover to %s: controller not ready after activation", active.Name())
			return false
		}
		return true
	case probeReady:
		// The other controller is already active, probably failed over by
		// another host. Just use it.
		log.G(ctx).Warnf("did not switchover to %s: standby controller already ready", active.Name())
		return true
	default:
		log.G(ctx).Warnf("could not switchover to %s: readiness probe failed", active.Name())
		return false
	}
}
