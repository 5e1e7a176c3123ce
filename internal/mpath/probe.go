package mpath

import (
	"context"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
)

// probeResult classifies a bypass-queue readiness probe.
type probeResult int

const (
	probeReady probeResult = iota
	probeNotReady
	probeDead
	probeBusy
	probeError
)

// checkPathReady issues the synchronous readiness probe on p without holding
// the adapter lock. A reservation conflict counts as ready: the unit is being
// served, just reserved by another host.
//
// On FAStT arrays in manual-switchover mode a plain TEST UNIT READY succeeds
// even on the passive controller, so readiness additionally requires that the
// LUN is owned by the controller behind this path.
func (m *Manager) checkPathReady(ctx context.Context, p *Path) probeResult {
	res := m.checkUnitReady(ctx, p)
	if res != probeReady {
		return res
	}
	t := p.target
	if t == nil {
		return probeReady
	}
	flags, family := t.Flags(), t.Family()
	if (family == FamilyFAStT || family == FamilyFAStTV54) && flags&TargetManualSwitchover != 0 {
		if !m.fasttUsingPreferredController(ctx, p) {
			return probeNotReady
		}
	}
	return probeReady
}

func (m *Manager) checkUnitReady(ctx context.Context, p *Path) probeResult {
	status, sense := m.transport.Issue(ctx, p, scsi.TestUnitReadyCDB(), nil, false)
	return m.classifyProbe(ctx, p, status, sense)
}

func (m *Manager) classifyProbe(ctx context.Context, p *Path, status scsi.Status, sense scsi.SenseData) probeResult {
	switch {
	case status.OK():
		return probeReady
	case status.Host == scsi.HostNoConnect:
		return probeDead
	case status.Host != scsi.HostOK:
		return probeBusy
	case status.Device == scsi.StatReservationConflict:
		log.G(ctx).Debugf("probe on %s: converting reservation conflict to ready", p.Name())
		return probeReady
	case status.Device == scsi.StatBusy, status.Device == scsi.StatTaskSetFull:
		return probeBusy
	case status.Device == scsi.StatCheckCondition:
		if deviceNotReady(p.target, sense) {
			return probeNotReady
		}
		if sense.Key == scsi.KeyUnitAttention {
			return probeBusy
		}
		return probeError
	}
	return probeError
}

// deviceNotReady inspects check-condition sense and reports whether the
// device is waiting for the controller behind this path to be activated.
// Arrays that support manual failover report the condition in different
// ways.
func deviceNotReady(t *Target, sense scsi.SenseData) bool {
	if t == nil {
		return sense.Key == scsi.KeyNotReady
	}
	t.adapter.mu.Lock()
	flags, family := t.flags, t.family
	t.adapter.mu.Unlock()

	if flags&TargetManualSwitchover == 0 {
		return false
	}
	switch family {
	case FamilyDGC:
		if sense.Key == scsi.KeyNotReady {
			return true
		}
		return sense.Key == scsi.KeyIllegalRequest &&
			sense.ASC == scsi.AscLUNotReady &&
			sense.ASCQ == scsi.AscqManualIntervention
	case FamilyFAStT, FamilyFAStTV54:
		return sense.Key == scsi.KeyIllegalRequest &&
			sense.ASC == scsi.AscInvalidRequestDueToCurrentLUOwnership &&
			sense.ASCQ == scsi.AscqInvalidRequestDueToCurrentLUOwnership
	default:
		return sense.Key == scsi.KeyNotReady
	}
}
