package mpath

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/logfields"
	"github.com/openvmk/vscsi/internal/oc"
	"github.com/openvmk/vscsi/internal/scsi"
)

// fasttModels are the model prefixes of FAStT-class arrays: the IBM-branded
// units plus the LSI-built STK OPENstorage and blade controller equivalents,
// which speak the same RDAC failover protocol.
var fasttModels = []string{
	"1742", "3542", "3552", "1722",
	"OPENstorage 9176",
	"OPENstorage D173", "OPENstorage D178",
	"OPENstorage D210", "OPENstorage D220",
	"OPENstorage D240", "OPENstorage D280",
	"BladeCtlr BC82", "BladeCtlr BC84", "BladeCtlr BC88",
	"BladeCtlr B210", "BladeCtlr B220",
	"BladeCtlr B240", "BladeCtlr B280",
}

// rdacModeAVT is the RDAC mode byte value reporting automatic volume
// transfer: the array moves LUN ownership on its own and must not be driven
// through manual switchover.
const rdacModeAVT = 0x04

// ClassifyTarget assigns the target's array family and quirk flags from its
// INQUIRY identity, probing the array where the identity alone is not enough.
// Families that fail over by an explicit command sequence get
// TargetManualSwitchover plus the MRU policy pin, since failing back
// automatically would trespass the LUN between controllers on every probe.
func (m *Manager) ClassifyTarget(ctx context.Context, t *Target, vendor, model string) {
	ctx, span := oc.StartSpan(ctx, "mpath::ClassifyTarget")
	defer span.End()

	family := FamilyGeneric
	manual := false
	pseudo := false

	vnd := strings.TrimRight(vendor, " ")
	mdl := strings.TrimRight(model, " ")

	switch {
	case isFAStTModel(mdl):
		family = FamilyFAStT
		if m.fasttProbeV54(ctx, t) {
			family = FamilyFAStTV54
		}
		// In AVT mode the array trespasses on its own; driving the manual
		// protocol as well would fight it.
		manual = !m.fasttInAVTMode(ctx, t, family)
	case vnd == "IBM" && strings.HasPrefix(mdl, "2145"):
		family = FamilySVC
		manual = true
	case vnd == "DGC":
		family = FamilyDGC
		manual = true
		if mdl == "LUNZ" && t.LUN == 0 {
			// Clariion gatekeeper LUN: zero capacity, exists only so hosts
			// without storage assigned still see a unit at LUN 0.
			pseudo = true
		}
	case vnd == "DEC" && strings.HasPrefix(mdl, "HSG80"):
		family = FamilyHSG80
		manual = true
	case strings.HasPrefix(mdl, "MSA1000"):
		family = FamilyMSA
		manual = true
	case strings.HasPrefix(mdl, "HSV1"):
		family = FamilyHSV
		manual = true
	default:
		if m.configuredActivePassive(mdl) {
			manual = true
		}
	}

	a := t.adapter
	a.mu.Lock()
	t.Vendor = vnd
	t.Model = mdl
	t.family = family
	if manual {
		t.flags |= TargetManualSwitchover | TargetMustUseMRU
	} else {
		t.flags &^= TargetManualSwitchover | TargetMustUseMRU
	}
	if pseudo {
		t.flags |= TargetPseudoDisk
	}
	a.mu.Unlock()

	log.G(ctx).WithFields(logrus.Fields{
		logfields.Vendor: vnd,
		logfields.Model:  mdl,
	}).Infof("classified target %s:%d:%d as %s (manual switchover: %t)",
		a.Name, t.ID, t.LUN, family, manual)
}

func isFAStTModel(model string) bool {
	for _, prefix := range fasttModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (m *Manager) configuredActivePassive(model string) bool {
	for _, cfgModel := range m.conf.Current().ActivePassiveFailoverModels {
		if strings.HasPrefix(model, cfgModel) {
			return true
		}
	}
	return false
}

// fasttProbeV54 distinguishes the V54 firmware generation, which addresses
// the Redundant Controller page through the subpage mechanism. Earlier
// firmware rejects the subpage form.
func (m *Manager) fasttProbeV54(ctx context.Context, t *Target) bool {
	p := t.ActivePath()
	if p == nil {
		return false
	}
	buf := make([]byte, fasttRCPMaxDataLen)
	cdb := make([]byte, 10)
	cdb[0] = scsi.ModeSense10
	cdb[2] = fasttRCPPage
	cdb[3] = fasttRCPSubpage
	cdb[7] = byte(len(buf) >> 8)
	cdb[8] = byte(len(buf))
	status, _ := m.transport.Issue(ctx, p, cdb, buf, false)
	return status.OK()
}

// fasttInAVTMode reads the RDAC mode from the Redundant Controller page.
func (m *Manager) fasttInAVTMode(ctx context.Context, t *Target, family Family) bool {
	p := t.ActivePath()
	if p == nil {
		return false
	}
	// classification runs before the family is stored on the target, so pin
	// it for the page-layout decision
	a := t.adapter
	a.mu.Lock()
	prev := t.family
	t.family = family
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		t.family = prev
		a.mu.Unlock()
	}()

	buf, offset, err := m.fasttReadRedundantControllerPage(ctx, t, p)
	if err != nil {
		log.G(ctx).WithError(err).Debugf("could not determine RDAC mode for %s", p.Name())
		return false
	}
	idx := offset + fasttRDACModeByte2
	return idx < len(buf) && buf[idx] == rdacModeAVT
}
