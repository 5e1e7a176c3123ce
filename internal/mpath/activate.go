package mpath

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/scsi"
)

// Trespass mode page layout for Clariion-class arrays: a MODE SELECT(6)
// parameter list of header, one block descriptor, and page 0x22.
const trespassLen = 16

// Redundant Controller mode page on FAStT-class arrays.
const (
	fasttRCPPage    = 0x2c
	fasttRCPSubpage = 0x01

	// parameter data offsets relative to the start of the page data
	fasttRDACModeByte2  = 3
	fasttLUNInfoOffset  = 38
	fasttRCPMaxDataLen  = 256
	fasttRCPV53DataLen  = 0x68
	fasttPageDataOffset = 16 // mode parameter header(8) + block descriptor(8)

	fasttV53MaxLUNs = 32
	fasttV54MaxLUNs = 256
)

// activatePath issues the array-specific command sequence that makes the
// controller behind the target's active path serve the LUN. START UNIT is
// the generic fallback; the SVC needs nothing at all, a NOT READY there just
// means use another path.
func (m *Manager) activatePath(ctx context.Context, t *Target) error {
	p := t.ActivePath()
	switch t.Family() {
	case FamilySVC:
		return nil
	case FamilyDGC:
		return m.dgcTrespass(ctx, t, p)
	case FamilyFAStT, FamilyFAStTV54:
		if t.Flags()&TargetManualSwitchover != 0 {
			return m.fasttSetPreferredController(ctx, t, p)
		}
		return m.startUnit(ctx, p)
	default:
		return m.startUnit(ctx, p)
	}
}

func (m *Manager) startUnit(ctx context.Context, p *Path) error {
	status, _ := m.transport.Issue(ctx, p, scsi.StartUnitCDB(), nil, false)
	if !status.OK() && !(status.Host == scsi.HostOK && status.Device == scsi.StatCheckCondition) {
		return errors.Errorf("start unit on %s: host %#x device %#x", p.Name(), status.Host, status.Device)
	}
	return nil
}

// dgcTrespass transfers LUN ownership on a Clariion by writing the trespass
// mode page to the new controller.
func (m *Manager) dgcTrespass(ctx context.Context, t *Target, p *Path) error {
	tp := make([]byte, trespassLen)
	tp[3] = 0x8   // block descriptor length
	tp[10] = 0x2  // block size 0x200
	tp[12] = 0x22 // trespass page code
	tp[13] = 0x2  // page length
	tp[14] = 0x1  // HR = 0, TP = 1
	tp[15] = byte(p.LUN)

	cdb := make([]byte, 6)
	cdb[0] = scsi.ModeSelect
	cdb[4] = trespassLen

	status, _ := m.transport.Issue(ctx, p, cdb, tp, true)
	if !status.OK() {
		return errors.Errorf("trespass on %s: host %#x device %#x", p.Name(), status.Host, status.Device)
	}
	return nil
}

// fasttReadRedundantControllerPage reads the Redundant Controller page.
// V54-generation arrays address it as page+subpage via MODE SENSE(10);
// earlier arrays only understand the base page. The returned offset is where
// the page data starts in buf.
func (m *Manager) fasttReadRedundantControllerPage(ctx context.Context, t *Target, p *Path) (buf []byte, offset int, err error) {
	v54 := t.Family() == FamilyFAStTV54

	length := fasttPageDataOffset + fasttRCPV53DataLen
	subpage := byte(0)
	offset = fasttPageDataOffset + 2 // page code + length bytes
	if v54 {
		length = fasttRCPMaxDataLen
		subpage = fasttRCPSubpage
		offset = fasttPageDataOffset + 4 // subpage format header
	}

	buf = make([]byte, length)
	cdb := make([]byte, 10)
	cdb[0] = scsi.ModeSense10
	cdb[2] = fasttRCPPage
	cdb[3] = subpage
	cdb[7] = byte(length >> 8)
	cdb[8] = byte(length)

	status, _ := m.transport.Issue(ctx, p, cdb, buf, false)
	if !status.OK() {
		return nil, 0, errors.Errorf("redundant controller mode sense on %s: host %#x device %#x",
			p.Name(), status.Host, status.Device)
	}
	return buf, offset, nil
}

// fasttUsingPreferredController reports whether the LUN behind p is owned by
// the controller this path reaches.
func (m *Manager) fasttUsingPreferredController(ctx context.Context, p *Path) bool {
	t := p.target
	maxLUNs := fasttV53MaxLUNs
	if t.Family() == FamilyFAStTV54 {
		maxLUNs = fasttV54MaxLUNs
	}
	if int(p.LUN) >= maxLUNs {
		log.G(ctx).Warnf("lun %d is too large for the FAStT device at %s", p.LUN, p.Name())
		return false
	}
	buf, offset, err := m.fasttReadRedundantControllerPage(ctx, t, p)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("could not read redundant controller page for %s", p.Name())
		return false
	}
	idx := offset + fasttLUNInfoOffset + int(p.LUN)
	return idx < len(buf) && buf[idx]&0x01 != 0
}

// fasttSetPreferredController rewrites the Redundant Controller page so the
// controller behind p takes preferred ownership of the LUN, keeping the
// array in dual-active mode.
func (m *Manager) fasttSetPreferredController(ctx context.Context, t *Target, p *Path) error {
	buf, offset, err := m.fasttReadRedundantControllerPage(ctx, t, p)
	if err != nil {
		return err
	}
	if idx := offset + fasttLUNInfoOffset + int(p.LUN); idx < len(buf) {
		buf[offset+fasttRDACModeByte2] = 0x02 // stay dual active
		buf[idx] = 0x81                       // preferred owner: this controller
	} else {
		return errors.Errorf("redundant controller page too short for lun %d on %s", p.LUN, p.Name())
	}

	// the page code byte is rewritten for the select: subpage format keeps
	// the SPF bit, base format clears it
	if t.Family() == FamilyFAStTV54 {
		buf[offset-4] = 0x40 | fasttRCPPage
	} else {
		buf[offset-2] = fasttRCPPage
	}

	cdb := make([]byte, 10)
	cdb[0] = scsi.ModeSelect10
	cdb[7] = byte(len(buf) >> 8)
	cdb[8] = byte(len(buf))

	status, _ := m.transport.Issue(ctx, p, cdb, buf, true)
	if !status.OK() {
		return errors.Errorf("set preferred controller on %s: host %#x device %#x",
			p.Name(), status.Host, status.Device)
	}
	return nil
}

// dgcRegister replays the saved cluster-registration command on p. Issued by
// the health evaluator once per path as soon as the path answers ready.
func (m *Manager) dgcRegister(ctx context.Context, p *Path, reg *Registration) error {
	status, _ := m.transport.Issue(ctx, p, reg.CDB, reg.Data, true)
	if !status.OK() && !(status.Host == scsi.HostOK && status.Device == scsi.StatCheckCondition) {
		return errors.Errorf("registration on %s: host %#x device %#x", p.Name(), status.Host, status.Device)
	}
	return nil
}
