package backend

import (
	"context"
	"sync"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/mpath"
	"github.com/openvmk/vscsi/internal/scsi"
)

// MultipathSet builds the Devices the raw partition and RDM backends sit on
// top of a path manager. Every command issued through one of its Devices goes
// through path selection first, and the manager's held-command drain is wired
// back into the set so commands parked behind a manual failover get reissued
// when it completes.
type MultipathSet struct {
	m  *mpath.Manager
	tr mpath.Transport

	mu   sync.Mutex
	devs map[*mpath.Target]*Multipath
}

// NewMultipathSet wires the set into the manager's drain hook.
func NewMultipathSet(m *mpath.Manager, tr mpath.Transport) *MultipathSet {
	s := &MultipathSet{m: m, tr: tr, devs: make(map[*mpath.Target]*Multipath)}
	m.SetDrainFunc(s.drainOne)
	return s
}

// Device returns the multipath Device for t, creating it on first use.
func (s *MultipathSet) Device(t *mpath.Target) *Multipath {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := s.devs[t]
	if dev == nil {
		dev = &Multipath{set: s, t: t}
		s.devs[t] = dev
	}
	return dev
}

func (s *MultipathSet) drainOne(ctx context.Context, t *mpath.Target) bool {
	s.mu.Lock()
	dev := s.devs[t]
	s.mu.Unlock()
	if dev == nil {
		return false
	}
	return dev.releaseOne()
}

func (s *MultipathSet) remove(t *mpath.Target) {
	s.mu.Lock()
	delete(s.devs, t)
	s.mu.Unlock()
}

// Multipath is a Device over one multipathed LUN. Issue selects a path for
// every command, feeds the selection accounting on completion, and cooperates
// with the failover helper when a path change has to block.
type Multipath struct {
	set *MultipathSet
	t   *mpath.Target

	mu   sync.Mutex
	held []chan struct{}
}

// Issue sends one command down a freshly selected path. A transport-level
// failure marks the path dead and reissues on another; when the target needs
// a blocking failover the command parks until the helper's drain releases it.
func (d *Multipath) Issue(ctx context.Context, cdb, data []byte, dataOut bool) (scsi.Status, scsi.SenseData, uint32, error) {
	if len(cdb) == 0 {
		return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0, nil
	}
	var blocks uint32
	if _, n, ok := scsi.DecodeRW(cdb); ok {
		blocks = n
	}

	m := d.set.m
	for attempt := 0; ; attempt++ {
		p, err := m.ChoosePath(ctx, d.t, blocks, true)
		if err != nil {
			log.G(ctx).WithError(err).Warn("no path for command")
			return scsi.StatusNoConnect, scsi.SenseData{}, 0, nil
		}

		reserving := cdb[0] == scsi.Reserve || cdb[0] == scsi.Release
		if reserving {
			d.t.BeginReserve()
		}
		p.BeginCommand()
		status, sense := d.set.tr.Issue(ctx, p, cdb, data, dataOut)
		p.EndCommand()
		if reserving {
			d.t.EndReserve()
		}

		if status.Host == scsi.HostOK {
			// Device-level results, good or not, belong to the guest; only
			// transport failures are the path's fault.
			if status.OK() {
				m.MarkPathOnIfValid(ctx, p, cdb[0])
				if blocks > 0 {
					d.t.RecordTransfer(blocks)
				}
				switch cdb[0] {
				case scsi.Reserve:
					d.t.SetReservedLocal(true)
				case scsi.Release:
					d.t.SetReservedLocal(false)
				}
				return status, sense, uint32(len(data)), nil
			}
			return status, sense, 0, nil
		}

		m.MarkPathDead(ctx, p)
		if attempt >= len(d.t.Paths()) {
			// every path has had its turn; the unit is unreachable
			return scsi.StatusNoConnect, scsi.SenseData{}, 0, nil
		}

		// Park before requesting the failover: the helper may drain
		// immediately, and a drain must always find its command.
		release := d.hold()
		if !m.RequestFailover(ctx, d.t) {
			// Automatic-failover target: the next selection is enough.
			d.cancelHold(release)
			continue
		}
		select {
		case <-release:
		case <-ctx.Done():
			d.cancelHold(release)
			return scsi.StatusNoConnect, scsi.SenseData{}, 0, ctx.Err()
		}
	}
}

// Reset issues a bus reset down the active path.
func (d *Multipath) Reset(ctx context.Context) error {
	p := d.t.ActivePath()
	if p == nil {
		return mpath.ErrNoUsablePath
	}
	return d.set.tr.BusReset(ctx, p)
}

// Close unlinks the device from the set and releases any parked commands.
func (d *Multipath) Close(ctx context.Context) error {
	d.set.remove(d.t)
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, c := range held {
		close(c)
	}
	return nil
}

func (d *Multipath) hold() chan struct{} {
	c := make(chan struct{})
	d.mu.Lock()
	d.held = append(d.held, c)
	d.mu.Unlock()
	return c
}

func (d *Multipath) cancelHold(c chan struct{}) {
	d.mu.Lock()
	for i, h := range d.held {
		if h == c {
			d.held = append(d.held[:i], d.held[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
}

// releaseOne unparks the oldest held command, reporting whether there was one.
func (d *Multipath) releaseOne() bool {
	d.mu.Lock()
	if len(d.held) == 0 {
		d.mu.Unlock()
		return false
	}
	c := d.held[0]
	d.held = d.held[1:]
	d.mu.Unlock()
	close(c)
	return true
}
