// Package mpath keeps a virtual machine's view of a SCSI logical unit
// working while the physical route to it moves across host bus adapters and
// array controllers. It owns path state, the selection policies, the manual
// switchover protocol for active/passive arrays, and the background health
// evaluation sweep.
package mpath

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openvmk/vscsi/internal/conf"
	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/logfields"
	"github.com/openvmk/vscsi/internal/metrics"
	"github.com/openvmk/vscsi/internal/queue"
	"github.com/openvmk/vscsi/internal/scsi"
)

var (
	// ErrNoUsablePath is returned by ChoosePath when every path to the
	// target is DEAD or OFF.
	ErrNoUsablePath = errors.New("no usable path to target")
)

// PathState is the health classification of one route to a logical unit.
type PathState uint8

const (
	// PathOn means the path is working and carrying I/O.
	PathOn PathState = iota
	// PathOff means the path is administratively disabled.
	PathOff
	// PathDead means the path is not working.
	PathDead
	// PathStandby means the path is reachable but its array controller is
	// in passive mode.
	PathStandby
)

func (s PathState) String() string {
	switch s {
	case PathOn:
		return "on"
	case PathOff:
		return "off"
	case PathDead:
		return "dead"
	case PathStandby:
		return "standby"
	}
	return "unknown"
}

// Policy selects which path carries the next command.
type Policy uint8

const (
	// PolicyFixed uses the preferred path whenever it is usable.
	PolicyFixed Policy = iota
	// PolicyMRU stays on the most recently used path and never fails back.
	PolicyMRU
	// PolicyRoundRobin rotates across ON paths on a bandwidth threshold.
	PolicyRoundRobin
)

func (p Policy) String() string {
	switch p {
	case PolicyFixed:
		return "fixed"
	case PolicyMRU:
		return "mru"
	case PolicyRoundRobin:
		return "rr"
	}
	return "unknown"
}

// Family is the array product family a target was classified into. The
// family picks the activation command used during manual switchover and a
// handful of quirk behaviors.
type Family uint8

const (
	FamilyGeneric  Family = iota
	FamilyDGC             // EMC Clariion
	FamilyFAStT           // IBM FAStT and LSI-built equivalents
	FamilyFAStTV54        // FAStT speaking the V54 generation
	FamilySVC             // IBM SAN Volume Controller
	FamilyHSG80           // DEC/Compaq HSG80
	FamilyMSA             // HP/Compaq MSA
	FamilyHSV             // HP/Compaq EVA
)

func (f Family) String() string {
	switch f {
	case FamilyDGC:
		return "DGC"
	case FamilyFAStT:
		return "FAStT"
	case FamilyFAStTV54:
		return "FAStT-V54"
	case FamilySVC:
		return "SVC"
	case FamilyHSG80:
		return "HSG80"
	case FamilyMSA:
		return "MSA"
	case FamilyHSV:
		return "HSV"
	}
	return "generic"
}

// Target flag bits.
const (
	// TargetManualSwitchover marks an array whose passive controller must be
	// activated by an explicit command sequence.
	TargetManualSwitchover uint32 = 1 << iota
	// TargetSwitchoverUnderway is set while one worker is driving a manual
	// switchover; concurrent choosers keep using the current active path.
	TargetSwitchoverUnderway
	// TargetMustUseMRU pins the policy to MRU to prevent path thrashing.
	TargetMustUseMRU
	// TargetReservedLocal is set when this host holds (or may hold) a SCSI
	// reservation on the target.
	TargetReservedLocal
	// TargetPseudoDisk marks a zero-sized gatekeeper LUN (Clariion LUNZ).
	TargetPseudoDisk
)

// Path flag bits.
const (
	// pathFailoverTried marks a path a failover already selected, so the
	// fallback search prefers untried paths first.
	pathFailoverTried uint8 = 1 << iota
	// pathReservedLocal records an outstanding reservation made via this path.
	pathReservedLocal
	// pathRegistrationDone records that the per-path cluster registration
	// command has been sent.
	pathRegistrationDone
)

// EvalState serializes background health sweeps per adapter.
type EvalState uint8

const (
	// EvalOff means no sweep is running or requested.
	EvalOff EvalState = iota
	// EvalRequested means a sweep has been scheduled but not started.
	EvalRequested
	// EvalOn means a sweep is running.
	EvalOn
	// EvalRetry means a state change arrived mid-sweep; run one more pass.
	EvalRetry
)

// Path is one (adapter, target id, lun) route to a logical unit. All mutable
// fields are guarded by the owning adapter's lock.
type Path struct {
	Adapter *Adapter
	ID      uint16
	LUN     uint16

	state         PathState
	flags         uint8
	active        int // commands outstanding on this path
	notReadyCount int

	target *Target
}

// State returns the path's current classification.
func (p *Path) State() PathState {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	return p.state
}

// Target returns the logical unit this path routes to.
func (p *Path) Target() *Target { return p.target }

// Name identifies the path in logs.
func (p *Path) Name() string {
	return p.Adapter.Name + ":" + strconv.Itoa(int(p.ID)) + ":" + strconv.Itoa(int(p.LUN))
}

// Target is one logical unit reachable over one or more paths.
type Target struct {
	adapter *Adapter

	ID  uint16
	LUN uint16

	paths         []*Path
	activePath    *Path
	preferredPath *Path
	policy        Policy

	flags  uint32
	family Family

	Vendor string
	Model  string

	// registration is the saved array cluster-registration command, issued
	// once per path by the health evaluator.
	registration *Registration

	pendingReserves int
	delayCmds       int

	// round-robin accounting, in blocks
	blocksTransferred uint64
}

// Registration is a saved vendor command replayed on each path once it is
// ready, used by Clariion-class arrays for cluster membership.
type Registration struct {
	CDB  []byte
	Data []byte
}

// Adapter owns the lock serializing every path and target state transition
// beneath it.
type Adapter struct {
	Name string

	mu             sync.Mutex
	targets        []*Target
	evalState      EvalState
	configModified bool
}

// NewAdapter returns an empty adapter.
func NewAdapter(name string) *Adapter {
	return &Adapter{Name: name}
}

// Targets returns a snapshot of the adapter's target list.
func (a *Adapter) Targets() []*Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Target(nil), a.targets...)
}

// NoteConfigChanged records that targets were added or removed, forcing an
// in-progress health sweep to restart rather than walk stale pointers.
func (a *Adapter) NoteConfigChanged() {
	a.mu.Lock()
	a.configModified = true
	a.mu.Unlock()
}

// AddTarget creates a target on the adapter.
func (a *Adapter) AddTarget(id, lun uint16, policy Policy) *Target {
	t := &Target{
		adapter: a,
		ID:      id,
		LUN:     lun,
		policy:  policy,
	}
	a.mu.Lock()
	a.targets = append(a.targets, t)
	a.configModified = true
	a.mu.Unlock()
	return t
}

// RemoveTarget unlinks t from the adapter.
func (a *Adapter) RemoveTarget(t *Target) {
	a.mu.Lock()
	for i, cur := range a.targets {
		if cur == t {
			a.targets = append(a.targets[:i], a.targets[i+1:]...)
			break
		}
	}
	a.configModified = true
	a.mu.Unlock()
}

// AddPath links a new path to the target. The first path added becomes both
// active and preferred.
func (t *Target) AddPath(via *Adapter, id, lun uint16) *Path {
	p := &Path{
		Adapter: via,
		ID:      id,
		LUN:     lun,
		target:  t,
	}
	t.adapter.mu.Lock()
	t.paths = append(t.paths, p)
	if t.activePath == nil {
		t.activePath = p
	}
	if t.preferredPath == nil {
		t.preferredPath = p
	}
	t.adapter.mu.Unlock()
	return p
}

// Paths returns a snapshot of the target's path list.
func (t *Target) Paths() []*Path {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return append([]*Path(nil), t.paths...)
}

// ActivePath returns the most recently used path.
func (t *Target) ActivePath() *Path {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return t.activePath
}

// PreferredPath returns the statically preferred path.
func (t *Target) PreferredPath() *Path {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return t.preferredPath
}

// SetPreferredPath pins the FIXED policy's choice.
func (t *Target) SetPreferredPath(p *Path) {
	t.adapter.mu.Lock()
	t.preferredPath = p
	t.adapter.mu.Unlock()
}

// Policy returns the selection policy in force; TargetMustUseMRU overrides
// whatever was configured.
func (t *Target) Policy() Policy {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return t.policyLocked()
}

func (t *Target) policyLocked() Policy {
	if t.flags&TargetMustUseMRU != 0 {
		return PolicyMRU
	}
	return t.policy
}

// SetPolicy configures the selection policy.
func (t *Target) SetPolicy(p Policy) {
	t.adapter.mu.Lock()
	t.policy = p
	t.adapter.mu.Unlock()
}

// Flags returns the quirk flag bitset.
func (t *Target) Flags() uint32 {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return t.flags
}

// Family returns the classified array family.
func (t *Target) Family() Family {
	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()
	return t.family
}

// SetReservedLocal records whether this host holds a reservation on the
// target.
func (t *Target) SetReservedLocal(held bool) {
	t.adapter.mu.Lock()
	if held {
		t.flags |= TargetReservedLocal
	} else {
		t.flags &^= TargetReservedLocal
	}
	t.adapter.mu.Unlock()
}

// BeginReserve and EndReserve bracket an in-flight reservation request so a
// concurrent path switch knows a bus reset is needed on adapter change.
func (t *Target) BeginReserve() {
	t.adapter.mu.Lock()
	t.pendingReserves++
	t.adapter.mu.Unlock()
}

func (t *Target) EndReserve() {
	t.adapter.mu.Lock()
	t.pendingReserves--
	t.adapter.mu.Unlock()
}

// SetRegistration saves the vendor cluster-registration command replayed on
// each path by the health evaluator.
func (t *Target) SetRegistration(r *Registration) {
	t.adapter.mu.Lock()
	t.registration = r
	for _, p := range t.paths {
		p.flags &^= pathRegistrationDone
	}
	t.adapter.mu.Unlock()
}

// RecordTransfer feeds the round-robin bandwidth accounting.
func (t *Target) RecordTransfer(blocks uint32) {
	t.adapter.mu.Lock()
	t.blocksTransferred += uint64(blocks)
	t.adapter.mu.Unlock()
}

// BeginCommand and EndCommand track per-path outstanding commands; the
// health evaluator skips paths with traffic in flight.
func (p *Path) BeginCommand() {
	p.Adapter.mu.Lock()
	p.active++
	p.Adapter.mu.Unlock()
}

func (p *Path) EndCommand() {
	p.Adapter.mu.Lock()
	p.active--
	p.Adapter.mu.Unlock()
}

// Manager drives path selection, switchover, failover retries, and health
// evaluation. Collaborators are injected so tests can substitute fakes.
type Manager struct {
	transport Transport
	conf      *conf.Store
	clock     queue.Clock
	helper    *queue.TaskQueue
	metrics   *metrics.Metrics

	// drainOne dequeues and reissues one delayed guest command for the
	// target, returning false when nothing was queued. Wired by the
	// dispatcher.
	drainOne DrainFunc
}

// DrainFunc reissues one queued command for a target.
type DrainFunc func(ctx context.Context, t *Target) bool

// Transport is the synchronous command primitive used for probes, vendor
// mode commands, START UNIT, and bus resets. Issue blocks until the command
// completes; data is written for mode select style commands and read into
// for mode sense style commands.
type Transport interface {
	Issue(ctx context.Context, p *Path, cdb []byte, data []byte, dataOut bool) (scsi.Status, scsi.SenseData)
	BusReset(ctx context.Context, p *Path) error
}

// Option mutates a Manager at construction.
type Option func(*Manager)

// WithClock substitutes the clock.
func WithClock(c queue.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithMetrics attaches prometheus instruments.
func WithMetrics(mm *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mm } }

// WithDrainFunc wires the dispatcher's queued-command drain.
func WithDrainFunc(d DrainFunc) Option { return func(m *Manager) { m.drainOne = d } }

// NewManager builds a Manager. transport and cfg are required; helper is the
// bounded queue failover tasks run on.
func NewManager(transport Transport, cfg *conf.Store, helper *queue.TaskQueue, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("mpath: nil transport")
	}
	if cfg == nil {
		return nil, errors.New("mpath: nil config store")
	}
	if helper == nil {
		helper = queue.NewTaskQueue(0)
	}
	m := &Manager{
		transport: transport,
		conf:      cfg,
		clock:     queue.RealClock{},
		helper:    helper,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetDrainFunc wires the dispatcher's queued-command drain after
// construction, breaking the construction cycle between the two.
func (m *Manager) SetDrainFunc(d DrainFunc) { m.drainOne = d }

// MarkPathOn records a working, usable path. Idempotent: marking a path that
// is already ON changes nothing and logs nothing.
func (m *Manager) MarkPathOn(ctx context.Context, p *Path) {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	m.markPathOnLocked(ctx, p)
}

func (m *Manager) markPathOnLocked(ctx context.Context, p *Path) {
	p.notReadyCount = 0
	if p.state == PathOn {
		return
	}
	m.logTransition(ctx, p, PathOn)
	p.state = PathOn
}

// MarkPathOnIfValid marks a path ON after a successful command, except for
// commands that succeed even on a passive controller: INQUIRY always does,
// and on FAStT arrays so do TEST UNIT READY, MODE SENSE, MODE SELECT, and
// READ CAPACITY.
func (m *Manager) MarkPathOnIfValid(ctx context.Context, p *Path, opcode byte) {
	if opcode == scsi.Inquiry {
		return
	}
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	t := p.target
	if t != nil && (t.family == FamilyFAStT || t.family == FamilyFAStTV54) {
		switch opcode {
		case scsi.TestUnitReady, scsi.ModeSense, scsi.ModeSelect, scsi.ReadCapacity10:
			return
		}
	}
	m.markPathOnLocked(ctx, p)
}

// MarkPathStandby records a reachable path whose controller is passive. On
// SVC arrays repeated NOT READY results escalate to DEAD once the configured
// retry budget is spent.
func (m *Manager) MarkPathStandby(ctx context.Context, p *Path) {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	m.markPathStandbyLocked(ctx, p)
}

func (m *Manager) markPathStandbyLocked(ctx context.Context, p *Path) {
	if t := p.target; t != nil && t.family == FamilySVC {
		p.notReadyCount++
		if p.notReadyCount > m.conf.Current().SVCNotReadyRetries {
			m.markPathDeadLocked(ctx, p)
			return
		}
	}
	if p.state == PathStandby {
		return
	}
	m.logTransition(ctx, p, PathStandby)
	p.state = PathStandby
}

// MarkPathDead records an unusable path.
func (m *Manager) MarkPathDead(ctx context.Context, p *Path) {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	m.markPathDeadLocked(ctx, p)
}

func (m *Manager) markPathDeadLocked(ctx context.Context, p *Path) {
	// registration must be resent if the path comes back
	p.flags &^= pathRegistrationDone
	if p.state == PathDead {
		return
	}
	m.logTransition(ctx, p, PathDead)
	p.state = PathDead
}

// MarkPathUndead revives a DEAD path: to STANDBY on manual-switchover
// targets (the controller may still be passive), to ON otherwise.
func (m *Manager) MarkPathUndead(ctx context.Context, p *Path) {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	if p.state != PathDead {
		return
	}
	next := PathOn
	if t := p.target; t != nil && t.flags&TargetManualSwitchover != 0 {
		next = PathStandby
	}
	m.logTransition(ctx, p, next)
	p.state = next
}

// SetPathOff administratively disables a path.
func (m *Manager) SetPathOff(ctx context.Context, p *Path) {
	p.Adapter.mu.Lock()
	defer p.Adapter.mu.Unlock()
	if p.state == PathOff {
		return
	}
	m.logTransition(ctx, p, PathOff)
	p.state = PathOff
}

func (m *Manager) logTransition(ctx context.Context, p *Path, to PathState) {
	m.metrics.PathTransition(to.String())
	log.G(ctx).WithFields(logrus.Fields{
		logfields.PathID:    p.Name(),
		logfields.PathState: to.String(),
	}).Infof("path %s -> %s", p.state, to)
}
