package mpath

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openvmk/vscsi/internal/conf"
	"github.com/openvmk/vscsi/internal/queue"
	"github.com/openvmk/vscsi/internal/scsi"
)

// fakeTransport routes issued commands to a per-path handler. Paths without a
// handler answer GOOD.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(cdb []byte) (scsi.Status, scsi.SenseData)
	issued   map[string][]byte // opcodes per path
	resets   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func([]byte) (scsi.Status, scsi.SenseData)),
		issued:   make(map[string][]byte),
	}
}

func (f *fakeTransport) Issue(_ context.Context, p *Path, cdb []byte, _ []byte, _ bool) (scsi.Status, scsi.SenseData) {
	f.mu.Lock()
	f.issued[p.Name()] = append(f.issued[p.Name()], cdb[0])
	h := f.handlers[p.Name()]
	f.mu.Unlock()
	if h == nil {
		return scsi.StatusGood, scsi.SenseData{}
	}
	return h(cdb)
}

func (f *fakeTransport) BusReset(_ context.Context, p *Path) error {
	f.mu.Lock()
	f.resets = append(f.resets, p.Name())
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) opcodes(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.issued[path]...)
}

func notReadySense() (scsi.Status, scsi.SenseData) {
	return scsi.StatusCheck, scsi.NewSense(scsi.KeyNotReady, 0, 0)
}

func newTestManager(t *testing.T, ft *fakeTransport) (*Manager, *queue.TaskQueue, *queue.FakeClock) {
	t.Helper()
	helper := queue.NewTaskQueue(8)
	clock := queue.NewFakeClock(time.Unix(0, 0))
	m, err := NewManager(ft, conf.NewStore(conf.Default()), helper, WithClock(clock))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, helper, clock
}

// drainHelper runs queued helper tasks until the queue is empty.
func drainHelper(ctx context.Context, t *testing.T, q *queue.TaskQueue) {
	t.Helper()
	for {
		task, err := q.Dequeue()
		if err == queue.ErrQueueEmpty {
			return
		}
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		task(ctx)
	}
}

func TestFixedPolicyUsesPreferredPath(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	p1 := tgt.AddPath(a, 0, 0)
	b := NewAdapter("vmhba1")
	p2 := tgt.AddPath(b, 0, 0)
	tgt.SetPreferredPath(p2)

	// both ON; the preferred path wins even though p1 is active
	if got := tgt.ActivePath(); got != p1 {
		t.Fatalf("active path = %s, want %s", got.Name(), p1.Name())
	}
	got, err := m.ChoosePath(ctx, tgt, 8, true)
	if err != nil {
		t.Fatalf("ChoosePath: %v", err)
	}
	if got != p2 {
		t.Errorf("chose %s, want preferred %s", got.Name(), p2.Name())
	}
	if tgt.ActivePath() != p2 {
		t.Errorf("active path not moved to preferred")
	}

	// preferred DEAD: fall back to any ON path
	m.MarkPathDead(ctx, p2)
	got, err = m.ChoosePath(ctx, tgt, 8, true)
	if err != nil {
		t.Fatalf("ChoosePath: %v", err)
	}
	if got != p1 {
		t.Errorf("chose %s, want fallback %s", got.Name(), p1.Name())
	}
}

func TestRoundRobinSwitchesOnMegabyteBoundary(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(1, 0, PolicyRoundRobin)
	p1 := tgt.AddPath(a, 1, 0)
	p2 := tgt.AddPath(a, 1, 0)

	// below the boundary the active path is kept
	tgt.RecordTransfer(blocksPerMB - 2)
	got, _ := m.ChoosePath(ctx, tgt, 1, true)
	if got != p1 {
		t.Fatalf("switched below the megabyte boundary")
	}

	// the command that crosses the boundary rotates to the next ON path
	got, _ = m.ChoosePath(ctx, tgt, 4, true)
	if got != p2 {
		t.Fatalf("did not rotate at the megabyte boundary")
	}
	if tgt.ActivePath() != p2 {
		t.Fatalf("rotation did not update the active path")
	}
}

func TestRoundRobinHeldByReservation(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(1, 0, PolicyRoundRobin)
	p1 := tgt.AddPath(a, 1, 0)
	tgt.AddPath(a, 1, 0)

	tgt.RecordTransfer(blocksPerMB - 1)
	tgt.BeginReserve()
	defer tgt.EndReserve()

	got, _ := m.ChoosePath(ctx, tgt, 8, true)
	if got != p1 {
		t.Fatalf("rotated while a reservation was in flight")
	}
}

func TestMarkPathOnIdempotent(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	p := tgt.AddPath(a, 0, 0)

	m.MarkPathOn(ctx, p)
	m.MarkPathOn(ctx, p)
	if p.State() != PathOn {
		t.Fatalf("state = %s, want on", p.State())
	}
}

func TestSVCStandbyEscalatesToDead(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	tgt.adapter.mu.Lock()
	tgt.family = FamilySVC
	tgt.adapter.mu.Unlock()
	p := tgt.AddPath(a, 0, 0)

	retries := conf.Default().SVCNotReadyRetries
	for i := 0; i < retries; i++ {
		m.MarkPathStandby(ctx, p)
		if p.State() != PathStandby {
			t.Fatalf("escalated after %d of %d tolerated not-ready results", i+1, retries)
		}
	}
	m.MarkPathStandby(ctx, p)
	if p.State() != PathDead {
		t.Fatalf("state = %s after exhausting retries, want dead", p.State())
	}

	// a successful command resets the budget
	m.MarkPathUndead(ctx, p)
	m.MarkPathOn(ctx, p)
	m.MarkPathStandby(ctx, p)
	if p.State() != PathStandby {
		t.Fatalf("not-ready budget was not reset")
	}
}

func TestManualSwitchoverActivatesStandbyController(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(2, 1, PolicyFixed)
	m.ClassifyTarget(ctx, tgt, "DGC     ", "RAID 5          ")
	p1 := tgt.AddPath(a, 2, 1)
	p2 := tgt.AddPath(a, 3, 1)
	m.MarkPathStandby(ctx, p2)

	// SP behind p1 is gone; SP behind p2 answers NOT READY until it
	// receives the trespass page.
	ft.handlers[p1.Name()] = func(cdb []byte) (scsi.Status, scsi.SenseData) {
		return scsi.StatusNoConnect, scsi.SenseData{}
	}
	activated := false
	ft.handlers[p2.Name()] = func(cdb []byte) (scsi.Status, scsi.SenseData) {
		if cdb[0] == scsi.ModeSelect {
			activated = true
			return scsi.StatusGood, scsi.SenseData{}
		}
		if !activated {
			return notReadySense()
		}
		return scsi.StatusGood, scsi.SenseData{}
	}

	m.MarkPathDead(ctx, p1)
	got, err := m.ChoosePath(ctx, tgt, 8, true)
	if err != nil {
		t.Fatalf("ChoosePath: %v", err)
	}
	if got != p2 {
		t.Fatalf("chose %s, want %s", got.Name(), p2.Name())
	}
	if !activated {
		t.Fatalf("standby controller was not sent the trespass page")
	}
	if p2.State() != PathOn {
		t.Errorf("new path state = %s, want on", p2.State())
	}
	if tgt.Flags()&TargetSwitchoverUnderway != 0 {
		t.Errorf("switchover-underway flag left set")
	}
	p2.Adapter.mu.Lock()
	tried := p2.flags&pathFailoverTried != 0
	p2.Adapter.mu.Unlock()
	if !tried {
		t.Errorf("failover-tried not recorded on the new path")
	}
}

func TestManualSwitchoverDeferredWhenNotBlockable(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(2, 1, PolicyFixed)
	m.ClassifyTarget(ctx, tgt, "DGC     ", "RAID 5          ")
	p1 := tgt.AddPath(a, 2, 1)
	p2 := tgt.AddPath(a, 3, 1)
	m.MarkPathStandby(ctx, p2)
	m.MarkPathDead(ctx, p1)

	got, err := m.ChoosePath(ctx, tgt, 8, false)
	if err != nil {
		t.Fatalf("ChoosePath: %v", err)
	}
	if got != p1 {
		t.Fatalf("non-blockable call switched paths")
	}
	if n := len(ft.opcodes(p2.Name())); n != 0 {
		t.Fatalf("non-blockable call issued %d commands on the standby path", n)
	}
	if tgt.ActivePath() != p1 {
		t.Fatalf("active path changed from a non-blockable context")
	}
}

func TestRequestFailoverCoalesces(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, helper, _ := newTestManager(t, ft)

	drains := 0
	m.SetDrainFunc(func(ctx context.Context, tgt *Target) bool {
		drains++
		return true
	})

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	m.ClassifyTarget(ctx, tgt, "DGC     ", "RAID 5          ")
	tgt.AddPath(a, 0, 0)

	if !m.RequestFailover(ctx, tgt) {
		t.Fatalf("manual-switchover target did not request failover")
	}
	if !m.RequestFailover(ctx, tgt) {
		t.Fatalf("second request not accepted")
	}
	if got := helper.Len(); got != 1 {
		t.Fatalf("helper queue length = %d, want 1 (requests must coalesce)", got)
	}

	drainHelper(ctx, t, helper)
	if drains != 2 {
		t.Fatalf("drained %d held commands, want 2", drains)
	}
	tgt.adapter.mu.Lock()
	remaining := tgt.delayCmds
	tgt.adapter.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("delayCmds = %d after drain, want 0", remaining)
	}
}

func TestRequestFailoverNotNeededForAutoFailover(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, helper, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	tgt.AddPath(a, 0, 0)

	if m.RequestFailover(ctx, tgt) {
		t.Fatalf("auto-failover target requested helper failover")
	}
	if helper.Len() != 0 {
		t.Fatalf("task queued for a target that does not need one")
	}
}

func TestEvalSweepRecordsPathStates(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, helper, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	up := tgt.AddPath(a, 0, 0)
	down := tgt.AddPath(a, 1, 0)
	ft.handlers[down.Name()] = func(cdb []byte) (scsi.Status, scsi.SenseData) {
		return scsi.StatusNoConnect, scsi.SenseData{}
	}

	m.RequestEval(ctx, a)
	m.RequestEval(ctx, a) // coalesces
	if helper.Len() != 1 {
		t.Fatalf("helper queue length = %d, want 1", helper.Len())
	}
	drainHelper(ctx, t, helper)

	if up.State() != PathOn {
		t.Errorf("reachable path state = %s, want on", up.State())
	}
	if down.State() != PathDead {
		t.Errorf("unreachable path state = %s, want dead", down.State())
	}
	a.mu.Lock()
	st := a.evalState
	a.mu.Unlock()
	if st != EvalOff {
		t.Errorf("eval state = %d after sweep, want off", st)
	}
}

func TestEvalReplaysRegistration(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, helper, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	p := tgt.AddPath(a, 0, 0)
	regCDB := []byte{0x20, 0, 0, 0, 0, 0}
	tgt.SetRegistration(&Registration{CDB: regCDB, Data: []byte{1, 2, 3}})

	m.RequestEval(ctx, a)
	drainHelper(ctx, t, helper)

	ops := ft.opcodes(p.Name())
	found := 0
	for _, op := range ops {
		if op == regCDB[0] {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("registration issued %d times, want 1", found)
	}

	// a second sweep must not resend it
	m.RequestEval(ctx, a)
	drainHelper(ctx, t, helper)
	ops = ft.opcodes(p.Name())
	found = 0
	for _, op := range ops {
		if op == regCDB[0] {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("registration resent on an unchanged path")
	}
}

func TestClassifyTarget(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		vendor     string
		model      string
		lun        uint16
		wantFamily Family
		wantManual bool
		wantPseudo bool
	}{
		{"clariion", "DGC     ", "RAID 5          ", 1, FamilyDGC, true, false},
		{"clariion gatekeeper", "DGC     ", "LUNZ            ", 0, FamilyDGC, true, true},
		{"svc", "IBM     ", "2145            ", 0, FamilySVC, true, false},
		{"hsg80", "DEC     ", "HSG80           ", 0, FamilyHSG80, true, false},
		{"msa", "COMPAQ  ", "MSA1000         ", 0, FamilyMSA, true, false},
		{"eva", "COMPAQ  ", "HSV110 (C)COMPAQ", 0, FamilyHSV, true, false},
		{"plain disk", "SEAGATE ", "ST336607LW      ", 0, FamilyGeneric, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTransport()
			m, _, _ := newTestManager(t, ft)
			a := NewAdapter("vmhba0")
			tgt := a.AddTarget(0, tc.lun, PolicyFixed)
			tgt.AddPath(a, 0, tc.lun)

			m.ClassifyTarget(ctx, tgt, tc.vendor, tc.model)

			if got := tgt.Family(); got != tc.wantFamily {
				t.Errorf("family = %s, want %s", got, tc.wantFamily)
			}
			flags := tgt.Flags()
			if manual := flags&TargetManualSwitchover != 0; manual != tc.wantManual {
				t.Errorf("manual switchover = %t, want %t", manual, tc.wantManual)
			}
			if tc.wantManual && flags&TargetMustUseMRU == 0 {
				t.Errorf("manual-switchover target not pinned to MRU")
			}
			if pseudo := flags&TargetPseudoDisk != 0; pseudo != tc.wantPseudo {
				t.Errorf("pseudo disk = %t, want %t", pseudo, tc.wantPseudo)
			}
		})
	}
}

func TestClassifyFAStT(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m, _, _ := newTestManager(t, ft)

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	p := tgt.AddPath(a, 0, 0)

	// array rejects the subpage form of the redundant controller page, so it
	// is pre-V54 firmware; the base page reports RDAC (non-AVT) mode
	ft.handlers[p.Name()] = func(cdb []byte) (scsi.Status, scsi.SenseData) {
		if cdb[0] == scsi.ModeSense10 && cdb[3] != 0 {
			return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0)
		}
		return scsi.StatusGood, scsi.SenseData{}
	}

	m.ClassifyTarget(ctx, tgt, "IBM     ", "1742            ")
	if got := tgt.Family(); got != FamilyFAStT {
		t.Fatalf("family = %s, want FAStT", got)
	}
	if tgt.Flags()&TargetManualSwitchover == 0 {
		t.Fatalf("non-AVT FAStT not marked manual switchover")
	}
	if tgt.Policy() != PolicyMRU {
		t.Fatalf("policy = %s, want MRU pin", tgt.Policy())
	}
}

func TestConfiguredActivePassiveModel(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	helper := queue.NewTaskQueue(8)
	cfg := conf.Default()
	cfg.ActivePassiveFailoverModels = []string{"CUSTOMARRAY"}
	m, err := NewManager(ft, conf.NewStore(cfg), helper)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	a := NewAdapter("vmhba0")
	tgt := a.AddTarget(0, 0, PolicyFixed)
	tgt.AddPath(a, 0, 0)

	m.ClassifyTarget(ctx, tgt, "ACME    ", "CUSTOMARRAY 9000")
	if tgt.Flags()&TargetManualSwitchover == 0 {
		t.Fatalf("configured model not marked manual switchover")
	}
	if tgt.Family() != FamilyGeneric {
		t.Fatalf("configured model should stay in the generic family")
	}
}
