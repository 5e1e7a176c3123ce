// Package vscsi dispatches guest SCSI commands onto storage backends. It owns
// the handle table the virtual adapters address devices through, per-handle
// completion queues the guest polls, the reset state machine with its worker
// pool and watchdog, and the generic emulation of the non-I/O command set.
package vscsi

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/openvmk/vscsi/internal/conf"
	"github.com/openvmk/vscsi/internal/metrics"
	"github.com/openvmk/vscsi/internal/queue"
	"github.com/openvmk/vscsi/internal/scsi"
)

var (
	// ErrInvalidHandle is returned when a handle id does not name a live
	// device, including stale ids whose slot has been reused.
	ErrInvalidHandle = errors.Wrap(errdefs.ErrNotFound, "invalid vscsi handle")
	// ErrNoFreeHandles is returned by Open when the handle table is full.
	ErrNoFreeHandles = errors.Wrap(errdefs.ErrResourceExhausted, "vscsi handle table full")
)

// CapacityInfo describes a backend's addressable space.
type CapacityInfo struct {
	Blocks    uint64
	BlockSize uint32
}

// Command is one guest CDB in flight. SerialNo is the guest's tag for the
// command and names it in aborts and completions; Data is the transfer buffer,
// read from or written to according to the CDB.
type Command struct {
	SerialNo uint64
	CDB      []byte
	Data     []byte

	// decoded by Execute for read/write CDBs
	LBA    uint64
	Blocks uint32

	h    *Handle
	done uint32 // guards double completion
}

// Complete delivers the backend's completion for cmd. Backends call this
// exactly once per queued command, from any goroutine.
func (c *Command) Complete(status scsi.Status, sense scsi.SenseData, bytes uint32) {
	if c.h != nil {
		c.h.complete(c, status, sense, bytes)
	}
}

// Result is one completed command, delivered to the guest in FIFO order per
// handle.
type Result struct {
	SerialNo     uint64
	Status       scsi.Status
	Sense        scsi.SenseData
	BytesXferred uint32
}

// Backend is a virtual disk implementation commands are dispatched to.
// QueueCommand either fails synchronously, in which case the dispatcher
// completes the command, or accepts the command and later delivers exactly one
// Complete call for it.
type Backend interface {
	QueueCommand(ctx context.Context, cmd *Command) error
	Capacity(ctx context.Context) (CapacityInfo, error)
	ResetTarget(ctx context.Context) error
	AbortCommand(ctx context.Context, serialNo uint64) error
	Close(ctx context.Context) error
}

// OpenOptions modify how commands to one handle are treated.
type OpenOptions struct {
	// Multiwriter suppresses the reservation-conflict-to-busy conversion
	// applied to shared file-backed disks.
	Multiwriter bool
	// Passthrough sends every CDB to the backend instead of emulating the
	// non-I/O command set.
	Passthrough bool
	// DevClass is the INQUIRY peripheral device type reported for the
	// device. The zero value is a disk.
	DevClass byte
}

// Dispatcher owns the handle table and the reset machinery. One Dispatcher
// serves all virtual adapters of a host.
type Dispatcher struct {
	conf    *conf.Store
	clock   queue.Clock
	metrics *metrics.Metrics

	mu         sync.Mutex
	slots      [numHandleSlots]*Handle
	cursor     int
	generation uint32
	live       int

	resets *resetPool

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// Option mutates a Dispatcher at construction.
type Option func(*Dispatcher)

// WithClock substitutes the clock.
func WithClock(c queue.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithMetrics attaches prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// NewDispatcher builds a Dispatcher around cfg.
func NewDispatcher(cfg *conf.Store, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("vscsi: nil config store")
	}
	d := &Dispatcher{
		conf:  cfg,
		clock: queue.RealClock{},
	}
	for _, o := range opts {
		o(d)
	}
	c := cfg.Current()
	d.resets = newResetPool(c.MinResetWorkers, c.MaxResetWorkers, c.ResetWorkerExpires.Std())
	return d, nil
}

// Start launches the reset workers and the overdue-reset watchdog. Stop
// reverses it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.resets.start(ctx)
	d.watchdogStop = make(chan struct{})
	d.watchdogDone = make(chan struct{})
	go d.watchdog(ctx, d.watchdogStop, d.watchdogDone)
}

// Stop shuts down the reset workers and watchdog. Outstanding commands are
// not waited for; Close each handle first.
func (d *Dispatcher) Stop() {
	if d.watchdogStop != nil {
		close(d.watchdogStop)
		<-d.watchdogDone
		d.watchdogStop = nil
	}
	d.resets.stop()
}

// now is a convenience for the injected clock.
func (d *Dispatcher) now() time.Time { return d.clock.Now() }
