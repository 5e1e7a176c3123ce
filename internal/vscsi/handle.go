package vscsi

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/logfields"
	"github.com/openvmk/vscsi/internal/oc"
	"github.com/openvmk/vscsi/internal/scsi"
)

const (
	numHandleSlots = 256
	handleMask     = numHandleSlots - 1
)

// HandleID names one open device. The low byte is the table slot; the rest is
// a generation stamp so a stale id held across a close/reopen of the slot is
// rejected rather than routed to the wrong device.
type HandleID uint32

func (id HandleID) slot() int { return int(id & handleMask) }

// Handle is one open device: a backend plus the per-device queues and state
// the dispatcher keeps for it.
type Handle struct {
	id      HandleID
	worldID uint32
	d       *Dispatcher
	be      Backend
	cap     CapacityInfo
	opts    OpenOptions

	mu       sync.Mutex
	refs     int
	closed   bool
	released bool

	pending map[uint64]*Command
	results []*Result
	sense   scsi.SenseData

	reset          resetState
	resetRequested time.Time
	resetRetries   int
	resetSerials   []uint64 // guest serials waiting on the reset
	resetForced    bool
	lastOverdueLog time.Time

	notify func()
}

// ID returns the handle's table id.
func (h *Handle) ID() HandleID { return h.id }

// WorldID returns the owning world.
func (h *Handle) WorldID() uint32 { return h.worldID }

// Capacity returns the size probed from the backend at open.
func (h *Handle) Capacity() CapacityInfo { return h.cap }

// Open probes the backend's capacity and installs it in the handle table,
// returning the id the guest's adapter will address it by.
func (d *Dispatcher) Open(ctx context.Context, worldID uint32, be Backend, opts OpenOptions) (_ HandleID, err error) {
	ctx, span := oc.StartSpan(ctx, "vscsi::Open")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	capInfo, err := be.Capacity(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "probe backend capacity")
	}

	h := &Handle{
		worldID: worldID,
		d:       d,
		be:      be,
		cap:     capInfo,
		opts:    opts,
		pending: make(map[uint64]*Command),
	}

	d.mu.Lock()
	slot := -1
	for i := 0; i < numHandleSlots; i++ {
		s := (d.cursor + i) % numHandleSlots
		if d.slots[s] == nil {
			slot = s
			break
		}
	}
	if slot < 0 {
		d.mu.Unlock()
		return 0, ErrNoFreeHandles
	}
	d.cursor = (slot + 1) % numHandleSlots
	d.generation++
	h.id = HandleID(d.generation)<<8 | HandleID(slot)
	d.slots[slot] = h
	d.live++
	d.mu.Unlock()

	d.metrics.HandleOpened()
	log.G(ctx).WithFields(logrus.Fields{
		logfields.HandleID: uint32(h.id),
		logfields.WorldID:  worldID,
	}).Debug("opened vscsi handle")
	return h.id, nil
}

// get resolves an id to its live handle and takes a reference.
func (d *Dispatcher) get(id HandleID) (*Handle, error) {
	d.mu.Lock()
	h := d.slots[id.slot()]
	if h == nil || h.id != id {
		d.mu.Unlock()
		return nil, ErrInvalidHandle
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		d.mu.Unlock()
		return nil, ErrInvalidHandle
	}
	h.refs++
	h.mu.Unlock()
	d.mu.Unlock()
	return h, nil
}

// put drops a reference taken by get. The last reference on a closed handle
// releases the backend.
func (d *Dispatcher) put(ctx context.Context, h *Handle) {
	h.mu.Lock()
	h.refs--
	release := h.closed && h.refs == 0 && len(h.pending) == 0
	h.mu.Unlock()
	if release {
		d.releaseHandle(ctx, h)
	}
}

func (d *Dispatcher) releaseHandle(ctx context.Context, h *Handle) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	d.mu.Lock()
	if d.slots[h.id.slot()] == h {
		d.slots[h.id.slot()] = nil
		d.live--
	}
	d.mu.Unlock()
	if err := h.be.Close(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("backend close failed")
	}
	d.metrics.HandleClosed()
	log.G(ctx).WithField(logfields.HandleID, uint32(h.id)).Debug("released vscsi handle")
}

// Close invalidates the handle. Commands still at the backend are aborted;
// the backend itself is released once the last of them completes and the last
// concurrent dispatcher call returns.
func (d *Dispatcher) Close(ctx context.Context, id HandleID) (err error) {
	ctx, span := oc.StartSpan(ctx, "vscsi::Close")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	h, err := d.get(id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.closed = true
	h.notify = nil
	outstanding := make([]uint64, 0, len(h.pending))
	for serial := range h.pending {
		outstanding = append(outstanding, serial)
	}
	h.mu.Unlock()

	for _, serial := range outstanding {
		if err := h.be.AbortCommand(ctx, serial); err != nil {
			log.G(ctx).WithError(err).WithField(logfields.SerialNo, serial).
				Warn("abort on close failed")
		}
	}

	d.put(ctx, h)
	return nil
}

// SetNotify installs the callback raised when a completion becomes available
// for polling, typically the virtual interrupt to the guest.
func (d *Dispatcher) SetNotify(id HandleID, fn func()) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
	d.put(context.Background(), h)
	return nil
}

// LiveHandles returns the number of open handles.
func (d *Dispatcher) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}
