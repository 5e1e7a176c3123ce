package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/openvmk/vscsi/internal/conf"
	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
)

// memFile is an in-memory File with per-call error injection.
type memFile struct {
	mu       sync.Mutex
	data     []byte
	readErr  error
	writeErr error
	reserved bool
	synced   int
	closed   bool
}

func newMemFile(size int) *memFile { return &memFile{data: make([]byte, size)} }

func (f *memFile) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if off < 0 || off > int64(len(f.data)) {
		return 0, ErrInvalidParam
	}
	return copy(p, f.data[off:]), nil
}

func (f *memFile) WriteAt(_ context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if off < 0 {
		return 0, ErrInvalidParam
	}
	if need := int(off) + len(p); need > len(f.data) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Size(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *memFile) Sync(context.Context) error {
	f.mu.Lock()
	f.synced++
	f.mu.Unlock()
	return nil
}

func (f *memFile) Reserve(context.Context) error {
	f.mu.Lock()
	f.reserved = true
	f.mu.Unlock()
	return nil
}

func (f *memFile) Release(context.Context) error {
	f.mu.Lock()
	f.reserved = false
	f.mu.Unlock()
	return nil
}

func (f *memFile) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *memFile) bytesAt(off, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data[off:off+n]...)
}

// fakeDevice is an in-memory physical LUN recording the CDBs it was issued.
type fakeDevice struct {
	mu        sync.Mutex
	blocks    uint64
	blockSize uint32
	data      []byte
	cdbs      [][]byte
	resets    int
}

func newFakeDevice(blocks uint64) *fakeDevice {
	return &fakeDevice{
		blocks:    blocks,
		blockSize: 512,
		data:      make([]byte, blocks*512),
	}
}

func (d *fakeDevice) Issue(_ context.Context, cdb, data []byte, _ bool) (scsi.Status, scsi.SenseData, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cdbs = append(d.cdbs, append([]byte(nil), cdb...))

	switch cdb[0] {
	case scsi.ServiceActionIn16:
		binary.BigEndian.PutUint64(data[0:8], d.blocks-1)
		binary.BigEndian.PutUint32(data[8:12], d.blockSize)
		return scsi.StatusGood, scsi.SenseData{}, 12, nil
	case scsi.ReadCapacity10:
		binary.BigEndian.PutUint32(data[0:4], uint32(d.blocks-1))
		binary.BigEndian.PutUint32(data[4:8], d.blockSize)
		return scsi.StatusGood, scsi.SenseData{}, 8, nil
	case scsi.Read16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		off := lba * uint64(d.blockSize)
		n := copy(data, d.data[off:])
		return scsi.StatusGood, scsi.SenseData{}, uint32(n), nil
	case scsi.Write16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		off := lba * uint64(d.blockSize)
		n := copy(d.data[off:], data)
		return scsi.StatusGood, scsi.SenseData{}, uint32(n), nil
	default:
		return scsi.StatusGood, scsi.SenseData{}, 0, nil
	}
}

func (d *fakeDevice) Reset(context.Context) error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close(context.Context) error { return nil }

func (d *fakeDevice) issuedOpcodes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]byte, len(d.cdbs))
	for i, cdb := range d.cdbs {
		ops[i] = cdb[0]
	}
	return ops
}

// harness opens be on a fresh dispatcher and returns an exec helper that
// runs one command and waits for its completion.
func harness(t *testing.T, be vscsi.Backend, opts vscsi.OpenOptions) func(cdb, data []byte) *vscsi.Result {
	t.Helper()
	ctx := context.Background()
	d, err := vscsi.NewDispatcher(conf.NewStore(conf.Default()))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	id, err := d.Open(ctx, 1, be, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	notify := make(chan struct{}, 16)
	if err := d.SetNotify(id, func() { notify <- struct{}{} }); err != nil {
		t.Fatalf("SetNotify: %v", err)
	}

	serial := uint64(0)
	return func(cdb, data []byte) *vscsi.Result {
		t.Helper()
		serial++
		cmd := &vscsi.Command{SerialNo: serial, CDB: cdb, Data: data}
		if err := d.Execute(ctx, id, cmd); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		select {
		case <-notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion of serial %d", serial)
		}
		res, _, err := d.Poll(ctx, id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res == nil {
			t.Fatalf("notified with no completion queued")
		}
		return res
	}
}

func read10(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = scsi.Read10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func write10(lba uint32, blocks uint16) []byte {
	cdb := read10(lba, blocks)
	cdb[0] = scsi.Write10
	return cdb
}

func pattern(b byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestFlatDiskReadWrite(t *testing.T) {
	ctx := context.Background()
	f := newMemFile(64 * DefaultBlockSize)
	be, err := OpenFlat(ctx, f)
	if err != nil {
		t.Fatalf("OpenFlat: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	data := pattern(0xab, 2*DefaultBlockSize)
	res := exec(write10(10, 2), data)
	if !res.Status.OK() {
		t.Fatalf("write status = %+v", res.Status)
	}
	if got := f.bytesAt(10*DefaultBlockSize, 2*DefaultBlockSize); !bytes.Equal(got, data) {
		t.Fatalf("file content mismatch after write")
	}

	buf := make([]byte, 2*DefaultBlockSize)
	res = exec(read10(10, 2), buf)
	if !res.Status.OK() || res.BytesXferred != uint32(len(buf)) {
		t.Fatalf("read status = %+v bytes = %d", res.Status, res.BytesXferred)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read back wrong data")
	}
}

func TestFlatDiskErrorMapping(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		inject     error
		wantStatus scsi.Status
		wantKey    uint8
	}{
		{"overflow", ErrNoSpace, scsi.StatusCheck, scsi.KeyVolumeOverflow},
		{"unreachable", ErrNoConnect, scsi.StatusNoConnect, 0},
		{"resources", ErrNoMemory, scsi.StatusBusy, 0},
		{"locked", ErrLocked, scsi.StatusBusy, 0}, // exclusive disk: conflict becomes busy
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newMemFile(64 * DefaultBlockSize)
			f.writeErr = tc.inject
			be, err := OpenFlat(ctx, f)
			if err != nil {
				t.Fatalf("OpenFlat: %v", err)
			}
			exec := harness(t, be, vscsi.OpenOptions{})

			res := exec(write10(0, 1), pattern(1, DefaultBlockSize))
			if res.Status != tc.wantStatus {
				t.Fatalf("status = %+v, want %+v", res.Status, tc.wantStatus)
			}
			if tc.wantKey != 0 && res.Sense.Key != tc.wantKey {
				t.Fatalf("sense key = %#x, want %#x", res.Sense.Key, tc.wantKey)
			}
		})
	}
}

func TestFlatDiskReservations(t *testing.T) {
	ctx := context.Background()
	f := newMemFile(64 * DefaultBlockSize)
	be, err := OpenFlat(ctx, f)
	if err != nil {
		t.Fatalf("OpenFlat: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	res := exec([]byte{scsi.Reserve, 0, 0, 0, 0, 0}, nil)
	if !res.Status.OK() {
		t.Fatalf("reserve status = %+v", res.Status)
	}
	f.mu.Lock()
	reserved := f.reserved
	f.mu.Unlock()
	if !reserved {
		t.Fatalf("reservation did not reach the store")
	}

	res = exec([]byte{scsi.Release, 0, 0, 0, 0, 0}, nil)
	if !res.Status.OK() {
		t.Fatalf("release status = %+v", res.Status)
	}
	f.mu.Lock()
	reserved = f.reserved
	f.mu.Unlock()
	if reserved {
		t.Fatalf("release did not reach the store")
	}
}

func TestCowReadThroughAndWriteIsolation(t *testing.T) {
	ctx := context.Background()
	const blocks = 64

	parent := newMemFile(blocks * DefaultBlockSize)
	copy(parent.data, bytes.Repeat([]byte{0x11}, blocks*DefaultBlockSize))
	delta := newMemFile(0)

	be, err := OpenCow(ctx, parent, delta, blocks)
	if err != nil {
		t.Fatalf("OpenCow: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	// unwritten blocks read through to the parent
	buf := make([]byte, DefaultBlockSize)
	res := exec(read10(3, 1), buf)
	if !res.Status.OK() || buf[0] != 0x11 {
		t.Fatalf("read-through failed: status %+v, byte %#x", res.Status, buf[0])
	}

	// a write straddling a grain boundary lands in the delta only
	data := pattern(0x22, 4*DefaultBlockSize)
	res = exec(write10(6, 4), data) // grain size 8: blocks 6..9 span grains 0 and 1
	if !res.Status.OK() {
		t.Fatalf("write status = %+v", res.Status)
	}
	if got := parent.bytesAt(6*DefaultBlockSize, DefaultBlockSize)[0]; got != 0x11 {
		t.Fatalf("write leaked into the parent")
	}

	// the written range reads back new data, its surroundings old data
	buf = make([]byte, 6*DefaultBlockSize)
	res = exec(read10(5, 6), buf)
	if !res.Status.OK() {
		t.Fatalf("read status = %+v", res.Status)
	}
	if buf[0] != 0x11 {
		t.Fatalf("block 5 should still read parent data")
	}
	for i := DefaultBlockSize; i < 5*DefaultBlockSize; i++ {
		if buf[i] != 0x22 {
			t.Fatalf("block %d byte %d = %#x, want delta data", 5+i/DefaultBlockSize, i, buf[i])
		}
	}
	if buf[5*DefaultBlockSize] != 0x11 {
		t.Fatalf("block 10 should still read parent data")
	}
}

func TestCowZeroFillsPastParent(t *testing.T) {
	ctx := context.Background()
	parent := newMemFile(8 * DefaultBlockSize)
	copy(parent.data, bytes.Repeat([]byte{0x33}, len(parent.data)))
	delta := newMemFile(0)

	// the cow disk is larger than its parent
	be, err := OpenCow(ctx, parent, delta, 32)
	if err != nil {
		t.Fatalf("OpenCow: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	buf := pattern(0xff, DefaultBlockSize)
	res := exec(read10(20, 1), buf)
	if !res.Status.OK() {
		t.Fatalf("read status = %+v", res.Status)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero fill past the parent", i, b)
		}
	}
}

func TestRawPartitionShiftsAddresses(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice(128)
	be, err := OpenRaw(ctx, dev, 16, 32)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	data := pattern(0x44, DefaultBlockSize)
	res := exec(write10(0, 1), data)
	if !res.Status.OK() {
		t.Fatalf("write status = %+v", res.Status)
	}
	dev.mu.Lock()
	got := append([]byte(nil), dev.data[16*512:17*512]...)
	dev.mu.Unlock()
	if !bytes.Equal(got, data) {
		t.Fatalf("partition write did not land at the shifted device address")
	}

	// past the partition end, even though well inside the device
	res = exec(read10(30, 4), make([]byte, 4*DefaultBlockSize))
	if res.Status != scsi.StatusCheck || res.Sense.ASC != scsi.AscLBAOutOfRange {
		t.Fatalf("out-of-partition read: status %+v sense %+v", res.Status, res.Sense)
	}
}

func TestRawPartitionRejectsReportLuns(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice(128)
	be, err := OpenRaw(ctx, dev, 0, 64)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{Passthrough: true})

	cdb := make([]byte, 12)
	cdb[0] = scsi.ReportLuns
	res := exec(cdb, make([]byte, 64))
	if res.Status != scsi.StatusCheck || res.Sense.Key != scsi.KeyIllegalRequest {
		t.Fatalf("REPORT LUNS against a partition: status %+v sense %+v", res.Status, res.Sense)
	}
	for _, op := range dev.issuedOpcodes() {
		if op == scsi.ReportLuns {
			t.Fatalf("REPORT LUNS reached the physical device")
		}
	}
}

func TestRDMPhysicalPassesThrough(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice(64)
	be, err := OpenRDM(ctx, dev, RDMPhysical)
	if err != nil {
		t.Fatalf("OpenRDM: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{Passthrough: true})

	cdb := []byte{scsi.ModeSense, 0, 0x2c, 0, 64, 0}
	res := exec(cdb, make([]byte, 64))
	if !res.Status.OK() {
		t.Fatalf("mode sense status = %+v", res.Status)
	}
	found := false
	for _, op := range dev.issuedOpcodes() {
		if op == scsi.ModeSense {
			found = true
		}
	}
	if !found {
		t.Fatalf("passthrough mode sense did not reach the device")
	}
}

func TestRDMVirtualEmulatesNonIO(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice(64)
	be, err := OpenRDM(ctx, dev, RDMVirtual)
	if err != nil {
		t.Fatalf("OpenRDM: %v", err)
	}
	exec := harness(t, be, vscsi.OpenOptions{})

	// INQUIRY answered by the dispatcher, not the array
	before := len(dev.issuedOpcodes())
	buf := make([]byte, 36)
	res := exec([]byte{scsi.Inquiry, 0, 0, 0, 36, 0}, buf)
	if !res.Status.OK() {
		t.Fatalf("inquiry status = %+v", res.Status)
	}
	if !bytes.Equal(buf[8:16], []byte("VMware  ")) {
		t.Fatalf("virtual rdm INQUIRY vendor = %q", buf[8:16])
	}
	if len(dev.issuedOpcodes()) != before {
		t.Fatalf("emulated command reached the device")
	}

	// reads go to the LUN
	res = exec(read10(0, 1), make([]byte, DefaultBlockSize))
	if !res.Status.OK() {
		t.Fatalf("read status = %+v", res.Status)
	}
	ops := dev.issuedOpcodes()
	if ops[len(ops)-1] != scsi.Read16 {
		t.Fatalf("read did not reach the device as READ(16)")
	}
}
