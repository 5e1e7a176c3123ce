// Package backend implements the virtual disk backends commands are
// dispatched to: flat file-backed disks, copy-on-write delta disks, raw
// partition mappings, and raw device mappings onto physical LUNs.
package backend

import (
	"context"
	"errors"

	"github.com/openvmk/vscsi/internal/scsi"
	"github.com/openvmk/vscsi/internal/vscsi"
)

// Errors a File implementation reports to have them translated into the
// matching SCSI completion. Anything else becomes a medium error.
var (
	// ErrNoSpace: the store cannot grow the file.
	ErrNoSpace = errors.New("backend: no space on store")
	// ErrInvalidParam: the request does not fit the file's geometry.
	ErrInvalidParam = errors.New("backend: invalid parameter")
	// ErrNoConnect: the store is unreachable.
	ErrNoConnect = errors.New("backend: storage unreachable")
	// ErrNoMemory: transient resource exhaustion; the guest should retry.
	ErrNoMemory = errors.New("backend: out of resources")
	// ErrLocked: another host holds the file's lock.
	ErrLocked = errors.New("backend: file locked by another host")
)

// File is the storage object a file-backed disk sits on, typically a file on
// a cluster file system. Reserve and Release carry guest SCSI-2 reservations
// down to the store's distributed lock.
type File interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Size(ctx context.Context) (int64, error)
	Sync(ctx context.Context) error
	Reserve(ctx context.Context) error
	Release(ctx context.Context) error
	Close(ctx context.Context) error
}

// Device is a physical LUN reached through the storage stack, used by the
// raw partition and raw device mapping backends.
type Device interface {
	Issue(ctx context.Context, cdb, data []byte, dataOut bool) (scsi.Status, scsi.SenseData, uint32, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// statusForError translates a File error into the completion the guest sees.
func statusForError(err error) (scsi.Status, scsi.SenseData) {
	switch {
	case err == nil:
		return scsi.StatusGood, scsi.SenseData{}
	case errors.Is(err, ErrNoSpace):
		return scsi.StatusCheck, scsi.NewSense(scsi.KeyVolumeOverflow, 0, 0)
	case errors.Is(err, ErrInvalidParam):
		return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0)
	case errors.Is(err, ErrNoConnect):
		return scsi.StatusNoConnect, scsi.SenseData{}
	case errors.Is(err, ErrNoMemory):
		return scsi.StatusBusy, scsi.SenseData{}
	case errors.Is(err, ErrLocked):
		// surfaces as BUSY for exclusive disks, as-is for multiwriter
		return scsi.StatusReservationConflict, scsi.SenseData{}
	default:
		return scsi.StatusCheck, scsi.NewSense(scsi.KeyMediumError, 0, 0)
	}
}

// completeRW finishes a read/write command with the status err maps to.
func completeRW(cmd *vscsi.Command, n int, err error) {
	st, sense := statusForError(err)
	cmd.Complete(st, sense, uint32(n))
}
