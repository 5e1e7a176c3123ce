package backend

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// LocalFile adapts a plain OS file to the File interface, for tools and
// tests. Reservations are process-local no-ops: a local file system has no
// cross-host lock to carry them to.
type LocalFile struct {
	f *os.File
}

var _ File = (*LocalFile)(nil)

// CreateLocalFile creates (or truncates) a file of the given size.
func CreateLocalFile(path string, size int64) (*LocalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create backing file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size backing file")
	}
	return &LocalFile{f: f}, nil
}

// OpenLocalFile opens an existing file.
func OpenLocalFile(path string) (*LocalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open backing file")
	}
	return &LocalFile{f: f}, nil
}

func (l *LocalFile) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return l.f.ReadAt(p, off)
}

func (l *LocalFile) WriteAt(_ context.Context, p []byte, off int64) (int, error) {
	return l.f.WriteAt(p, off)
}

func (l *LocalFile) Size(context.Context) (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (l *LocalFile) Sync(context.Context) error { return l.f.Sync() }

func (l *LocalFile) Reserve(context.Context) error { return nil }

func (l *LocalFile) Release(context.Context) error { return nil }

func (l *LocalFile) Close(context.Context) error { return l.f.Close() }
