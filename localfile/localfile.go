// Package localfile is the local filesystem abstraction the engines write
// received data through and read sent data from. Spec keeps this behind an
// interface rather than hard-coding *os.File so a caller can substitute an
// in-memory or staged-write implementation (e.g. write-to-temp-then-rename)
// without touching any engine.
package localfile

import (
	"io"
	"os"
	"time"
)

// File is the minimal local-file contract an engine needs: sequential
// writes (receive) or reads (send), a truncation hook for Xmodem's
// CPMEOF-padding trim, and enough metadata to populate session.FileInfo.
type File interface {
	io.ReadWriteCloser
	io.Seeker
	Truncate(size int64) error
	Size() (int64, error)
	ModTime() (time.Time, error)
}

// OS-backed default implementation.
type osFile struct {
	f *os.File
}

// Create opens dst for writing, creating it (or truncating an existing
// file) with the given permission bits.
func Create(path string, mode os.FileMode) (File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

// Open opens src for reading.
func Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

// OpenForAppend opens an existing file for read/write without
// truncating it, for Zmodem crash-recovery resume: the caller seeks to
// the offset it intends to resume at before writing.
func OpenForAppend(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (o *osFile) Read(p []byte) (int, error)  { return o.f.Read(p) }
func (o *osFile) Write(p []byte) (int, error) { return o.f.Write(p) }
func (o *osFile) Close() error                { return o.f.Close() }
func (o *osFile) Seek(offset int64, whence int) (int64, error) {
	return o.f.Seek(offset, whence)
}
func (o *osFile) Truncate(size int64) error { return o.f.Truncate(size) }

func (o *osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (o *osFile) ModTime() (time.Time, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// SetModTime applies the sender's mtime to a received file, best-effort —
// Xmodem/Ymodem senders routinely send a zero mtime and that is not an
// error.
func SetModTime(path string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}
	return os.Chtimes(path, mtime, mtime)
}
