package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps one file per segment under a directory. A write goes to a
// temp file and is renamed over the committed image on Close, so a reader
// only ever opens a committed image.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(seg Segment) string {
	return filepath.Join(f.dir, seg.String()+".img")
}

// OpenForWrite implements Store.
func (f *FileStore) OpenForWrite(seg Segment, size int) (WriteHandle, error) {
	if size < 0 {
		return nil, errors.New("persist: negative size")
	}
	tmp, err := os.CreateTemp(f.dir, seg.String()+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("persist: create temp for %s: %w", seg, err)
	}
	if err := tmp.Truncate(int64(size)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("persist: size temp for %s: %w", seg, err)
	}
	return &fileWriteHandle{file: tmp, final: f.path(seg)}, nil
}

// OpenForRead implements Store.
func (f *FileStore) OpenForRead(seg Segment) (ReadHandle, error) {
	fh, err := os.Open(f.path(seg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	return &fileReadHandle{file: fh, size: int(fi.Size())}, nil
}

// Remove deletes a committed segment image.
func (f *FileStore) Remove(seg Segment) error {
	err := os.Remove(f.path(seg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type fileWriteHandle struct {
	file   *os.File
	final  string
	closed bool
}

func (h *fileWriteHandle) WriteAt(offset int, buf []byte) error {
	if h.closed {
		return errors.New("persist: write on closed handle")
	}
	_, err := h.file.WriteAt(buf, int64(offset))
	return err
}

func (h *fileWriteHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	name := h.file.Name()
	if err := h.file.Sync(); err != nil {
		h.file.Close()
		os.Remove(name)
		return err
	}
	if err := h.file.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, h.final)
}

func (h *fileWriteHandle) Abort() error {
	if h.closed {
		return nil
	}
	h.closed = true
	name := h.file.Name()
	h.file.Close()
	return os.Remove(name)
}

type fileReadHandle struct {
	file *os.File
	size int
}

func (h *fileReadHandle) ReadAt(offset int, buf []byte) (int, error) {
	if offset < 0 {
		return 0, errors.New("persist: negative offset")
	}
	if offset >= h.size {
		return 0, nil
	}
	if rem := h.size - offset; len(buf) > rem {
		buf = buf[:rem]
	}
	n, err := h.file.ReadAt(buf, int64(offset))
	if err != nil && n == len(buf) {
		err = nil
	}
	return n, err
}

func (h *fileReadHandle) Size() int { return h.size }

func (h *fileReadHandle) Close() error { return h.file.Close() }
