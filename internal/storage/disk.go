// Package storage owns the on-disk snapshot directory.
//
// Objects live as regular files in one flat directory. Writes are staged in a
// hidden .tmp directory on the same filesystem and renamed into place, so a
// reader opening a name sees either the complete previous file, nothing, or
// the complete new file.
//
// Concurrent Puts of the same name each rename atomically and the last rename
// wins; no ordering between them is guaranteed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	stagingDirName = ".tmp"
	listBatchSize  = 64

	// DefaultMaxObjectSize is the largest object Put accepts unless overridden.
	DefaultMaxObjectSize int64 = 1 << 20
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrTooLarge    = errors.New("object exceeds maximum size")
	ErrIOFailure   = errors.New("storage i/o failure")
	ErrInvalidName = errors.New("invalid object name")
)

// StoreError carries the operation and object name of a filesystem failure.
// It always matches ErrIOFailure with errors.Is, as well as the underlying cause.
type StoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrIOFailure, e.Err} }

// Info describes a committed object.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Options configures a DiskStore.
type Options struct {
	MaxObjectSize int64
	FileMode      os.FileMode
	DirMode       os.FileMode
	Logger        *zap.Logger
}

// Option is a functional option for NewDiskStore.
type Option func(*Options)

// WithMaxObjectSize caps the number of bytes Put will commit.
func WithMaxObjectSize(n int64) Option {
	return func(o *Options) { o.MaxObjectSize = n }
}

// WithFileMode sets the permission bits of committed files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *Options) { o.FileMode = mode }
}

// WithLogger sets the logger used for cleanup failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// DiskStore is a flat-directory object store safe for concurrent use.
type DiskStore struct {
	dir     string
	staging string
	opts    Options
}

// NewDiskStore creates dir and its staging directory if needed.
func NewDiskStore(dir string, opts ...Option) (*DiskStore, error) {
	o := Options{
		MaxObjectSize: DefaultMaxObjectSize,
		FileMode:      0o644,
		DirMode:       0o755,
		Logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxObjectSize <= 0 {
		o.MaxObjectSize = DefaultMaxObjectSize
	}

	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	staging := filepath.Join(abs, stagingDirName)
	if err := os.MkdirAll(staging, o.DirMode); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &DiskStore{dir: abs, staging: staging, opts: o}, nil
}

// Dir returns the absolute data directory.
func (s *DiskStore) Dir() string { return s.dir }

// MaxObjectSize returns the configured size cap.
func (s *DiskStore) MaxObjectSize() int64 { return s.opts.MaxObjectSize }

// Path returns the absolute path of name. The file may not exist.
func (s *DiskStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Put streams r into a staged file and renames it to name once r is fully
// consumed, within the size cap, and ctx is still live. The staged file is
// removed on every exit path that does not commit.
func (s *DiskStore) Put(ctx context.Context, name string, r io.Reader) (err error) {
	if err := validateName(name); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.staging, name+".*")
	if err != nil {
		return &StoreError{Op: "create", Name: name, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.opts.Logger.Warn("remove staged file", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, s.opts.MaxObjectSize+1))
	if err != nil {
		return &StoreError{Op: "write", Name: name, Err: err}
	}
	if n > s.opts.MaxObjectSize {
		return fmt.Errorf("put %q: %w (limit %d bytes)", name, ErrTooLarge, s.opts.MaxObjectSize)
	}
	if err := tmp.Chmod(s.opts.FileMode); err != nil {
		return &StoreError{Op: "chmod", Name: name, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &StoreError{Op: "sync", Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "close", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put %q: %w", name, err)
	}
	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		return &StoreError{Op: "rename", Name: name, Err: err}
	}
	committed = true
	return nil
}

// Object is an open, committed file. It is read once front to back by
// streaming consumers; ReadAt and Seek serve range requests and columnar readers.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
	file    *os.File
}

func (o *Object) Read(p []byte) (int, error) { return o.file.Read(p) }

func (o *Object) ReadAt(p []byte, off int64) (int, error) { return o.file.ReadAt(p, off) }

func (o *Object) Seek(offset int64, whence int) (int64, error) { return o.file.Seek(offset, whence) }

func (o *Object) Close() error { return o.file.Close() }

// Open returns a reader over the committed object name.
func (s *DiskStore) Open(ctx context.Context, name string) (*Object, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %q: %w", name, ErrNotFound)
		}
		return nil, &StoreError{Op: "open", Name: name, Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StoreError{Op: "stat", Name: name, Err: err}
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	return &Object{Name: name, Size: st.Size(), ModTime: st.ModTime(), file: f}, nil
}

// Stat returns metadata for name without opening it.
func (s *DiskStore) Stat(ctx context.Context, name string) (Info, error) {
	if err := validateName(name); err != nil {
		return Info{}, err
	}
	st, err := os.Stat(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("object %q: %w", name, ErrNotFound)
		}
		return Info{}, &StoreError{Op: "stat", Name: name, Err: err}
	}
	if !st.Mode().IsRegular() {
		return Info{}, fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	return Info{Name: name, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// List lazily yields the names of committed objects. Directories, hidden
// files and staged uploads are skipped. Iteration stops at the first error,
// which is yielded with an empty name.
func (s *DiskStore) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		d, err := os.Open(s.dir)
		if err != nil {
			yield("", &StoreError{Op: "list", Name: s.dir, Err: err})
			return
		}
		defer d.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := d.ReadDir(listBatchSize)
			for _, e := range entries {
				if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
					continue
				}
				if !yield(e.Name(), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", &StoreError{Op: "list", Name: s.dir, Err: err})
				return
			}
		}
	}
}

// Writable checks that a file can be created in the staging directory.
func (s *DiskStore) Writable() error {
	f, err := os.CreateTemp(s.staging, "probe-*")
	if err != nil {
		return &StoreError{Op: "probe", Name: s.staging, Err: err}
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// CleanStaging removes staged files left behind by an interrupted process.
// Call before serving traffic.
func (s *DiskStore) CleanStaging() (int, error) {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, &StoreError{Op: "clean", Name: s.staging, Err: err}
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.staging, e.Name())); err != nil {
			return removed, &StoreError{Op: "clean", Name: e.Name(), Err: err}
		}
		removed++
	}
	return removed, nil
}
