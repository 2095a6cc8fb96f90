// Package disk stores the message document as a JSON file on the local
// filesystem. Writes go through a temp file that is synced and renamed over
// the document, and a sidecar lock file serializes writers across processes.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	// Root is the storage directory holding the document.
	Root string
	// FileMode applies to the document file. Defaults to 0o644.
	FileMode os.FileMode
	Logger   pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root     string
	dataPath string
	lockPath string
	mode     os.FileMode
	logger   pslog.Logger
}

// fcntl locks are owned by the process, so goroutines (and Store values)
// sharing a path also need an in-process mutex.
var processLocks sync.Map

func processMutex(path string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New prepares a disk-backed store rooted at cfg.Root, creating the directory
// when needed.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root, err := filepath.Abs(filepath.Clean(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root %q: %w", cfg.Root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", root, err)
	}
	mode := cfg.FileMode
	if mode == 0 {
		mode = 0o644
	}
	return &Store{
		root:     root,
		dataPath: filepath.Join(root, storage.DocumentName),
		lockPath: filepath.Join(root, "."+storage.DocumentName+".lock"),
		mode:     mode,
		logger:   logging.WithSubsystem(cfg.Logger, "storage.disk"),
	}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string { return s.root }

// Path returns the absolute path of the document file.
func (s *Store) Path() string { return s.dataPath }

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "disk://" + s.root }

// ReadDocument returns the document bytes or storage.ErrNotFound.
func (s *Store) ReadDocument(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: read %s: %w", s.dataPath, err)
	}
	return data, nil
}

// WriteDocument atomically replaces the document with data.
func (s *Store) WriteDocument(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, "."+storage.DocumentName+"-*")
	if err != nil {
		return fmt.Errorf("disk: create temp: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("disk: write temp: %w", err)
	}
	if err := tmp.Chmod(s.mode); err != nil {
		cleanup()
		return fmt.Errorf("disk: chmod temp: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		cleanup()
		return fmt.Errorf("disk: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.dataPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename into place: %w", err)
	}
	if err := syncDir(s.root); err != nil {
		s.logger.Debug("storage.disk.sync_dir_error", "path", s.root, "error", err)
	}
	return nil
}

// Lock takes the in-process mutex for the document and an exclusive fcntl
// lock on the sidecar lock file. It polls until the lock is granted or ctx
// is done.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	mu := processMutex(s.lockPath)
	if !lockMutex(ctx, mu) {
		return nil, ctx.Err()
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	delay := 2 * time.Millisecond
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			mu.Unlock()
			return nil, fmt.Errorf("disk: lock %s: %w", s.lockPath, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = unlockFile(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			mu.Unlock()
		})
		return err
	}, nil
}

func lockMutex(ctx context.Context, mu *sync.Mutex) bool {
	if mu.TryLock() {
		return true
	}
	delay := time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if mu.TryLock() {
			return true
		}
		if delay < 50*time.Millisecond {
			delay *= 2
		}
	}
}

// Close is a no-op; the disk backend holds no open handles between calls.
func (s *Store) Close() error { return nil }

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
