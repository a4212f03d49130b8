package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotCached is returned when a requested instance file is not on disk
var ErrNotCached = errors.New("instance not cached")

// StoreError wraps a filesystem failure of the disk store
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store is the on-disk DICOM object cache. Instances live at
// <root>/<studyUID>/<seriesUID>/<sopInstanceUID>.dcm and are written with a
// temp-file rename so readers never observe a partial file.
type Store struct {
	root string
	log  zerolog.Logger

	mu      sync.Mutex
	writes  map[string]*sync.Mutex
	studies map[string]*sync.Mutex
}

// NewStore creates the cache root directory if needed.
func NewStore(root string, log zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}
	return &Store{
		root:    root,
		log:     log.With().Str("component", "cache_store").Logger(),
		writes:  make(map[string]*sync.Mutex),
		studies: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// InstancePath returns the canonical on-disk path for an instance.
func (s *Store) InstancePath(studyUID, seriesUID, sopUID string) (string, error) {
	for _, uid := range []string{studyUID, seriesUID, sopUID} {
		if !validUIDComponent(uid) {
			return "", &StoreError{Op: "path", Err: fmt.Errorf("invalid UID component %q", uid)}
		}
	}
	return filepath.Join(s.root, studyUID, seriesUID, sopUID+".dcm"), nil
}

// validUIDComponent rejects anything that could escape the cache root.
func validUIDComponent(uid string) bool {
	if uid == "" || uid == "." || uid == ".." {
		return false
	}
	return !strings.ContainsAny(uid, "/\\")
}

// WriteInstance persists one instance file. Concurrent writes of the same SOP
// instance serialize on a per-UID lock; rewriting an existing instance simply
// replaces the file.
func (s *Store) WriteInstance(studyUID, seriesUID, sopUID string, data []byte) (string, int64, error) {
	path, err := s.InstancePath(studyUID, seriesUID, sopUID)
	if err != nil {
		return "", 0, err
	}

	lock := s.writeLock(sopUID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, &StoreError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+sopUID+".*.tmp")
	if err != nil {
		return "", 0, &StoreError{Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, &StoreError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, &StoreError{Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", 0, &StoreError{Op: "rename", Err: err}
	}
	return path, int64(len(data)), nil
}

// ReadInstance loads an instance file, or ErrNotCached when absent.
func (s *Store) ReadInstance(studyUID, seriesUID, sopUID string) ([]byte, error) {
	path, err := s.InstancePath(studyUID, seriesUID, sopUID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, &StoreError{Op: "read", Err: err}
	}
	return data, nil
}

// ReadInstanceFile loads an instance by its recorded path, used when the
// relational index already knows the location.
func (s *Store) ReadInstanceFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, &StoreError{Op: "read", Err: err}
	}
	return data, nil
}

// HasInstance reports whether an instance file exists on disk.
func (s *Store) HasInstance(studyUID, seriesUID, sopUID string) bool {
	path, err := s.InstancePath(studyUID, seriesUID, sopUID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// SizeBytes walks the cache root and sums all file sizes.
func (s *Store) SizeBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A study deleted mid-walk is fine.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, &StoreError{Op: "size", Err: err}
	}
	return total, nil
}

// DeleteStudy removes a study's directory tree, deepest entries first so a
// failed file removal leaves the tree walkable. Returns false when the study
// directory did not exist; file-level errors are logged and skipped.
func (s *Store) DeleteStudy(studyUID string) (bool, error) {
	if !validUIDComponent(studyUID) {
		return false, &StoreError{Op: "delete", Err: fmt.Errorf("invalid UID component %q", studyUID)}
	}
	dir := filepath.Join(s.root, studyUID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StoreError{Op: "delete", Err: err}
	}

	var paths []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Remove(paths[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", paths[i]).Msg("failed to remove cache entry")
		}
	}
	return true, nil
}

// LockStudy serializes whole-study operations (eviction vs. retrieval) on a
// per-study mutex. The returned function releases the lock.
func (s *Store) LockStudy(studyUID string) func() {
	s.mu.Lock()
	lock, ok := s.studies[studyUID]
	if !ok {
		lock = &sync.Mutex{}
		s.studies[studyUID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Store) writeLock(sopUID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.writes[sopUID]
	if !ok {
		lock = &sync.Mutex{}
		s.writes[sopUID] = lock
	}
	return lock
}
