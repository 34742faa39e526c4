package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Slot is a single named storage location for the encoded queue.
type Slot interface {
	// Load returns the stored bytes, or nil when nothing has been stored.
	Load() ([]byte, error)
	// Save replaces the stored bytes atomically.
	Save(data []byte) error
	// Update replaces the stored bytes with fn's result while holding the
	// slot's lock, so no other writer, in this process or another, can
	// interleave between the read and the write. fn receives the current
	// bytes. When fn fails nothing is written.
	Update(fn func(current []byte) ([]byte, error)) error
}

// MemorySlot is an in-memory Slot.
type MemorySlot struct {
	mu   sync.Mutex
	data []byte
	err  error
}

// NewMemorySlot returns a slot holding data.
func NewMemorySlot(data []byte) *MemorySlot {
	return &MemorySlot{data: append([]byte(nil), data...)}
}

func (s *MemorySlot) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...), nil
}

func (s *MemorySlot) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemorySlot) Update(fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(append([]byte(nil), s.data...))
	if err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	s.data = append([]byte(nil), next...)
	return nil
}

// Bytes returns what was last saved.
func (s *MemorySlot) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// FailSaves makes subsequent saves return err. A nil err restores saving.
func (s *MemorySlot) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// FileSlot stores the queue in a single JSON file.
//
// Saves write a temporary file in the same directory and rename it over the
// target, so readers in other processes see either the old or the new log,
// never a partial write. Update additionally holds an exclusive lock on a
// sibling ".lock" file across the read and the write.
type FileSlot struct {
	path string
	mu   sync.Mutex
}

// NewFileSlot returns a slot stored at path. The parent directory is created
// on the first save.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

// Path returns the file location.
func (s *FileSlot) Path() string {
	return s.path
}

func (s *FileSlot) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return data, nil
}

// Update implements Slot.
func (s *FileSlot) Update(fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	lf, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lf.Close()
	if err := lockFile(lf); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	defer unlockFile(lf)

	current, err := s.Load()
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.Save(next)
}

func (s *FileSlot) Save(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
