package queue

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/joltapp/jolt-sync/internal/model"
)

// DefaultMaxSize is the queue bound used when Options.MaxSize is zero.
const DefaultMaxSize = 1000

// Options configures a Store.
type Options struct {
	// MaxSize bounds the log. When full, Enqueue drops the oldest record.
	MaxSize int
	// Logger receives warnings. Defaults to stderr with a [queue] prefix.
	Logger *log.Logger
}

// Store is the mutation queue. It is safe for concurrent use.
//
// Several processes may share one slot. Every change is applied to what the
// slot holds at write time, under the slot's lock, so records another
// process added or removed since this store last looked are kept as they
// are.
type Store struct {
	mu        sync.Mutex
	slot      Slot
	items     []model.QueuedMutation
	lastSaved []byte
	// unsaved is set while items holds changes a failed write could not
	// persist. The next write then starts from items, not the slot.
	unsaved bool
	maxSize int
	logger  *log.Logger
}

// New opens a Store backed by slot and loads the persisted log.
//
// Undecodable records are dropped. An error is returned only when the slot
// itself cannot be read.
func New(slot Slot, opts Options) (*Store, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	s := &Store{
		slot:    slot,
		maxSize: opts.MaxSize,
		logger:  opts.Logger,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the slot, replacing the in-memory log. It is a no-op when
// the slot holds exactly what this store last wrote.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Loading under the lock keeps a read that predates a commit from
	// replacing the committed log.
	data, err := s.slot.Load()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	if s.lastSaved != nil && bytes.Equal(data, s.lastSaved) {
		return nil
	}
	if s.unsaved {
		s.logger.Printf("WARNING: queue changed on disk while local changes are unsaved, keeping local copy")
		return nil
	}
	s.items = s.decodeLocked(data)
	s.lastSaved = data
	return nil
}

// decodeLocked parses persisted bytes, logging dropped records and applying
// the size bound.
func (s *Store) decodeLocked(data []byte) []model.QueuedMutation {
	items, dropped := decode(data)
	for _, d := range dropped {
		s.logger.Printf("WARNING: dropping unreadable queued mutation: %v", d)
	}
	if len(items) > s.maxSize {
		s.logger.Printf("WARNING: persisted queue holds %d mutations, keeping newest %d", len(items), s.maxSize)
		items = items[len(items)-s.maxSize:]
	}
	return items
}

// Enqueue appends m and persists the log.
//
// Enqueue never rejects a valid mutation. The record is kept in memory even
// when persisting fails; the returned error reports the failed write.
func (s *Store) Enqueue(m model.QueuedMutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(items []model.QueuedMutation) []model.QueuedMutation {
		next := make([]model.QueuedMutation, 0, len(items)+1)
		for _, existing := range items {
			if existing.ID != m.ID {
				next = append(next, existing)
			}
		}
		next = append(next, m)
		if over := len(next) - s.maxSize; over > 0 {
			for _, dropped := range next[:over] {
				s.logger.Printf("WARNING: queue full (%d), dropping oldest mutation %s (%s %s)",
					s.maxSize, dropped.ID, dropped.OperationType, dropped.EntityType)
			}
			next = next[over:]
		}
		return next
	})
}

// Dequeue removes the mutation with the given id. Removing an id that is not
// queued is not an error.
func (s *Store) Dequeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(items []model.QueuedMutation) []model.QueuedMutation {
		idx := indexOf(items, id)
		if idx < 0 {
			return items
		}
		next := make([]model.QueuedMutation, 0, len(items)-1)
		next = append(next, items[:idx]...)
		return append(next, items[idx+1:]...)
	})
}

// Replace swaps the queued record with the same id for m, keeping its
// position. It is how a failed replay records the incremented retry count.
// Replacing an id that is no longer queued is a no-op.
func (s *Store) Replace(m model.QueuedMutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(items []model.QueuedMutation) []model.QueuedMutation {
		idx := indexOf(items, m.ID)
		if idx < 0 {
			return items
		}
		next := make([]model.QueuedMutation, len(items))
		copy(next, items)
		next[idx] = m
		return next
	})
}

// Clear removes every queued mutation.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(func([]model.QueuedMutation) []model.QueuedMutation { return nil })
}

// List returns the queued mutations oldest-first. The returned slice is
// never modified by the store.
func (s *Store) List() []model.QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items
}

// Get returns the queued mutation with the given id.
func (s *Store) Get(id string) (model.QueuedMutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.items[idx], true
	}
	return model.QueuedMutation{}, false
}

// Len returns the number of queued mutations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Has reports whether any queued mutation targets the entity key (entity id
// or local id).
func (s *Store) Has(entityKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].EntityKey() == entityKey {
			return true
		}
	}
	return false
}

func (s *Store) indexLocked(id string) int {
	return indexOf(s.items, id)
}

func indexOf(items []model.QueuedMutation, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// commitLocked applies change to the current log and writes the result to
// the slot. The current log is what the slot holds at write time when
// another process changed it, otherwise the in-memory copy. The result is
// installed in memory even when the write fails.
func (s *Store) commitLocked(change func([]model.QueuedMutation) []model.QueuedMutation) error {
	var (
		next []model.QueuedMutation
		data []byte
		ran  bool
	)
	err := s.slot.Update(func(current []byte) ([]byte, error) {
		base := s.items
		if !s.unsaved && !bytes.Equal(current, s.lastSaved) {
			base = s.decodeLocked(current)
		}
		next = change(base)
		ran = true
		var err error
		data, err = encode(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode queue: %w", err)
		}
		return data, nil
	})
	if !ran {
		next = change(s.items)
	}
	s.items = next
	if err != nil {
		s.unsaved = true
		s.logger.Printf("WARNING: failed to persist queue (%d mutations): %v", len(next), err)
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	s.unsaved = false
	s.lastSaved = data
	return nil
}
