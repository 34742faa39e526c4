package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newMutation(id, entity string) model.QueuedMutation {
	return model.QueuedMutation{
		ID:            id,
		OperationType: model.OpUpdate,
		EntityType:    model.EntityReminder,
		EntityID:      model.StringPtr(entity),
		Payload:       json.RawMessage(`{"id":"` + entity + `"}`),
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func setupStore(t *testing.T, slot Slot, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := New(slot, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func ids(items []model.QueuedMutation) string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

func TestStoreFIFO(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})

	for i := 1; i <= 3; i++ {
		if err := s.Enqueue(newMutation(fmt.Sprintf("m%d", i), "r1")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	if got := ids(s.List()); got != "m1,m2,m3" {
		t.Errorf("List() = %s, want m1,m2,m3", got)
	}
	if got := ids(s.List()); got != "m1,m2,m3" {
		t.Errorf("second List() = %s, want it unchanged", got)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestStoreDequeueIdempotent(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})
	_ = s.Enqueue(newMutation("m1", "r1"))
	_ = s.Enqueue(newMutation("m2", "r2"))

	if err := s.Dequeue("m1"); err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if err := s.Dequeue("m1"); err != nil {
		t.Fatalf("second Dequeue() failed: %v", err)
	}
	if err := s.Dequeue("missing"); err != nil {
		t.Fatalf("Dequeue(missing) failed: %v", err)
	}
	if got := ids(s.List()); got != "m2" {
		t.Errorf("List() = %s, want m2", got)
	}
}

func TestStoreListIsSnapshot(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})
	_ = s.Enqueue(newMutation("m1", "r1"))
	_ = s.Enqueue(newMutation("m2", "r2"))

	snapshot := s.List()
	_ = s.Dequeue("m1")
	_ = s.Replace(newMutation("m2", "r2").WithFailure(errors.New("boom")))

	if got := ids(snapshot); got != "m1,m2" {
		t.Errorf("snapshot changed to %s", got)
	}
	if snapshot[1].RetryCount != 0 {
		t.Error("Replace mutated a previously returned slice")
	}
}

func TestStoreReplace(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})
	_ = s.Enqueue(newMutation("m1", "r1"))
	_ = s.Enqueue(newMutation("m2", "r2"))

	m, _ := s.Get("m1")
	if err := s.Replace(m.WithFailure(errors.New("timeout"))); err != nil {
		t.Fatalf("Replace() failed: %v", err)
	}

	got := s.List()
	if ids(got) != "m1,m2" {
		t.Fatalf("Replace reordered the log: %s", ids(got))
	}
	if got[0].RetryCount != 1 || got[0].LastError == nil || *got[0].LastError != "timeout" {
		t.Errorf("unexpected replaced record: %+v", got[0])
	}

	if err := s.Replace(newMutation("gone", "r9")); err != nil {
		t.Errorf("Replace of unknown id should be a no-op, got %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStoreHasAndClear(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})
	create := newMutation("m1", "")
	create.OperationType = model.OpCreate
	create.EntityID = nil
	create.LocalID = model.StringPtr("loc-1")
	_ = s.Enqueue(create)

	if !s.Has("loc-1") {
		t.Error("Has(loc-1) = false")
	}
	if s.Has("r1") {
		t.Error("Has(r1) = true")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Clear", s.Len())
	}
}

func TestStoreEnqueueRejectsInvalid(t *testing.T) {
	s := setupStore(t, NewMemorySlot(nil), Options{})
	bad := newMutation("m1", "r1")
	bad.Payload = nil
	if err := s.Enqueue(bad); err == nil {
		t.Error("expected invalid mutation error")
	}
}

func TestStoreMaxSizeDropsOldest(t *testing.T) {
	var logs bytes.Buffer
	s := setupStore(t, NewMemorySlot(nil), Options{MaxSize: 2, Logger: log.New(&logs, "", 0)})

	for i := 1; i <= 3; i++ {
		if err := s.Enqueue(newMutation(fmt.Sprintf("m%d", i), "r1")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	if got := ids(s.List()); got != "m2,m3" {
		t.Errorf("List() = %s, want m2,m3", got)
	}
	if !strings.Contains(logs.String(), "dropping oldest mutation m1") {
		t.Errorf("expected drop warning, got %q", logs.String())
	}
}

func TestStoreDropsCorruptRecords(t *testing.T) {
	good := newMutation("m1", "r1")
	goodJSON, _ := json.Marshal(good)
	persisted := `[` + string(goodJSON) + `, {"id": 42}, {"id":"m2","operationType":"explode"}, "junk"]`

	s := setupStore(t, NewMemorySlot([]byte(persisted)), Options{})
	if got := ids(s.List()); got != "m1" {
		t.Errorf("List() = %s, want m1", got)
	}
}

func TestStoreRecoversFromGarbage(t *testing.T) {
	s := setupStore(t, NewMemorySlot([]byte("not json at all")), Options{})
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if err := s.Enqueue(newMutation("m1", "r1")); err != nil {
		t.Fatalf("Enqueue() after garbage load failed: %v", err)
	}
}

func TestStorePersistFailureKeepsRecord(t *testing.T) {
	slot := NewMemorySlot(nil)
	s := setupStore(t, slot, Options{})
	slot.FailSaves(errors.New("disk full"))

	if err := s.Enqueue(newMutation("m1", "r1")); err == nil {
		t.Error("expected persistence error")
	}
	if s.Len() != 1 {
		t.Errorf("record not kept in memory, Len() = %d", s.Len())
	}
}

func TestFileSlotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.json")

	s := setupStore(t, NewFileSlot(path), Options{})
	_ = s.Enqueue(newMutation("m1", "r1"))
	_ = s.Enqueue(newMutation("m2", "r2"))
	_ = s.Dequeue("m1")

	reopened := setupStore(t, NewFileSlot(path), Options{})
	if got := ids(reopened.List()); got != "m2" {
		t.Errorf("after restart List() = %s, want m2", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "queue.json" && e.Name() != "queue.json.lock" {
			t.Errorf("unexpected file %s left in queue directory", e.Name())
		}
	}
}

// TestSharedSlotKeepsOtherWritersRecords runs two stores over one slot, as
// the CLI and a running sync process do.
func TestSharedSlotKeepsOtherWritersRecords(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) (Slot, Slot)
	}{
		{"memory", func(t *testing.T) (Slot, Slot) {
			slot := NewMemorySlot(nil)
			return slot, slot
		}},
		{"file", func(t *testing.T) (Slot, Slot) {
			path := filepath.Join(t.TempDir(), "queue.json")
			return NewFileSlot(path), NewFileSlot(path)
		}},
		{"sqlite", func(t *testing.T) (Slot, Slot) {
			path := filepath.Join(t.TempDir(), "local.db")
			a, err := OpenSQLiteSlot(path, "mutations")
			if err != nil {
				t.Fatalf("OpenSQLiteSlot() failed: %v", err)
			}
			b, err := OpenSQLiteSlot(path, "mutations")
			if err != nil {
				t.Fatalf("OpenSQLiteSlot() failed: %v", err)
			}
			t.Cleanup(func() {
				_ = a.Close()
				_ = b.Close()
			})
			return a, b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slotA, slotB := tt.open(t)
			seed := setupStore(t, slotA, Options{})
			if err := seed.Enqueue(newMutation("m1", "r1")); err != nil {
				t.Fatalf("Enqueue(m1) failed: %v", err)
			}

			a := setupStore(t, slotA, Options{})
			b := setupStore(t, slotB, Options{})

			// a queues a new change while b, unaware of it, finishes m1.
			if err := a.Enqueue(newMutation("m2", "r2")); err != nil {
				t.Fatalf("Enqueue(m2) failed: %v", err)
			}
			if err := b.Dequeue("m1"); err != nil {
				t.Fatalf("Dequeue(m1) failed: %v", err)
			}
			if got := ids(b.List()); got != "m2" {
				t.Errorf("b.List() = %s, want m2", got)
			}

			// b records a retry of m2 that a has not seen, then a queues m3.
			retried := newMutation("m2", "r2")
			retried.RetryCount = 1
			if err := b.Replace(retried); err != nil {
				t.Fatalf("Replace(m2) failed: %v", err)
			}
			if err := a.Enqueue(newMutation("m3", "r3")); err != nil {
				t.Fatalf("Enqueue(m3) failed: %v", err)
			}

			reopened := setupStore(t, slotB, Options{})
			got := reopened.List()
			if ids(got) != "m2,m3" {
				t.Fatalf("persisted log = %s, want m2,m3", ids(got))
			}
			if got[0].RetryCount != 1 {
				t.Errorf("m2 retry count = %d, want 1", got[0].RetryCount)
			}
		})
	}
}

func TestUnsavedChangesSurviveExternalReload(t *testing.T) {
	slot := NewMemorySlot(nil)
	s := setupStore(t, slot, Options{})
	slot.FailSaves(errors.New("disk full"))
	_ = s.Enqueue(newMutation("m1", "r1"))

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if got := ids(s.List()); got != "m1" {
		t.Fatalf("List() after reload = %s, want m1", got)
	}

	slot.FailSaves(nil)
	if err := s.Enqueue(newMutation("m2", "r2")); err != nil {
		t.Fatalf("Enqueue() after recovery failed: %v", err)
	}
	reopened := setupStore(t, slot, Options{})
	if got := ids(reopened.List()); got != "m1,m2" {
		t.Errorf("persisted log = %s, want m1,m2", got)
	}
}

func TestSQLiteSlotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	slot, err := OpenSQLiteSlot(path, "mutations")
	if err != nil {
		t.Fatalf("OpenSQLiteSlot() failed: %v", err)
	}
	s := setupStore(t, slot, Options{})
	_ = s.Enqueue(newMutation("m1", "r1"))
	_ = s.Enqueue(newMutation("m2", "r2"))
	if err := slot.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	slot, err = OpenSQLiteSlot(path, "mutations")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer slot.Close()

	reopened := setupStore(t, slot, Options{})
	if got := ids(reopened.List()); got != "m1,m2" {
		t.Errorf("after restart List() = %s, want m1,m2", got)
	}

	other, err := OpenSQLiteSlot(path, "other")
	if err != nil {
		t.Fatalf("open second slot failed: %v", err)
	}
	defer other.Close()
	if data, _ := other.Load(); data != nil {
		t.Errorf("separate slot should be empty, got %q", data)
	}
}

func TestSlotWatcherReloadsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	slot := NewFileSlot(path)
	s := setupStore(t, slot, Options{})

	sw, err := slot.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sw.Stop()

	// Another process writes the slot.
	external := setupStore(t, NewFileSlot(path), Options{})
	if err := external.Enqueue(newMutation("ext-1", "r1")); err != nil {
		t.Fatalf("external Enqueue() failed: %v", err)
	}

	select {
	case <-sw.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if got := ids(s.List()); got != "ext-1" {
		t.Errorf("List() after reload = %s, want ext-1", got)
	}

	if err := sw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	// Drains any pending notification; blocks forever if Stop left it open.
	for range sw.Changes() {
	}
}

func TestFollowReloadsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	slot := NewFileSlot(path)
	s := setupStore(t, slot, Options{})

	sw, err := slot.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan struct{}, 8)
	go s.Follow(ctx, sw, func() { reloaded <- struct{}{} })

	external := setupStore(t, NewFileSlot(path), Options{})
	if err := external.Enqueue(newMutation("ext-1", "r1")); err != nil {
		t.Fatalf("external Enqueue() failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.Len() != 1 {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatalf("timed out waiting for reload, List() = %s", ids(s.List()))
		}
	}
	if got := ids(s.List()); got != "ext-1" {
		t.Errorf("List() after follow = %s, want ext-1", got)
	}
}
