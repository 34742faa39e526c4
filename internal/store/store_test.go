package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "server.db")
}

// setupStore opens a fresh store with one free user.
func setupStore(t *testing.T, opts Options) (*Store, model.User) {
	t.Helper()
	s, err := Open(context.Background(), testDBPath(t), opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	u, err := s.CreateUser(context.Background(), model.User{Email: "ada@example.com", DisplayName: "Ada"}, "tok-ada")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return s, u
}

func create(t *testing.T, s *Store, userID, localID, title string) model.Reminder {
	t.Helper()
	r, err := s.CreateReminder(context.Background(), userID, model.CreateReminderInput{
		MutationID: "m-" + localID, LocalID: localID, Title: title,
	})
	if err != nil {
		t.Fatalf("CreateReminder(%s) failed: %v", title, err)
	}
	return r
}

// TestOpen_Schema checks every table exists after Open
func TestOpen_Schema(t *testing.T) {
	s, err := Open(context.Background(), testDBPath(t), Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"users", "lists", "reminders", "applied_mutations"} {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestOpen_Reopen keeps data across a close and reopen of the same file
func TestOpen_Reopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	s, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	u, err := s.CreateUser(ctx, model.User{Email: "bo@example.com"}, "tok-bo")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	create(t, s, u.ID, "l1", "Persist me")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s.Close()
	got, err := s.Reminders(ctx, u.ID)
	if err != nil {
		t.Fatalf("Reminders() failed: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Persist me" {
		t.Errorf("Reminders() = %+v, want the persisted reminder", got)
	}
}

// TestOpen_InMemory works without a file
func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", Options{})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()
	if _, err := s.CreateUser(context.Background(), model.User{Email: "m@example.com"}, "tok"); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
}

// TestOpen_RemoteWithoutDriver explains the missing build tag
func TestOpen_RemoteWithoutDriver(t *testing.T) {
	if remoteDriver != "" {
		t.Skip("built with libsql")
	}
	_, err := Open(context.Background(), "libsql://db.example.com?authToken=secret", Options{})
	if err == nil {
		t.Fatal("Open() of a remote DSN succeeded without a driver")
	}
	if got := err.Error(); strings.Contains(got, "secret") {
		t.Errorf("error leaks the auth token: %s", got)
	}
}

// TestUserByToken authenticates known tokens only
func TestUserByToken(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()

	got, err := s.UserByToken(ctx, "tok-ada")
	if err != nil {
		t.Fatalf("UserByToken() failed: %v", err)
	}
	if got != u {
		t.Errorf("UserByToken() = %+v, want %+v", got, u)
	}
	if _, err := s.UserByToken(ctx, "nope"); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("unknown token: err = %v, want ErrUnauthorized", err)
	}
	if _, err := s.UserByToken(ctx, ""); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("empty token: err = %v, want ErrUnauthorized", err)
	}
}

// TestCreateUser_DefaultList gives every account one undeletable default list
func TestCreateUser_DefaultList(t *testing.T) {
	s, u := setupStore(t, Options{})
	lists, err := s.Lists(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Lists() failed: %v", err)
	}
	if len(lists) != 1 {
		t.Fatalf("got %d lists, want 1", len(lists))
	}
	l := lists[0]
	if !l.IsDefault || l.Name != model.DefaultListName || l.Version != 1 {
		t.Errorf("default list = %+v", l)
	}
}

// TestCreateReminder_Defaults fills server fields and files the reminder in the default list
func TestCreateReminder_Defaults(t *testing.T) {
	s, u := setupStore(t, Options{})
	r := create(t, s, u.ID, "local-1", "Buy milk")

	if r.ID == "" || r.ID == "local-1" {
		t.Errorf("ID = %q, want a server id", r.ID)
	}
	if r.Version != 1 {
		t.Errorf("Version = %d, want 1", r.Version)
	}
	if r.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", r.Status)
	}
	if r.LocalID == nil || *r.LocalID != "local-1" {
		t.Errorf("LocalID = %v, want local-1", r.LocalID)
	}
	lists, _ := s.Lists(context.Background(), u.ID)
	if r.ListID == nil || *r.ListID != lists[0].ID {
		t.Errorf("ListID = %v, want default list %s", r.ListID, lists[0].ID)
	}
	if lists[0].ReminderCount != 1 {
		t.Errorf("ReminderCount = %d, want 1", lists[0].ReminderCount)
	}
}

// TestCreateReminder_Idempotent returns the first result for a replayed mutation or local id
func TestCreateReminder_Idempotent(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	first := create(t, s, u.ID, "local-1", "Once")

	again, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{MutationID: "m-local-1", LocalID: "local-1", Title: "Once"})
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("replay created %s, want %s", again.ID, first.ID)
	}

	// Same local id under a fresh mutation id.
	other, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{MutationID: "m-2", LocalID: "local-1", Title: "Once"})
	if err != nil {
		t.Fatalf("create with known local id failed: %v", err)
	}
	if other.ID != first.ID {
		t.Errorf("local id dedup created %s, want %s", other.ID, first.ID)
	}

	all, _ := s.Reminders(ctx, u.ID)
	if len(all) != 1 {
		t.Errorf("got %d reminders, want 1", len(all))
	}
}

// TestCreateReminder_Invalid rejects bad input before touching the database
func TestCreateReminder_Invalid(t *testing.T) {
	s, u := setupStore(t, Options{})
	tests := []struct {
		name string
		in   model.CreateReminderInput
	}{
		{"empty title", model.CreateReminderInput{LocalID: "a", Title: " "}},
		{"bad priority", model.CreateReminderInput{LocalID: "a", Title: "x", Priority: 9}},
		{"bad rule", model.CreateReminderInput{LocalID: "a", Title: "x", RecurrenceRule: model.StringPtr("FREQ=HOURLY")}},
		{"no local id", model.CreateReminderInput{Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateReminder(context.Background(), u.ID, tt.in)
			if !errors.Is(err, transport.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// TestCreateReminder_UnknownList is not found
func TestCreateReminder_UnknownList(t *testing.T) {
	s, u := setupStore(t, Options{})
	_, err := s.CreateReminder(context.Background(), u.ID, model.CreateReminderInput{
		LocalID: "a", Title: "x", ListID: model.StringPtr("missing"),
	})
	if !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestUpdateReminder_Version bumps the version and rejects stale writes
func TestUpdateReminder_Version(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	r := create(t, s, u.ID, "local-1", "Draft")

	updated, err := s.UpdateReminder(ctx, u.ID, model.UpdateReminderInput{
		MutationID: "m-up", ID: r.ID, ExpectedVersion: 1,
		Patch: model.ReminderPatch{Title: model.StringPtr("Final")},
	})
	if err != nil {
		t.Fatalf("UpdateReminder() failed: %v", err)
	}
	if updated.Title != "Final" || updated.Version != 2 {
		t.Errorf("updated = %q v%d, want Final v2", updated.Title, updated.Version)
	}

	_, err = s.UpdateReminder(ctx, u.ID, model.UpdateReminderInput{
		MutationID: "m-stale", ID: r.ID, ExpectedVersion: 1,
		Patch: model.ReminderPatch{Title: model.StringPtr("Stale")},
	})
	var conflict *transport.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale update: err = %v, want ConflictError", err)
	}
	if conflict.ServerVersion != 2 || conflict.LocalVersion != 1 || conflict.EntityID != r.ID {
		t.Errorf("conflict = %+v", conflict)
	}

	// Version 0 skips the check and addressing by local id works.
	got, err := s.UpdateReminder(ctx, u.ID, model.UpdateReminderInput{
		MutationID: "m-chained", ID: "local-1",
		Patch: model.ReminderPatch{Priority: ptr(model.PriorityHigh)},
	})
	if err != nil {
		t.Fatalf("unchecked update failed: %v", err)
	}
	if got.Version != 3 || got.Priority != model.PriorityHigh || got.Title != "Final" {
		t.Errorf("got %+v", got)
	}
}

func ptr[T any](v T) *T { return &v }

// TestUpdateReminder_ReplayDoesNotBumpTwice returns the recorded result
func TestUpdateReminder_ReplayDoesNotBumpTwice(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	r := create(t, s, u.ID, "local-1", "Draft")

	in := model.UpdateReminderInput{MutationID: "m-up", ID: r.ID, ExpectedVersion: 1,
		Patch: model.ReminderPatch{Notes: model.StringPtr("n")}}
	first, err := s.UpdateReminder(ctx, u.ID, in)
	if err != nil {
		t.Fatalf("UpdateReminder() failed: %v", err)
	}
	second, err := s.UpdateReminder(ctx, u.ID, in)
	if err != nil {
		t.Fatalf("replayed UpdateReminder() failed: %v", err)
	}
	if first.Version != 2 || second.Version != 2 {
		t.Errorf("versions = %d, %d; want 2, 2", first.Version, second.Version)
	}
}

// TestUpdateReminder_ClearDueAndMove clears fields and resolves the target list
func TestUpdateReminder_ClearDueAndMove(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{LocalID: "r", Title: "x", DueAt: &due})
	if err != nil {
		t.Fatalf("CreateReminder() failed: %v", err)
	}
	l, err := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "list-local", Name: "Work"})
	if err != nil {
		t.Fatalf("CreateList() failed: %v", err)
	}

	got, err := s.UpdateReminder(ctx, u.ID, model.UpdateReminderInput{ID: r.ID,
		Patch: model.ReminderPatch{ClearDueAt: true, ListID: model.StringPtr("list-local")}})
	if err != nil {
		t.Fatalf("UpdateReminder() failed: %v", err)
	}
	if got.DueAt != nil {
		t.Errorf("DueAt = %v, want nil", got.DueAt)
	}
	if got.ListID == nil || *got.ListID != l.ID {
		t.Errorf("ListID = %v, want server id %s", got.ListID, l.ID)
	}
}

// TestCompleteReminder_Recurring advances the due date instead of completing
func TestCompleteReminder_Recurring(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s, u := setupStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	due := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	r, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{
		LocalID: "weekly", Title: "Standup", DueAt: &due, RecurrenceRule: model.StringPtr("FREQ=WEEKLY"),
	})
	if err != nil {
		t.Fatalf("CreateReminder() failed: %v", err)
	}
	got, err := s.CompleteReminder(ctx, u.ID, model.ReminderRef{ID: r.ID, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("CompleteReminder() failed: %v", err)
	}
	want := time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
	if got.Status != model.StatusActive || got.DueAt == nil || !got.DueAt.Equal(want) {
		t.Errorf("got status %s due %v, want active due %v", got.Status, got.DueAt, want)
	}

	once := create(t, s, u.ID, "once", "Once")
	got, err = s.CompleteReminder(ctx, u.ID, model.ReminderRef{ID: once.ID})
	if err != nil {
		t.Fatalf("CompleteReminder() failed: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

// TestSnoozeAndWake snoozes then wakes a reminder once the snooze expires
func TestSnoozeAndWake(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, u := setupStore(t, Options{Now: clock})
	ctx := context.Background()
	r := create(t, s, u.ID, "r", "Call back")

	got, err := s.SnoozeReminder(ctx, u.ID, model.SnoozeReminderInput{ID: r.ID, ExpectedVersion: 1, Minutes: 15})
	if err != nil {
		t.Fatalf("SnoozeReminder() failed: %v", err)
	}
	if got.Status != model.StatusSnoozed || got.SnoozeCount != 1 {
		t.Errorf("got %s count %d, want snoozed count 1", got.Status, got.SnoozeCount)
	}
	if want := now.Add(15 * time.Minute); got.SnoozedUntil == nil || !got.SnoozedUntil.Equal(want) {
		t.Errorf("SnoozedUntil = %v, want %v", got.SnoozedUntil, want)
	}

	woken, err := s.WakeSnoozed(ctx)
	if err != nil {
		t.Fatalf("WakeSnoozed() failed: %v", err)
	}
	if len(woken) != 0 {
		t.Errorf("woke %d users before the snooze expired", len(woken))
	}

	mu.Lock()
	now = now.Add(16 * time.Minute)
	mu.Unlock()
	woken, err = s.WakeSnoozed(ctx)
	if err != nil {
		t.Fatalf("WakeSnoozed() failed: %v", err)
	}
	if len(woken[u.ID]) != 1 || woken[u.ID][0].Status != model.StatusActive || woken[u.ID][0].SnoozedUntil != nil {
		t.Errorf("woken = %+v", woken)
	}

	if _, err := s.SnoozeReminder(ctx, u.ID, model.SnoozeReminderInput{ID: r.ID, Minutes: 0}); !errors.Is(err, transport.ErrInvalidInput) {
		t.Errorf("zero minutes: err = %v, want ErrInvalidInput", err)
	}
}

// TestDeleteReminder removes the row and reports not found afterwards
func TestDeleteReminder(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	r := create(t, s, u.ID, "r", "Temp")

	del, err := s.DeleteReminder(ctx, u.ID, model.ReminderRef{MutationID: "m-del", ID: "r", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("DeleteReminder() failed: %v", err)
	}
	if del.ID != r.ID {
		t.Errorf("deleted %s, want %s", del.ID, r.ID)
	}
	// Replay answers from the record, a new delete is not found.
	if _, err := s.DeleteReminder(ctx, u.ID, model.ReminderRef{MutationID: "m-del", ID: "r"}); err != nil {
		t.Errorf("replayed delete failed: %v", err)
	}
	if _, err := s.DeleteReminder(ctx, u.ID, model.ReminderRef{MutationID: "m-del-2", ID: "r"}); !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

// TestDismissReminder sets the dismissed status
func TestDismissReminder(t *testing.T) {
	s, u := setupStore(t, Options{})
	r := create(t, s, u.ID, "r", "Meh")
	got, err := s.DismissReminder(context.Background(), u.ID, model.ReminderRef{ID: r.ID})
	if err != nil {
		t.Fatalf("DismissReminder() failed: %v", err)
	}
	if got.Status != model.StatusDismissed || got.Version != 2 {
		t.Errorf("got %s v%d, want dismissed v2", got.Status, got.Version)
	}
}

// TestUserIsolation hides other users' data
func TestUserIsolation(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	other, err := s.CreateUser(ctx, model.User{Email: "eve@example.com"}, "tok-eve")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	r := create(t, s, u.ID, "r", "Private")

	if _, err := s.DeleteReminder(ctx, other.ID, model.ReminderRef{ID: r.ID}); !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("cross-user delete: err = %v, want ErrNotFound", err)
	}
	got, _ := s.Reminders(ctx, other.ID)
	if len(got) != 0 {
		t.Errorf("other user sees %d reminders", len(got))
	}
}

// TestCreateList_PremiumLimit caps custom lists on free accounts
func TestCreateList_PremiumLimit(t *testing.T) {
	s, u := setupStore(t, Options{PremiumListLimit: 2})
	ctx := context.Background()

	for i, name := range []string{"Work", "Home"} {
		l, err := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: name, Name: name})
		if err != nil {
			t.Fatalf("CreateList(%s) failed: %v", name, err)
		}
		if l.SortOrder != i+1 {
			t.Errorf("%s SortOrder = %d, want %d", name, l.SortOrder, i+1)
		}
		if l.ColorHex != model.DefaultListColor || l.IconName != model.DefaultListIcon {
			t.Errorf("%s defaults not applied: %+v", name, l)
		}
	}

	_, err := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "Gym", Name: "Gym"})
	if !errors.Is(err, transport.ErrPremiumRequired) {
		t.Fatalf("third list: err = %v, want ErrPremiumRequired", err)
	}

	if err := s.SetPremium(ctx, u.ID, true); err != nil {
		t.Fatalf("SetPremium() failed: %v", err)
	}
	if _, err := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "Gym", Name: "Gym"}); err != nil {
		t.Errorf("premium CreateList() failed: %v", err)
	}
}

// TestDeleteList_MovesReminders reassigns reminders to the default list
func TestDeleteList_MovesReminders(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	l, err := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "w", Name: "Work"})
	if err != nil {
		t.Fatalf("CreateList() failed: %v", err)
	}
	r, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{LocalID: "r", Title: "Report", ListID: &l.ID})
	if err != nil {
		t.Fatalf("CreateReminder() failed: %v", err)
	}

	res, err := s.DeleteList(ctx, u.ID, model.DeleteListInput{MutationID: "m-dl", ID: l.ID})
	if err != nil {
		t.Fatalf("DeleteList() failed: %v", err)
	}
	if res.Deleted.ID != l.ID {
		t.Errorf("deleted %s, want %s", res.Deleted.ID, l.ID)
	}
	if len(res.Moved) != 1 || res.Moved[0].ID != r.ID || res.Moved[0].Version != 2 {
		t.Fatalf("moved = %+v", res.Moved)
	}

	lists, _ := s.Lists(ctx, u.ID)
	if len(lists) != 1 || !lists[0].IsDefault {
		t.Fatalf("lists = %+v, want only the default", lists)
	}
	if *res.Moved[0].ListID != lists[0].ID {
		t.Errorf("moved to %s, want default %s", *res.Moved[0].ListID, lists[0].ID)
	}

	if _, err := s.DeleteList(ctx, u.ID, model.DeleteListInput{ID: lists[0].ID}); !errors.Is(err, transport.ErrInvalidInput) {
		t.Errorf("deleting default: err = %v, want ErrInvalidInput", err)
	}
	if _, err := s.DeleteList(ctx, u.ID, model.DeleteListInput{ID: "missing"}); !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("deleting unknown: err = %v, want ErrNotFound", err)
	}
}

// TestReorderLists assigns positions in the given order
func TestReorderLists(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	a, _ := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "a", Name: "A"})
	b, _ := s.CreateList(ctx, u.ID, model.CreateListInput{LocalID: "b", Name: "B"})
	def, _ := defaultList(ctx, s.conn, u.ID)

	got, err := s.ReorderLists(ctx, u.ID, model.ReorderListsInput{IDs: []string{b.ID, "a", def.ID}})
	if err != nil {
		t.Fatalf("ReorderLists() failed: %v", err)
	}
	var names []string
	for _, l := range got {
		names = append(names, l.Name)
	}
	if len(names) != 3 || names[0] != "B" || names[1] != "A" || names[2] != model.DefaultListName {
		t.Errorf("order = %v, want [B A %s]", names, model.DefaultListName)
	}
	if got[1].ID != a.ID || got[1].Version != 2 {
		t.Errorf("A = %+v, want version 2", got[1])
	}

	if _, err := s.ReorderLists(ctx, u.ID, model.ReorderListsInput{IDs: []string{"a", "a"}}); !errors.Is(err, transport.ErrInvalidInput) {
		t.Errorf("duplicate ids: err = %v, want ErrInvalidInput", err)
	}
}

// TestPruneApplied forgets old mutation records
func TestPruneApplied(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()
	create(t, s, u.ID, "r", "x")

	n, err := s.PruneApplied(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneApplied() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

// TestConcurrentWrites serializes writers without SQLITE_BUSY failures
func TestConcurrentWrites(t *testing.T) {
	s, u := setupStore(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, err := s.CreateReminder(ctx, u.ID, model.CreateReminderInput{MutationID: id, LocalID: id, Title: id})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent create failed: %v", err)
		}
	}
	got, _ := s.Reminders(ctx, u.ID)
	if len(got) != 20 {
		t.Errorf("got %d reminders, want 20", len(got))
	}
}
