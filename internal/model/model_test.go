package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReminderValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Reminder
		wantErr bool
	}{
		{
			name: "valid",
			r:    Reminder{ID: "r1", Title: "Buy milk", Status: StatusActive},
		},
		{
			name:    "empty title",
			r:       Reminder{ID: "r1", Title: "   ", Status: StatusActive},
			wantErr: true,
		},
		{
			name:    "title too long",
			r:       Reminder{ID: "r1", Title: strings.Repeat("x", MaxTitleLength+1), Status: StatusActive},
			wantErr: true,
		},
		{
			name:    "bad priority",
			r:       Reminder{ID: "r1", Title: "x", Priority: Priority(9), Status: StatusActive},
			wantErr: true,
		},
		{
			name:    "bad status",
			r:       Reminder{ID: "r1", Title: "x", Status: "archived"},
			wantErr: true,
		},
		{
			name:    "bad recurrence",
			r:       Reminder{ID: "r1", Title: "x", Status: StatusActive, RecurrenceRule: StringPtr("FREQ=HOURLY")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityNone < PriorityLow && PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh) {
		t.Fatal("priorities are not ordered none < low < normal < high")
	}

	p, err := ParsePriority("HIGH")
	if err != nil || p != PriorityHigh {
		t.Errorf("ParsePriority(HIGH) = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("ParsePriority(urgent) error = %v, want ErrInvalidPriority", err)
	}
}

func TestReminderMatches(t *testing.T) {
	r := Reminder{ID: "srv-1", LocalID: StringPtr("loc-1")}
	if !r.Matches("srv-1") || !r.Matches("loc-1") {
		t.Error("expected match by id and local id")
	}
	if r.Matches("") || r.Matches("other") {
		t.Error("unexpected match")
	}
}

func TestReminderPatchApply(t *testing.T) {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := Reminder{ID: "r1", Title: "old", DueAt: &due, RecurrenceRule: StringPtr("FREQ=DAILY")}

	high := PriorityHigh
	patch := ReminderPatch{
		Title:          StringPtr("new"),
		Priority:       &high,
		ClearDueAt:     true,
		RecurrenceRule: StringPtr(""),
	}
	if err := patch.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	patch.Apply(&r)

	if r.Title != "new" || r.Priority != PriorityHigh {
		t.Errorf("title/priority not applied: %+v", r)
	}
	if r.DueAt != nil {
		t.Error("expected due date cleared")
	}
	if r.RecurrenceRule != nil {
		t.Error("expected recurrence cleared")
	}

	if err := (ReminderPatch{}).Validate(); err == nil {
		t.Error("expected empty patch to be rejected")
	}
}

func TestReminderCloneIsDeep(t *testing.T) {
	r := Reminder{ID: "r1", Title: "x", Notes: StringPtr("a")}
	c := r.Clone()
	*c.Notes = "b"
	if *r.Notes != "a" {
		t.Error("Clone shares notes pointer")
	}
}

func TestQueuedMutationValidate(t *testing.T) {
	now := time.Now()
	valid := QueuedMutation{
		ID:            "m1",
		OperationType: OpCreate,
		EntityType:    EntityReminder,
		LocalID:       StringPtr("loc-1"),
		Payload:       json.RawMessage(`{"title":"x"}`),
		CreatedAt:     now,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if valid.EntityKey() != "loc-1" {
		t.Errorf("EntityKey() = %q, want loc-1", valid.EntityKey())
	}

	bad := valid
	bad.Payload = json.RawMessage(`{not json`)
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid payload error")
	}

	bad = valid
	bad.LocalID = nil
	if err := bad.Validate(); err == nil {
		t.Error("expected missing entity key error")
	}

	reorder := valid
	reorder.OperationType = OpReorder
	reorder.EntityType = EntityList
	reorder.LocalID = nil
	if err := reorder.Validate(); err != nil {
		t.Errorf("reorder without entity key should be valid: %v", err)
	}
}

func TestQueuedMutationWithFailure(t *testing.T) {
	m := QueuedMutation{ID: "m1", RetryCount: 1}
	next := m.WithFailure(errors.New("boom"))

	if m.RetryCount != 1 || m.LastError != nil {
		t.Error("WithFailure mutated the receiver")
	}
	if next.RetryCount != 2 || next.LastError == nil || *next.LastError != "boom" {
		t.Errorf("unexpected successor: %+v", next)
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in      string
		want    Rule
		wantErr bool
	}{
		{in: "FREQ=DAILY", want: Rule{Freq: FreqDaily, Interval: 1}},
		{in: "RRULE:FREQ=WEEKLY;INTERVAL=2", want: Rule{Freq: FreqWeekly, Interval: 2}},
		{in: "freq=monthly", want: Rule{Freq: FreqMonthly, Interval: 1}},
		{in: "", wantErr: true},
		{in: "INTERVAL=2", wantErr: true},
		{in: "FREQ=DAILY;INTERVAL=0", wantErr: true},
		{in: "FREQ=DAILY;BYDAY=MO", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRule(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRuleNext(t *testing.T) {
	due := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 5, 9, 0, 0, 0, time.UTC)

	rule := Rule{Freq: FreqDaily, Interval: 2}
	next := rule.Next(due, now)
	if got := next.Format("2006-01-02 15:04"); got != "2026-02-07 08:00" {
		t.Errorf("Next() = %s, want 2026-02-07 08:00", got)
	}

	weekly := Rule{Freq: FreqWeekly, Interval: 1}
	next = weekly.Next(due, due)
	if got := next.Format("2006-01-02"); got != "2026-02-08" {
		t.Errorf("weekly Next() = %s, want 2026-02-08", got)
	}
}

func TestReorderListsInputValidate(t *testing.T) {
	if err := (ReorderListsInput{IDs: []string{"a", "b"}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (ReorderListsInput{IDs: []string{"a", "a"}}).Validate(); err == nil {
		t.Error("expected duplicate id error")
	}
	if err := (ReorderListsInput{}).Validate(); err == nil {
		t.Error("expected empty ids error")
	}
}
