package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTitleLength is the longest title accepted for reminders and lists.
const MaxTitleLength = 500

var (
	ErrInvalidPriority = errors.New("model: invalid priority")
	ErrInvalidStatus   = errors.New("model: invalid status")
)

// Priority is ordered: PriorityNone < PriorityLow < PriorityNormal < PriorityHigh.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) IsValid() bool {
	return p >= PriorityNone && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority accepts the names returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PriorityNone, nil
	case "low":
		return PriorityLow, nil
	case "normal", "medium":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNone, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Status is the lifecycle state of a reminder.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusSnoozed   Status = "snoozed"
	StatusDismissed Status = "dismissed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusSnoozed, StatusDismissed:
		return true
	default:
		return false
	}
}

// Reminder is a single reminder as seen by clients.
//
// ID is stable once the server has acknowledged the create. Before that, the
// optimistic copy uses its LocalID as ID.
type Reminder struct {
	ID             string     `json:"id"`
	ListID         *string    `json:"listId,omitempty"`
	Title          string     `json:"title"`
	Notes          *string    `json:"notes,omitempty"`
	Priority       Priority   `json:"priority"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	AllDay         bool       `json:"allDay"`
	RecurrenceRule *string    `json:"recurrenceRule,omitempty"`
	Status         Status     `json:"status"`
	SnoozedUntil   *time.Time `json:"snoozedUntil,omitempty"`
	SnoozeCount    int        `json:"snoozeCount"`
	LocalID        *string    `json:"localId,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Validate checks field values; it does not check ID, which may be a local id.
func (r *Reminder) Validate() error {
	if err := ValidateTitle(r.Title); err != nil {
		return err
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, r.Priority)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.RecurrenceRule != nil {
		if _, err := ParseRule(*r.RecurrenceRule); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether key identifies this reminder, either by server id
// or by the client-generated local id.
func (r *Reminder) Matches(key string) bool {
	if key == "" {
		return false
	}
	return r.ID == key || (r.LocalID != nil && *r.LocalID == key)
}

// IsPending reports whether the reminder has not been acknowledged by the server yet.
func (r *Reminder) IsPending() bool {
	return r.Version == 0
}

// Clone returns a deep copy.
func (r Reminder) Clone() Reminder {
	r.ListID = cloneString(r.ListID)
	r.Notes = cloneString(r.Notes)
	r.RecurrenceRule = cloneString(r.RecurrenceRule)
	r.LocalID = cloneString(r.LocalID)
	r.DueAt = cloneTime(r.DueAt)
	r.SnoozedUntil = cloneTime(r.SnoozedUntil)
	return r
}

// ValidateTitle rejects empty or overly long titles.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("title is required")
	}
	if len(title) > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(title))
	}
	return nil
}

// ReminderPatch is a partial update. Nil fields are left unchanged.
type ReminderPatch struct {
	Title          *string    `json:"title,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	ListID         *string    `json:"listId,omitempty"`
	Priority       *Priority  `json:"priority,omitempty"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	ClearDueAt     bool       `json:"clearDueAt,omitempty"`
	AllDay         *bool      `json:"allDay,omitempty"`
	RecurrenceRule *string    `json:"recurrenceRule,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ReminderPatch) IsEmpty() bool {
	return p.Title == nil && p.Notes == nil && p.ListID == nil && p.Priority == nil &&
		p.DueAt == nil && !p.ClearDueAt && p.AllDay == nil && p.RecurrenceRule == nil
}

func (p ReminderPatch) Validate() error {
	if p.IsEmpty() {
		return errors.New("patch changes nothing")
	}
	if p.Title != nil {
		if err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Priority != nil && !p.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, *p.Priority)
	}
	if p.DueAt != nil && p.ClearDueAt {
		return errors.New("dueAt and clearDueAt are mutually exclusive")
	}
	if p.RecurrenceRule != nil && *p.RecurrenceRule != "" {
		if _, err := ParseRule(*p.RecurrenceRule); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the patch onto r. An empty RecurrenceRule clears the rule.
func (p ReminderPatch) Apply(r *Reminder) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Notes != nil {
		r.Notes = cloneString(p.Notes)
	}
	if p.ListID != nil {
		r.ListID = cloneString(p.ListID)
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.DueAt != nil {
		r.DueAt = cloneTime(p.DueAt)
	}
	if p.ClearDueAt {
		r.DueAt = nil
	}
	if p.AllDay != nil {
		r.AllDay = *p.AllDay
	}
	if p.RecurrenceRule != nil {
		if *p.RecurrenceRule == "" {
			r.RecurrenceRule = nil
		} else {
			r.RecurrenceRule = cloneString(p.RecurrenceRule)
		}
	}
}

// DecodeReminder unmarshals and validates a reminder.
func DecodeReminder(data []byte) (*Reminder, error) {
	var r Reminder
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse reminder: %w", err)
	}
	if r.ID == "" {
		return nil, errors.New("reminder id is required")
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reminder %s: %w", r.ID, err)
	}
	return &r, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
