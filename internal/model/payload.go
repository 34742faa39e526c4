package model

import (
	"errors"
	"time"
)

// CreateReminderInput creates a reminder. The server treats (user, LocalID) as
// unique, so a replayed create returns the already-created reminder.
type CreateReminderInput struct {
	MutationID     string     `json:"mutationId"`
	LocalID        string     `json:"localId"`
	ListID         *string    `json:"listId,omitempty"`
	Title          string     `json:"title"`
	Notes          *string    `json:"notes,omitempty"`
	Priority       Priority   `json:"priority"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	AllDay         bool       `json:"allDay"`
	RecurrenceRule *string    `json:"recurrenceRule,omitempty"`
}

func (in CreateReminderInput) Validate() error {
	if err := ValidateTitle(in.Title); err != nil {
		return err
	}
	if !in.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if in.RecurrenceRule != nil && *in.RecurrenceRule != "" {
		if _, err := ParseRule(*in.RecurrenceRule); err != nil {
			return err
		}
	}
	return nil
}

// UpdateReminderInput patches a reminder. ExpectedVersion 0 skips the
// version check (used by mutations chained behind an earlier queued write).
type UpdateReminderInput struct {
	MutationID      string        `json:"mutationId"`
	ID              string        `json:"id"`
	ExpectedVersion int64         `json:"expectedVersion"`
	Patch           ReminderPatch `json:"patch"`
}

// ReminderRef targets a reminder for delete, complete and dismiss.
type ReminderRef struct {
	MutationID      string `json:"mutationId"`
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type SnoozeReminderInput struct {
	MutationID      string `json:"mutationId"`
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Minutes         int    `json:"minutes"`
}

func (in SnoozeReminderInput) Validate() error {
	if in.Minutes <= 0 {
		return errors.New("snooze minutes must be positive")
	}
	if in.Minutes > 60*24*365 {
		return errors.New("snooze minutes must be at most one year")
	}
	return nil
}

type CreateListInput struct {
	MutationID string `json:"mutationId"`
	LocalID    string `json:"localId"`
	Name       string `json:"name"`
	ColorHex   string `json:"colorHex,omitempty"`
	IconName   string `json:"iconName,omitempty"`
}

func (in CreateListInput) Validate() error {
	l := ReminderList{Name: in.Name, ColorHex: in.ColorHex}
	return l.Validate()
}

type DeleteListInput struct {
	MutationID string `json:"mutationId"`
	ID         string `json:"id"`
}

// ReorderListsInput assigns SortOrder by position in IDs.
type ReorderListsInput struct {
	MutationID string   `json:"mutationId"`
	IDs        []string `json:"ids"`
}

func (in ReorderListsInput) Validate() error {
	if len(in.IDs) == 0 {
		return errors.New("at least one list id is required")
	}
	seen := make(map[string]bool, len(in.IDs))
	for _, id := range in.IDs {
		if id == "" {
			return errors.New("list id must not be empty")
		}
		if seen[id] {
			return errors.New("duplicate list id in reorder")
		}
		seen[id] = true
	}
	return nil
}

// DeletedEntity is returned by delete operations.
type DeletedEntity struct {
	ID string `json:"id"`
}
