package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OperationType is the kind of write a queued mutation performs.
type OperationType string

const (
	OpCreate   OperationType = "create"
	OpUpdate   OperationType = "update"
	OpDelete   OperationType = "delete"
	OpComplete OperationType = "complete"
	OpSnooze   OperationType = "snooze"
	OpDismiss  OperationType = "dismiss"
	OpReorder  OperationType = "reorder"
)

func (o OperationType) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpComplete, OpSnooze, OpDismiss, OpReorder:
		return true
	default:
		return false
	}
}

// EntityType is the kind of entity a mutation targets.
type EntityType string

const (
	EntityReminder EntityType = "reminder"
	EntityList     EntityType = "list"
)

func (e EntityType) IsValid() bool {
	return e == EntityReminder || e == EntityList
}

// QueuedMutation is a write that could not complete synchronously.
//
// EntityID is nil for creates that the server has not acknowledged; those are
// correlated through LocalID. Payload holds the operation's RPC variables.
type QueuedMutation struct {
	ID            string          `json:"id"`
	OperationType OperationType   `json:"operationType"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      *string         `json:"entityId,omitempty"`
	LocalID       *string         `json:"localId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	LastError     *string         `json:"lastError,omitempty"`
}

func (m *QueuedMutation) Validate() error {
	if m.ID == "" {
		return errors.New("mutation id is required")
	}
	if !m.OperationType.IsValid() {
		return fmt.Errorf("invalid operation type %q", m.OperationType)
	}
	if !m.EntityType.IsValid() {
		return fmt.Errorf("invalid entity type %q", m.EntityType)
	}
	if m.OperationType != OpReorder && m.EntityKey() == "" {
		return errors.New("entity id or local id is required")
	}
	if len(m.Payload) == 0 || !json.Valid(m.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retry count must be non-negative (got %d)", m.RetryCount)
	}
	return nil
}

// EntityKey returns the entity id, or the local id for unacknowledged creates.
func (m *QueuedMutation) EntityKey() string {
	if m.EntityID != nil && *m.EntityID != "" {
		return *m.EntityID
	}
	if m.LocalID != nil {
		return *m.LocalID
	}
	return ""
}

// WithFailure returns a copy with the retry count incremented and the error recorded.
// The receiver is left untouched.
func (m QueuedMutation) WithFailure(err error) QueuedMutation {
	m.RetryCount++
	if err != nil {
		msg := err.Error()
		m.LastError = &msg
	}
	return m
}

// DecodePayload unmarshals the payload into v.
func (m *QueuedMutation) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s %s payload: %w", m.OperationType, m.EntityType, err)
	}
	return nil
}
