// Package transport defines the RPC client the sync engine consumes, the wire
// protocol shared with the reference server, the error taxonomy, and the
// query cache backing live watches.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
)

// Operation names a remote request.
type Operation string

const (
	OpReminders      Operation = "reminders"
	OpReminderLists  Operation = "reminderLists"
	OpCurrentUser    Operation = "me"
	OpCreateReminder Operation = "createReminder"
	OpUpdateReminder Operation = "updateReminder"
	OpDeleteReminder Operation = "deleteReminder"
	OpCompleteRem    Operation = "completeReminder"
	OpSnoozeReminder Operation = "snoozeReminder"
	OpDismissRem     Operation = "dismissReminder"
	OpCreateList     Operation = "createList"
	OpDeleteList     Operation = "deleteList"
	OpReorderLists   Operation = "reorderLists"
)

// Query identifies a standing live query.
type Query string

const (
	QueryReminders   Query = "reminders"
	QueryLists       Query = "reminderLists"
	QueryCurrentUser Query = "currentUser"
)

// Operation returns the request that resolves the query.
func (q Query) Operation() Operation {
	switch q {
	case QueryReminders:
		return OpReminders
	case QueryLists:
		return OpReminderLists
	default:
		return OpCurrentUser
	}
}

// Result is one snapshot delivered by a watch. Exactly one of the data fields
// is meaningful, selected by Query. Err is set instead of data on failure.
//
// Seq orders results of the same watch: a result with a lower Seq than one
// already delivered is stale and must be dropped.
type Result struct {
	Query     Query
	Seq       uint64
	Reminders []model.Reminder
	Lists     []model.ReminderList
	User      *model.User
	Err       error
	FetchedAt time.Time
}

// Topic selects a push stream.
type Topic string

const (
	TopicReminders Topic = "reminders"
	TopicLists     Topic = "reminderLists"
)

// Action is what happened to the entity in a change event.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is a server-pushed change notification. Entity is the full entity as
// JSON for created/updated events and may be absent.
type Event struct {
	Topic     Topic           `json:"topic"`
	Action    Action          `json:"action"`
	EntityID  string          `json:"entityId"`
	Entity    json.RawMessage `json:"entity,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is the transport the engine needs.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Connect opens the persistent connection used by requests and push streams.
	// Calling Connect on a connected client is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Watches and subscriptions stay
	// registered but receive nothing until the next Connect.
	Disconnect() error

	// Request performs a single request/response call. vars is marshalled to
	// JSON; when out is non-nil the response data is unmarshalled into it.
	// Errors are classified with the sentinels in errors.go.
	Request(ctx context.Context, op Operation, vars any, out any) error

	// Watch establishes a standing query. The handle emits a Result on every
	// change to the query's cached data and on each Refetch.
	Watch(ctx context.Context, q Query) (WatchHandle, error)

	// Subscribe opens a push stream for the given topics.
	Subscribe(ctx context.Context, topics ...Topic) (Subscription, error)

	// Evict removes an entity from every cached query result and re-emits
	// the affected watches.
	Evict(entityID string)
}

// WatchHandle is a live query registration.
type WatchHandle interface {
	// C delivers results. It is closed by Cancel.
	C() <-chan Result
	// Refetch forces a network round trip that bypasses the cache.
	Refetch(ctx context.Context) error
	// Cancel unregisters the watch. Nothing is delivered after Cancel returns.
	Cancel()
}

// Subscription is a push stream registration.
type Subscription interface {
	// C delivers events. It is closed by Cancel.
	C() <-chan Event
	// Cancel unregisters the stream. Nothing is delivered after Cancel returns.
	Cancel()
}
