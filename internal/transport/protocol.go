package transport

import (
	"encoding/json"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/joltapp/jolt-sync/internal/model"
)

// ProtocolVersion is the wire protocol spoken by this build. Peers are
// compatible when they share the semver major version.
const ProtocolVersion = "v1.1.0"

// FrameType discriminates websocket messages.
type FrameType string

const (
	// FrameHello is the first client message: credentials and protocol version.
	FrameHello FrameType = "hello"
	// FrameWelcome is the server's reply to a successful hello.
	FrameWelcome FrameType = "welcome"
	// FrameRequest carries an operation and its variables.
	FrameRequest FrameType = "request"
	// FrameResponse answers the request with the same ID.
	FrameResponse FrameType = "response"
	// FrameSubscribe registers the connection for push topics.
	FrameSubscribe FrameType = "subscribe"
	// FrameUnsubscribe removes push topics.
	FrameUnsubscribe FrameType = "unsubscribe"
	// FrameEvent is a server-pushed change notification.
	FrameEvent FrameType = "event"
)

// Frame is the single envelope used in both directions. Which fields are set
// depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Request correlation.
	ID string `json:"id,omitempty"`

	// hello / welcome
	Token    string      `json:"token,omitempty"`
	DeviceID string      `json:"deviceId,omitempty"`
	Version  string      `json:"version,omitempty"`
	User     *model.User `json:"user,omitempty"`

	// request / response
	Op    Operation       `json:"op,omitempty"`
	Vars  json.RawMessage `json:"vars,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`

	// subscribe / unsubscribe / event
	Topics []Topic `json:"topics,omitempty"`
	Event  *Event  `json:"event,omitempty"`
}

// CheckVersion returns ErrProtocol unless both versions are valid semver
// strings with the same major version.
func CheckVersion(local, remote string) error {
	if !semver.IsValid(local) {
		return fmt.Errorf("%w: local version %q is not valid semver", ErrProtocol, local)
	}
	if !semver.IsValid(remote) {
		return fmt.Errorf("%w: peer version %q is not valid semver", ErrProtocol, remote)
	}
	if semver.Major(local) != semver.Major(remote) {
		return fmt.Errorf("%w: peer speaks %s, this build speaks %s", ErrProtocol, remote, local)
	}
	return nil
}

// DecodeEntity unmarshals the entity carried by a created/updated event.
// It returns false when the event has no entity.
func (e *Event) DecodeEntity(v any) (bool, error) {
	if len(e.Entity) == 0 || string(e.Entity) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(e.Entity, v); err != nil {
		return true, fmt.Errorf("failed to decode %s entity %s: %w", e.Topic, e.EntityID, err)
	}
	return true, nil
}
