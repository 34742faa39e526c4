package transport

import (
	"errors"
	"fmt"
)

// Errors returned by Client operations.
//
// Check them with errors.Is:
//
//	if errors.Is(err, transport.ErrOffline) {
//	    // queue the mutation and try again later
//	}
var (
	// ErrInvalidInput is returned when the arguments are rejected, locally
	// or by the server. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOffline is returned when there is no connection; the request never
	// left the device.
	ErrOffline = errors.New("offline")

	// ErrNetwork is returned when the connection failed mid-request.
	ErrNetwork = errors.New("network error")

	// ErrServer is returned for 5xx-class server failures.
	ErrServer = errors.New("server error")

	// ErrUnauthorized is returned when the credentials are missing or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the account may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when the target entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the expected version does not match the
	// server's. The concrete error is a *ConflictError.
	ErrConflict = errors.New("version conflict")

	// ErrPremiumRequired is returned when the operation needs a premium account.
	ErrPremiumRequired = errors.New("premium required")

	// ErrProtocol is returned when the peer speaks an incompatible protocol.
	ErrProtocol = errors.New("incompatible protocol")
)

// ConflictError reports an optimistic-concurrency mismatch.
type ConflictError struct {
	EntityID      string
	ServerVersion int64
	LocalVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: server at %d, local at %d", e.EntityID, e.ServerVersion, e.LocalVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Code is the wire form of an error class.
type Code string

const (
	CodeInvalidInput    Code = "invalid_input"
	CodeNetwork         Code = "network"
	CodeServer          Code = "server"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodePremiumRequired Code = "premium_required"
	CodeProtocol        Code = "protocol"
)

var codeErrors = map[Code]error{
	CodeInvalidInput:    ErrInvalidInput,
	CodeNetwork:         ErrNetwork,
	CodeServer:          ErrServer,
	CodeUnauthorized:    ErrUnauthorized,
	CodeForbidden:       ErrForbidden,
	CodeNotFound:        ErrNotFound,
	CodeConflict:        ErrConflict,
	CodePremiumRequired: ErrPremiumRequired,
	CodeProtocol:        ErrProtocol,
}

// WireError is an error as carried in a response frame.
type WireError struct {
	Code          Code   `json:"code"`
	Message       string `json:"message"`
	EntityID      string `json:"entityId,omitempty"`
	ServerVersion int64  `json:"serverVersion,omitempty"`
	LocalVersion  int64  `json:"localVersion,omitempty"`
}

// Err converts the wire error back into a classified Go error.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	if w.Code == CodeConflict {
		return &ConflictError{EntityID: w.EntityID, ServerVersion: w.ServerVersion, LocalVersion: w.LocalVersion}
	}
	sentinel, ok := codeErrors[w.Code]
	if !ok {
		sentinel = ErrServer
	}
	if w.Message == "" || w.Message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, w.Message)
}

// ToWire classifies err for transmission. Unclassified errors become server errors.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return &WireError{
			Code:          CodeConflict,
			Message:       err.Error(),
			EntityID:      conflict.EntityID,
			ServerVersion: conflict.ServerVersion,
			LocalVersion:  conflict.LocalVersion,
		}
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return &WireError{Code: code, Message: err.Error()}
		}
	}
	return &WireError{Code: CodeServer, Message: err.Error()}
}

// IsRetryable returns true if the request may succeed when repeated later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrOffline) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServer)
}

// IsAuth returns true if the error requires the user to re-authenticate.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// IsPermanent returns true if repeating the request cannot succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPremiumRequired) ||
		errors.Is(err, ErrProtocol)
}
