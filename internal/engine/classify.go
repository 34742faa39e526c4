package engine

import (
	"context"
	"errors"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// outcome is what a remote write attempt means for its mutation.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomePermanent
	outcomeRetry
	// outcomeOffline and outcomeAuth stop a replay pass without charging
	// the mutation a retry.
	outcomeOffline
	outcomeAuth
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeConflict:
		return "conflict"
	case outcomePermanent:
		return "permanent failure"
	case outcomeRetry:
		return "retryable failure"
	case outcomeOffline:
		return "offline"
	case outcomeAuth:
		return "unauthorized"
	default:
		return "unknown"
	}
}

func classify(m model.QueuedMutation, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, transport.ErrNotFound) && m.OperationType == model.OpDelete:
		// Already gone is what a delete wants.
		return outcomeSuccess
	case errors.Is(err, transport.ErrConflict):
		return outcomeConflict
	case errors.Is(err, transport.ErrOffline),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return outcomeOffline
	case transport.IsAuth(err):
		return outcomeAuth
	case transport.IsPermanent(err):
		return outcomePermanent
	default:
		// Network and server errors, and anything unrecognised.
		return outcomeRetry
	}
}
