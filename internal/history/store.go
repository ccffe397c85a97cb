// Package history persists the per-conversation turn log and serves the
// bounded window replayed to the model on each inference call.
package history

import (
	"context"
	"errors"

	"RelayChat/internal/turns"
)

// ErrUnavailable indicates the backing storage could not be read or written.
var ErrUnavailable = errors.New("history store unavailable")

// Store is the durable conversation log. Turns beyond the window stay in
// storage for audit and the /clear command; only Window bounds what the model
// sees.
type Store interface {
	// Append durably records a turn at the next sequence number for the
	// conversation. Concurrent appends to the same conversation are
	// serialized by the store.
	Append(ctx context.Context, conversationID int64, turn turns.Turn) error

	// Window returns up to maxTurns most recent turns, oldest first. If the
	// conversation has a system turn it is always included, even when that
	// makes the result maxTurns+1 long.
	Window(ctx context.Context, conversationID int64, maxTurns int) ([]turns.Turn, error)

	// Clear removes every turn of the conversation and reports how many were
	// deleted.
	Clear(ctx context.Context, conversationID int64) (int64, error)
}
