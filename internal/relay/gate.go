package relay

import "errors"

// ErrUnauthorized marks an event from a sender other than the configured one.
var ErrUnauthorized = errors.New("sender not authorized")

// Gate authorizes a sender identity against the single allow-listed identity.
// Pure and side-effect free; the configured identity never appears in any
// outbound message.
type Gate struct {
	allowed int64
}

// NewGate fixes the allow-listed sender at construction.
func NewGate(allowed int64) *Gate {
	return &Gate{allowed: allowed}
}

// Authorize reports whether the sender is the allow-listed identity.
func (g *Gate) Authorize(senderID int64) bool {
	return senderID == g.allowed
}
