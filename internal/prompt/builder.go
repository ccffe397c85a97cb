// Package prompt assembles the ordered message list sent to the inference
// server: system prompt first, the history window oldest-to-newest, the new
// turn last.
package prompt

import (
	"errors"

	"RelayChat/internal/llm"
	"RelayChat/internal/turns"
)

// ErrEmptyTurn rejects a new turn carrying neither text nor image content.
var ErrEmptyTurn = errors.New("turn has no content")

// Builder is deterministic and stateless apart from its configuration.
type Builder struct {
	systemPrompt string
	charBudget   int
}

// NewBuilder configures the fixed system prompt and the serialized-payload
// budget. A zero budget disables truncation.
func NewBuilder(systemPrompt string, charBudget int) *Builder {
	return &Builder{systemPrompt: systemPrompt, charBudget: charBudget}
}

// Build produces the request message list. If the assembled payload would
// exceed the budget, the oldest non-system turns are dropped first; the
// system prompt and the new turn are never dropped.
func (b *Builder) Build(window []turns.Turn, newTurn turns.Turn) ([]llm.Message, error) {
	if newTurn.Empty() {
		return nil, ErrEmptyTurn
	}

	system := turns.Text(turns.RoleSystem, b.systemPrompt)
	body := window
	// The window may already lead with the stored system turn; never send it
	// twice.
	if len(body) > 0 && body[0].Role == turns.RoleSystem {
		system = body[0]
		body = body[1:]
	}

	if b.charBudget > 0 {
		total := system.PayloadLen() + newTurn.PayloadLen()
		for _, t := range body {
			total += t.PayloadLen()
		}
		for total > b.charBudget && len(body) > 0 {
			total -= body[0].PayloadLen()
			body = body[1:]
		}
	}

	messages := make([]llm.Message, 0, len(body)+2)
	if b.systemPrompt != "" || system.Text != "" {
		messages = append(messages, llm.Message{Role: turns.RoleSystem, Content: system.Content()})
	}
	for _, t := range body {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content()})
	}
	messages = append(messages, llm.Message{Role: newTurn.Role, Content: newTurn.Content()})

	return messages, nil
}
