package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const welcomeMessage = `Hello! I am a relay to a local LLM with vision support.

Available commands:
/help - full help
/stats - system statistics
/clear - wipe the conversation history

Send me an image and I will analyze it, or just write and we will chat.
Your history is saved automatically.`

const helpMessage = `Commands:
/start - welcome message
/help - this help
/stats - system statistics
/clear - wipe the conversation history

Features:
- image analysis (vision models)
- conversation with context
- persistent history

The bot talks to a local inference server. Use /stats to see the active model.`

// handleCommand routes the slash commands the transport passes through as
// plain text. Unknown commands get a short pointer to /help.
func (c *Controller) handleCommand(ctx context.Context, ev Event, log *slog.Logger) error {
	cmd := strings.Fields(ev.Text)[0]
	log.Info("handling command", "command", cmd)

	switch cmd {
	case "/start":
		c.send(ctx, ev.ConversationID, welcomeMessage)

	case "/help":
		c.send(ctx, ev.ConversationID, helpMessage)

	case "/stats":
		c.send(ctx, ev.ConversationID, c.statsMessage(ctx))

	case "/clear":
		lock := c.locks.get(ev.ConversationID)
		lock.Lock()
		deleted, err := c.store.Clear(ctx, ev.ConversationID)
		lock.Unlock()
		if err != nil {
			log.Error("failed to clear history", "error", err)
			c.fail(ctx, ev.ConversationID, "I could not clear the conversation history. Please try again.")
			return err
		}
		c.send(ctx, ev.ConversationID, fmt.Sprintf("Conversation history cleared. Removed %d messages. Let's start over!", deleted))

	default:
		c.send(ctx, ev.ConversationID, "Unknown command. Try /help.")
	}
	return nil
}

func (c *Controller) statsMessage(ctx context.Context) string {
	status := "offline"
	model := "unknown"
	if models, err := c.client.Models(ctx); err == nil {
		status = "online"
		if len(models) > 0 {
			model = models[0]
		}
	}

	snap := c.stats.Snapshot()
	hours := int(snap.Uptime.Hours())
	minutes := int(snap.Uptime.Minutes()) % 60

	return fmt.Sprintf(`Bot statistics

Inference server: %s
Model: %s

Uptime: %dh %dm
Messages received: %d
Images received: %d
Messages sent: %d
Random messages sent: %d
Random messages skipped: %d
LLM calls: %d
Errors: %d`,
		status, model,
		hours, minutes,
		snap.MessagesReceived,
		snap.ImagesReceived,
		snap.MessagesSent,
		snap.RandomSent,
		snap.RandomSkipped,
		snap.LLMCalls,
		snap.Errors,
	)
}
