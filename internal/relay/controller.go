// Package relay orchestrates one inbound chat event end to end: authorize,
// encode, build the inference request, call the model, persist both turns,
// and emit the reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"RelayChat/internal/config"
	"RelayChat/internal/history"
	"RelayChat/internal/llm"
	"RelayChat/internal/prompt"
	"RelayChat/internal/turns"
	"RelayChat/internal/vision"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultCaption  = "Describe this image in detail."
	analyzingNotice = "Analyzing the image..."
	editInterval    = time.Second
)

// Event is one inbound chat message from the transport.
type Event struct {
	ID             string
	SenderID       int64
	ConversationID int64
	Text           string
	Image          *turns.ImageAttachment
}

// Transport delivers outbound text to the chat. Edit updates a previously
// sent message in place, which carries both the image placeholder and
// progressive streamed output.
type Transport interface {
	Send(ctx context.Context, conversationID int64, text string) (int64, error)
	Edit(ctx context.Context, conversationID int64, messageID int64, text string) error
}

// InferenceClient is the boundary to the local inference server.
type InferenceClient interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
	Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
	Models(ctx context.Context) ([]string, error)
}

// Controller runs the relay pipeline. Events for the same conversation are
// serialized; distinct conversations proceed in parallel.
type Controller struct {
	cfg       *config.Config
	gate      *Gate
	store     history.Store
	encoder   *vision.Encoder
	builder   *prompt.Builder
	client    InferenceClient
	transport Transport

	locks  *conversationLocks
	stats  *Stats
	logger *slog.Logger
	tracer trace.Tracer

	eventCounter metric.Int64Counter
	errorCounter metric.Int64Counter
}

// NewController wires the pipeline from configuration and its collaborators.
func NewController(cfg *config.Config, store history.Store, client InferenceClient, transport Transport, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Controller {
	eventCounter, err := meter.Int64Counter("relay.events",
		metric.WithDescription("Inbound chat events processed"))
	if err != nil {
		logger.Warn("failed to create event counter", "error", err)
	}
	errorCounter, err := meter.Int64Counter("relay.errors",
		metric.WithDescription("Events that ended in a failure state"))
	if err != nil {
		logger.Warn("failed to create error counter", "error", err)
	}

	return &Controller{
		cfg:          cfg,
		gate:         NewGate(cfg.Telegram.AllowedUserID),
		store:        store,
		encoder:      vision.NewEncoder(cfg.Vision.MaxBytes, cfg.Vision.MediaTypes),
		builder:      prompt.NewBuilder(cfg.SystemPrompt, cfg.History.CharBudget),
		client:       client,
		transport:    transport,
		locks:        newConversationLocks(),
		stats:        NewStats(),
		logger:       logger,
		tracer:       tracer,
		eventCounter: eventCounter,
		errorCounter: errorCounter,
	}
}

// Stats exposes the counters to the status server and the random prompter.
func (c *Controller) Stats() *Stats {
	return c.stats
}

// HandleEvent drives one inbound event through the pipeline. The returned
// error is for the caller's log; every failure path has already produced a
// user-visible message or a logged skip.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	log := c.logger.With("event_id", ev.ID, "conversation_id", ev.ConversationID)

	c.stats.AddReceived()
	c.addMetric(ctx, c.eventCounter)

	if !c.gate.Authorize(ev.SenderID) {
		log.Warn("unauthorized sender rejected", "sender_id", ev.SenderID)
		c.send(ctx, ev.ConversationID, "Sorry, you are not authorized to use this bot. It is for private use.")
		return ErrUnauthorized
	}

	if ev.Image == nil && strings.HasPrefix(ev.Text, "/") {
		return c.handleCommand(ctx, ev, log)
	}

	lock := c.locks.get(ev.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := c.tracer.Start(ctx, "relay_event")
	defer span.End()

	newTurn, userMsg, err := c.buildTurn(ev)
	if err != nil {
		log.Warn("rejected inbound turn", "error", err)
		c.fail(ctx, ev.ConversationID, userMsg)
		return err
	}

	// Reject content-free events before anything is persisted; a rejected
	// event must leave the conversation history untouched.
	if newTurn.Empty() {
		log.Warn("rejected empty inbound turn")
		c.fail(ctx, ev.ConversationID, "I need some text or an image to work with.")
		return prompt.ErrEmptyTurn
	}

	window, err := c.loadWindow(ctx, ev.ConversationID)
	if err != nil {
		log.Error("failed to load history window", "error", err)
		c.fail(ctx, ev.ConversationID, "I could not reach the conversation store. Please try again.")
		return err
	}

	persistFailed := false

	// A fresh conversation starts with the fixed system turn so later window
	// reads always carry it.
	if len(window) == 0 {
		sysTurn := turns.Text(turns.RoleSystem, c.cfg.SystemPrompt)
		if err := c.appendWithRetry(ctx, ev.ConversationID, sysTurn); err != nil {
			log.Error("failed to persist system turn", "error", err)
			persistFailed = true
		} else {
			window = []turns.Turn{sysTurn}
		}
	}

	messages, err := c.builder.Build(window, newTurn)
	if err != nil {
		log.Warn("failed to build inference request", "error", err)
		c.fail(ctx, ev.ConversationID, "I need some text or an image to work with.")
		return err
	}

	// The user's turn is persisted before the inference call so a crash
	// mid-call never loses it.
	if err := c.appendWithRetry(ctx, ev.ConversationID, newTurn); err != nil {
		log.Error("failed to persist user turn", "error", err)
		persistFailed = true
	}

	req := llm.ChatRequest{
		Messages:    messages,
		Temperature: c.cfg.Inference.Temperature,
		MaxTokens:   c.cfg.Inference.MaxTokens,
	}
	if newTurn.IsMultimodal() {
		req.MaxTokens = c.cfg.Inference.VisionMaxTokens
	}

	var placeholder int64
	if newTurn.IsMultimodal() {
		placeholder, _ = c.transport.Send(ctx, ev.ConversationID, analyzingNotice)
	}

	var text string
	c.stats.AddLLMCall()
	if c.cfg.Inference.Streaming {
		text, err = c.consumeStream(ctx, ev.ConversationID, &placeholder, req)
	} else {
		text, err = c.client.Complete(ctx, req)
	}

	interrupted := errors.Is(err, llm.ErrInterrupted)
	if err != nil && !(interrupted && text != "") {
		log.Error("inference call failed", "error", err)
		c.failAt(ctx, ev.ConversationID, placeholder, userFacing(err))
		return err
	}

	assistantTurn := turns.Text(turns.RoleAssistant, text)
	if err := c.appendWithRetry(ctx, ev.ConversationID, assistantTurn); err != nil {
		log.Error("failed to persist assistant turn", "error", err)
		persistFailed = true
	}

	out := text
	if interrupted {
		out += "\n\n(the connection to the model dropped, this reply may be incomplete)"
	}
	c.emit(ctx, ev.ConversationID, placeholder, out)
	c.stats.AddSent()

	if persistFailed {
		c.send(ctx, ev.ConversationID, "Warning: this exchange could not be saved to the conversation history.")
		return fmt.Errorf("%w: turn not persisted", history.ErrUnavailable)
	}
	return nil
}

// buildTurn converts the event into the new user turn, encoding the image
// when present. The second return value is the message shown to the user on
// rejection.
func (c *Controller) buildTurn(ev Event) (turns.Turn, string, error) {
	if ev.Image == nil {
		return turns.Text(turns.RoleUser, ev.Text), "", nil
	}

	c.stats.AddImage()
	imagePart, err := c.encoder.Encode(*ev.Image)
	if err != nil {
		switch {
		case errors.Is(err, vision.ErrImageTooLarge):
			return turns.Turn{}, "That image is too large for me to process.", err
		case errors.Is(err, vision.ErrUnsupportedMediaType):
			return turns.Turn{}, "I cannot read that image format.", err
		default:
			return turns.Turn{}, "I could not read that image. Please try again.", err
		}
	}

	caption := ev.Text
	if caption == "" {
		caption = defaultCaption
	}

	// Image part before the text part. Qwen-VL models require this order.
	parts := []turns.ContentPart{imagePart, turns.TextPart(caption)}
	return turns.Multimodal(turns.RoleUser, parts), "", nil
}

// loadWindow reads the history window, retrying once before giving up.
func (c *Controller) loadWindow(ctx context.Context, conversationID int64) ([]turns.Turn, error) {
	window, err := c.store.Window(ctx, conversationID, c.cfg.History.WindowTurns)
	if err == nil {
		return window, nil
	}
	c.logger.Warn("history window read failed, retrying once", "error", err)
	return c.store.Window(ctx, conversationID, c.cfg.History.WindowTurns)
}

// appendWithRetry persists a turn, retrying once before reporting the
// persistence failure.
func (c *Controller) appendWithRetry(ctx context.Context, conversationID int64, turn turns.Turn) error {
	if err := c.store.Append(ctx, conversationID, turn); err != nil {
		c.logger.Warn("history append failed, retrying once", "error", err)
		return c.store.Append(ctx, conversationID, turn)
	}
	return nil
}

// consumeStream drains the increment channel, editing the outbound message in
// place as text accumulates. On interruption it returns the partial text with
// the terminal error.
func (c *Controller) consumeStream(ctx context.Context, conversationID int64, placeholder *int64, req llm.ChatRequest) (string, error) {
	ch, err := c.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	lastEdit := time.Now()
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Delta)

		if *placeholder == 0 {
			if id, err := c.transport.Send(ctx, conversationID, sb.String()); err == nil {
				*placeholder = id
				lastEdit = time.Now()
			}
		} else if time.Since(lastEdit) >= editInterval {
			if err := c.transport.Edit(ctx, conversationID, *placeholder, sb.String()); err == nil {
				lastEdit = time.Now()
			}
		}
	}
	return sb.String(), nil
}

// emit delivers the final text, editing the placeholder when one exists.
func (c *Controller) emit(ctx context.Context, conversationID, placeholder int64, text string) {
	if placeholder != 0 {
		if err := c.transport.Edit(ctx, conversationID, placeholder, text); err == nil {
			return
		}
	}
	c.send(ctx, conversationID, text)
}

func (c *Controller) fail(ctx context.Context, conversationID int64, userMsg string) {
	c.failAt(ctx, conversationID, 0, userMsg)
}

func (c *Controller) failAt(ctx context.Context, conversationID, placeholder int64, userMsg string) {
	c.stats.AddError()
	c.addMetric(ctx, c.errorCounter)
	c.emit(ctx, conversationID, placeholder, userMsg)
}

func (c *Controller) send(ctx context.Context, conversationID int64, text string) {
	if _, err := c.transport.Send(ctx, conversationID, text); err != nil {
		c.logger.Error("failed to send message", "error", err, "conversation_id", conversationID)
	} else {
		c.stats.AddSent()
	}
}

func (c *Controller) addMetric(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

// userFacing maps an inference error to a short human-readable reason without
// protocol internals.
func userFacing(err error) string {
	switch {
	case errors.Is(err, llm.ErrTimeout):
		return "The model took too long to answer. Please try again."
	case errors.Is(err, llm.ErrUnavailable):
		return "The inference server is not reachable. Make sure it is running."
	case errors.Is(err, llm.ErrInterrupted):
		return "The connection to the model dropped before any reply arrived."
	case errors.Is(err, llm.ErrInference):
		return "The model could not process this request."
	default:
		return "Something went wrong handling that message."
	}
}
