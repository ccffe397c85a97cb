package telegram

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"RelayChat/internal/relay"
	"RelayChat/internal/turns"

	"github.com/google/uuid"
)

const pollRetryDelay = 3 * time.Second

// Poller drives the long-poll loop and fans updates out to per-conversation
// workers, so events for one conversation keep their arrival order while
// distinct conversations are handled in parallel.
type Poller struct {
	client      *Client
	controller  *relay.Controller
	logger      *slog.Logger
	pollTimeout int

	mu     sync.Mutex
	queues map[int64]chan relay.Event
}

// NewPoller wires the transport loop to the relay controller.
func NewPoller(client *Client, controller *relay.Controller, pollTimeout int, logger *slog.Logger) *Poller {
	return &Poller{
		client:      client,
		controller:  controller,
		logger:      logger,
		pollTimeout: pollTimeout,
		queues:      make(map[int64]chan relay.Event),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			ev, ok := p.toEvent(ctx, update)
			if !ok {
				continue
			}
			p.dispatch(ctx, ev)
		}
	}
}

// toEvent converts an update into a relay event, downloading the photo when
// one is attached. Non-private chats are ignored; the bot only works in
// direct messages.
func (p *Poller) toEvent(ctx context.Context, update Update) (relay.Event, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return relay.Event{}, false
	}
	if msg.Chat.Type != "private" {
		p.logger.Debug("ignoring non-private chat", "chat_type", msg.Chat.Type)
		return relay.Event{}, false
	}

	ev := relay.Event{
		ID:             uuid.NewString(),
		SenderID:       msg.From.ID,
		ConversationID: msg.Chat.ID,
		Text:           msg.Text,
	}

	if len(msg.Photo) > 0 {
		// The last variant is the highest resolution.
		photo := msg.Photo[len(msg.Photo)-1]
		file, err := p.client.GetFile(ctx, photo.FileID)
		if err != nil {
			p.logger.Error("failed to resolve photo file", "error", err, "event_id", ev.ID)
			return relay.Event{}, false
		}
		data, err := p.client.DownloadFile(ctx, file.FilePath)
		if err != nil {
			p.logger.Error("failed to download photo", "error", err, "event_id", ev.ID)
			return relay.Event{}, false
		}
		// Telegram recompresses photos to JPEG.
		ev.Image = &turns.ImageAttachment{Data: data, MediaType: "image/jpeg"}
		ev.Text = msg.Caption
	}

	return ev, true
}

// dispatch hands the event to the conversation's worker, starting one on
// first contact.
func (p *Poller) dispatch(ctx context.Context, ev relay.Event) {
	p.mu.Lock()
	queue, ok := p.queues[ev.ConversationID]
	if !ok {
		queue = make(chan relay.Event, 32)
		p.queues[ev.ConversationID] = queue
		go p.worker(ctx, queue)
	}
	p.mu.Unlock()

	select {
	case queue <- ev:
	case <-ctx.Done():
	}
}

func (p *Poller) worker(ctx context.Context, queue <-chan relay.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if err := p.controller.HandleEvent(ctx, ev); err != nil {
				p.logger.Warn("event ended in failure", "error", err, "event_id", ev.ID)
			}
		}
	}
}
