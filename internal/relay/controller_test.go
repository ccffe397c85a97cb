package relay_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"RelayChat/internal/config"
	"RelayChat/internal/history"
	"RelayChat/internal/llm"
	"RelayChat/internal/prompt"
	"RelayChat/internal/relay"
	"RelayChat/internal/turns"
	"RelayChat/internal/vision"

	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type fakeStore struct {
	mu          sync.Mutex
	turns       map[int64][]turns.Turn
	failAppends bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{turns: make(map[int64][]turns.Turn)}
}

func (s *fakeStore) Append(_ context.Context, conversationID int64, turn turns.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends {
		return history.ErrUnavailable
	}
	s.turns[conversationID] = append(s.turns[conversationID], turn)
	return nil
}

func (s *fakeStore) Window(_ context.Context, conversationID int64, _ int) ([]turns.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := make([]turns.Turn, len(s.turns[conversationID]))
	copy(window, s.turns[conversationID])
	return window, nil
}

func (s *fakeStore) Clear(_ context.Context, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.turns[conversationID]))
	delete(s.turns, conversationID)
	return n, nil
}

func (s *fakeStore) stored(conversationID int64) []turns.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]turns.Turn(nil), s.turns[conversationID]...)
}

type sentMessage struct {
	conversationID int64
	text           string
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMessage
	edits  []sentMessage
	nextID int64
}

func (f *fakeTransport) Send(_ context.Context, conversationID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{conversationID, text})
	return f.nextID, nil
}

func (f *fakeTransport) Edit(_ context.Context, conversationID, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{conversationID, text})
	return nil
}

// finalText is the last text the user saw, whether sent fresh or edited into
// an earlier message.
func (f *fakeTransport) finalText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) > 0 {
		return f.edits[len(f.edits)-1].text
	}
	if len(f.sent) > 0 {
		return f.sent[len(f.sent)-1].text
	}
	return ""
}

func (f *fakeTransport) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		texts = append(texts, m.text)
	}
	return texts
}

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	lastReq  llm.ChatRequest
	reply    string
	err      error
	streamFn func(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

func (f *fakeClient) Complete(_ context.Context, req llm.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.reply, f.err
}

func (f *fakeClient) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	fn := f.streamFn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeClient) Models(context.Context) ([]string, error) {
	return []string{"test-model"}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) request() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "test-token", AllowedUserID: 123, PollTimeout: 1},
		Inference: config.InferenceConfig{
			BaseURL:         "http://localhost:1234/v1",
			Timeout:         5,
			Temperature:     0.7,
			MaxTokens:       500,
			VisionMaxTokens: 1000,
		},
		History:      config.HistoryConfig{Path: ":memory:", WindowTurns: 20, CharBudget: 24000},
		Vision:       config.VisionConfig{MaxBytes: 1 << 20, MediaTypes: []string{"image/jpeg", "image/png"}},
		SystemPrompt: "You are a helpful assistant.",
	}
}

func newTestController(cfg *config.Config, store history.Store, client relay.InferenceClient, transport relay.Transport) *relay.Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := metricnoop.NewMeterProvider().Meter("test")
	return relay.NewController(cfg, store, client, transport, logger, tracer, meter)
}

func TestUnauthorizedSenderRejected(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "should never be seen"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       999,
		ConversationID: 999,
		Text:           "hello",
	})
	require.ErrorIs(t, err, relay.ErrUnauthorized)

	// No inference call, nothing persisted, a denial delivered.
	require.Zero(t, client.callCount())
	require.Empty(t, store.stored(999))
	require.Contains(t, transport.finalText(), "not authorized")
}

func TestTextRelayRoundTrip(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "4"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Text:           "What is 2+2?",
	})
	require.NoError(t, err)

	// First contact: the request carries exactly the system prompt and the
	// new user turn.
	req := client.request()
	require.Len(t, req.Messages, 2)
	require.Equal(t, turns.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "You are a helpful assistant.", req.Messages[0].Content)
	require.Equal(t, turns.RoleUser, req.Messages[1].Role)
	require.Equal(t, "What is 2+2?", req.Messages[1].Content)
	require.Equal(t, 500, req.MaxTokens)

	// Store now holds system, user, assistant in order.
	stored := store.stored(123)
	require.Len(t, stored, 3)
	require.Equal(t, turns.RoleSystem, stored[0].Role)
	require.Equal(t, turns.RoleUser, stored[1].Role)
	require.Equal(t, "What is 2+2?", stored[1].Text)
	require.Equal(t, turns.RoleAssistant, stored[2].Role)
	require.Equal(t, "4", stored[2].Text)

	require.Equal(t, "4", transport.finalText())
}

func TestSecondTurnCarriesHistory(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "first"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	ctx := context.Background()
	require.NoError(t, controller.HandleEvent(ctx, relay.Event{SenderID: 123, ConversationID: 123, Text: "one"}))

	client.mu.Lock()
	client.reply = "second"
	client.mu.Unlock()
	require.NoError(t, controller.HandleEvent(ctx, relay.Event{SenderID: 123, ConversationID: 123, Text: "two"}))

	// system, one, first, two.
	req := client.request()
	require.Len(t, req.Messages, 4)
	require.Equal(t, "one", req.Messages[1].Content)
	require.Equal(t, "first", req.Messages[2].Content)
	require.Equal(t, "two", req.Messages[3].Content)
}

func TestEmptyEventLeavesHistoryUntouched(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "unused"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	// A sticker or voice note arrives as an event with neither text nor
	// image.
	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
	})
	require.ErrorIs(t, err, prompt.ErrEmptyTurn)

	// No inference call, and a previously empty conversation stays empty:
	// not even the system turn is written.
	require.Zero(t, client.callCount())
	require.Empty(t, store.stored(123))
	require.Contains(t, transport.finalText(), "text or an image")
}

func TestOversizedImageRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Vision.MaxBytes = 16

	store := newFakeStore()
	client := &fakeClient{reply: "unused"}
	transport := &fakeTransport{}
	controller := newTestController(cfg, store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Image:          &turns.ImageAttachment{Data: make([]byte, 64), MediaType: "image/jpeg"},
	})
	require.ErrorIs(t, err, vision.ErrImageTooLarge)

	require.Zero(t, client.callCount())
	require.Empty(t, store.stored(123))
	require.Contains(t, transport.finalText(), "too large")
}

func TestImageTurnShape(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "a cat on a desk"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Text:           "what is this?",
		Image:          &turns.ImageAttachment{Data: []byte{0xFF, 0xD8}, MediaType: "image/jpeg"},
	})
	require.NoError(t, err)

	req := client.request()
	require.Equal(t, 1000, req.MaxTokens)

	parts, ok := req.Messages[len(req.Messages)-1].Content.([]turns.ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	require.Equal(t, turns.PartTypeImage, parts[0].Type)
	require.Equal(t, turns.PartTypeText, parts[1].Type)
	require.Equal(t, "what is this?", parts[1].Text)

	// The placeholder went out first and the reply was edited into it.
	texts := transport.allTexts()
	require.NotEmpty(t, texts)
	require.Contains(t, texts[0], "Analyzing")
	require.Equal(t, "a cat on a desk", transport.finalText())
}

func TestImageWithoutCaptionGetsDefault(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{reply: "description"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Image:          &turns.ImageAttachment{Data: []byte{0xFF, 0xD8}, MediaType: "image/jpeg"},
	})
	require.NoError(t, err)

	parts := client.request().Messages[len(client.request().Messages)-1].Content.([]turns.ContentPart)
	require.Equal(t, "Describe this image in detail.", parts[1].Text)
}

func TestInferenceFailureReportedGenerically(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{err: llm.ErrUnavailable}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Text:           "hello",
	})
	require.ErrorIs(t, err, llm.ErrUnavailable)

	// The user turn is kept; no assistant turn was written.
	stored := store.stored(123)
	require.Equal(t, turns.RoleUser, stored[len(stored)-1].Role)
	require.Contains(t, transport.finalText(), "not reachable")
}

func TestStreamingInterruptionKeepsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.Inference.Streaming = true

	store := newFakeStore()
	client := &fakeClient{}
	client.streamFn = func(context.Context, llm.ChatRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 3)
		ch <- llm.Chunk{Delta: "partial "}
		ch <- llm.Chunk{Delta: "answer"}
		ch <- llm.Chunk{Err: llm.ErrInterrupted}
		close(ch)
		return ch, nil
	}
	transport := &fakeTransport{}
	controller := newTestController(cfg, store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Text:           "hello",
	})
	require.NoError(t, err)

	stored := store.stored(123)
	require.Equal(t, turns.RoleAssistant, stored[len(stored)-1].Role)
	require.Equal(t, "partial answer", stored[len(stored)-1].Text)

	final := transport.finalText()
	require.Contains(t, final, "partial answer")
	require.Contains(t, final, "may be incomplete")
}

func TestPersistFailureStillDeliversReply(t *testing.T) {
	store := newFakeStore()
	store.failAppends = true
	client := &fakeClient{reply: "4"}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{
		SenderID:       123,
		ConversationID: 123,
		Text:           "What is 2+2?",
	})
	require.ErrorIs(t, err, history.ErrUnavailable)

	texts := transport.allTexts()
	require.Contains(t, texts, "4")
	require.Contains(t, texts, "Warning: this exchange could not be saved to the conversation history.")
}

func TestClearCommand(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, 123, turns.Text(turns.RoleUser, "one")))
	require.NoError(t, store.Append(ctx, 123, turns.Text(turns.RoleAssistant, "two")))

	err := controller.HandleEvent(ctx, relay.Event{SenderID: 123, ConversationID: 123, Text: "/clear"})
	require.NoError(t, err)

	require.Empty(t, store.stored(123))
	require.Contains(t, transport.finalText(), "Removed 2")
	require.Zero(t, client.callCount())
}

func TestUnknownCommand(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	transport := &fakeTransport{}
	controller := newTestController(testConfig(), store, client, transport)

	err := controller.HandleEvent(context.Background(), relay.Event{SenderID: 123, ConversationID: 123, Text: "/bogus"})
	require.NoError(t, err)
	require.Contains(t, transport.finalText(), "/help")
	require.Zero(t, client.callCount())
}
