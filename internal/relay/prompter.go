package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"RelayChat/internal/config"
	"RelayChat/internal/llm"
	"RelayChat/internal/turns"
)

const questionGeneratorPrompt = `Generate one interesting, natural question to start a casual, friendly conversation.

Pick a topic such as astronomy, culture, artificial intelligence, creative ideas, programming, or curiosities about the world.

Requirements:
- warm and close in tone, like a friend would ask
- invites a thoughtful answer, not just yes or no
- at most three lines of text

Return ONLY the question, no explanations, no quotes, no introduction.`

const fallbackQuestion = "How are you feeling today? Tell me what's on your mind."

// Prompter occasionally sends an unprompted question-and-answer pair to the
// authorized chat, with both the question and the answer generated by the
// model. These messages are not part of any conversation history.
type Prompter struct {
	client      InferenceClient
	transport   Transport
	stats       *Stats
	logger      *slog.Logger
	chatID      int64
	minInterval time.Duration
	maxInterval time.Duration
	probability float64
	temperature float64
	maxTokens   int
}

// NewPrompter builds the random prompter targeting the authorized chat.
func NewPrompter(cfg *config.Config, client InferenceClient, transport Transport, stats *Stats, logger *slog.Logger) *Prompter {
	return &Prompter{
		client:      client,
		transport:   transport,
		stats:       stats,
		logger:      logger,
		chatID:      cfg.Telegram.AllowedUserID,
		minInterval: time.Duration(cfg.Prompter.MinInterval) * time.Second,
		maxInterval: time.Duration(cfg.Prompter.MaxInterval) * time.Second,
		probability: cfg.Prompter.Probability,
		temperature: cfg.Inference.Temperature,
		maxTokens:   cfg.Inference.MaxTokens,
	}
}

// Run loops until the context is cancelled. Each cycle waits a random
// interval, flips the probability coin, and on success sends one generated
// question with the model's answer.
func (p *Prompter) Run(ctx context.Context) {
	p.logger.Info("random prompter started",
		"min_interval", p.minInterval, "max_interval", p.maxInterval, "probability", p.probability)

	for {
		wait := p.minInterval
		if p.maxInterval > p.minInterval {
			wait += rand.N(p.maxInterval - p.minInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if rand.Float64() > p.probability {
			p.stats.AddRandomSkipped()
			p.logger.Debug("random message skipped by probability")
			continue
		}

		question, err := p.ask(ctx, questionGeneratorPrompt, 150)
		if err != nil {
			p.logger.Warn("failed to generate random question", "error", err)
			question = fallbackQuestion
		}
		question = strings.Trim(strings.TrimSpace(question), `"'`)

		answer, err := p.ask(ctx, question, p.maxTokens)
		if err != nil {
			p.logger.Warn("failed to answer random question", "error", err)
			continue
		}

		text := fmt.Sprintf("A random thought:\n\n%s\n\n%s", question, answer)
		if _, err := p.transport.Send(ctx, p.chatID, text); err != nil {
			p.logger.Warn("failed to send random message", "error", err)
			continue
		}
		p.stats.AddRandomSent()
		p.stats.AddSent()
		p.logger.Info("random message sent")
	}
}

func (p *Prompter) ask(ctx context.Context, question string, maxTokens int) (string, error) {
	return p.client.Complete(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: turns.RoleUser, Content: question}},
		Temperature: p.temperature,
		MaxTokens:   maxTokens,
	})
}
