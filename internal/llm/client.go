// Package llm is the client for the local OpenAI-compatible inference server.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnavailable is a connection-level failure: the server could not be
	// reached at all. The only error class eligible for the automatic retry.
	ErrUnavailable = errors.New("inference server unavailable")
	// ErrTimeout is the per-call deadline expiring before any response.
	ErrTimeout = errors.New("inference request timed out")
	// ErrInference is a non-success response from the server, including
	// malformed payloads. Treated as a request problem, never retried.
	ErrInference = errors.New("inference request failed")
	// ErrInterrupted is a stream dropping after increments were delivered.
	// The consumer keeps the partial text.
	ErrInterrupted = errors.New("inference stream interrupted")
)

const sseDone = "[DONE]"

// Client calls the chat-completion and model-listing endpoints.
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient builds a client for the given base URL (e.g.
// http://localhost:1234/v1). An empty model lets the server use whatever it
// has loaded.
func NewClient(baseURL, model string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
	}
}

// Complete performs a blocking, non-streamed chat completion and returns the
// final text. Connection-level failures are retried once.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "inference_call")
	defer span.End()

	req.Stream = false
	if req.Model == "" {
		req.Model = c.model
	}

	text, err := c.completeOnce(ctx, req)
	if errors.Is(err, ErrUnavailable) {
		c.logger.Warn("inference call failed, retrying once", "error", err)
		text, err = c.completeOnce(ctx, req)
	}
	return text, err
}

func (c *Client) completeOnce(ctx context.Context, req ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %s: %s", ErrInference, resp.Status, truncateBody(body))
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrInference, err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrInference)
	}

	c.recordDuration(ctx, time.Since(start))
	c.recordUsage(ctx, apiResp.Usage)

	return apiResp.Choices[0].Message.Content, nil
}

// Stream performs a streamed chat completion and returns a channel of text
// increments. The channel is closed after the final increment or after a
// chunk carrying a terminal error. The initial connection is retried once on
// connection-level failure; once any increment has been delivered there are
// no retries, and a drop surfaces as ErrInterrupted so the consumer can use
// the partial text.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	ctx, span := c.tracer.Start(ctx, "inference_call")

	req.Stream = true
	if req.Model == "" {
		req.Model = c.model
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	resp, err := c.post(ctx, req)
	if errors.Is(err, ErrUnavailable) {
		c.logger.Warn("inference stream failed to connect, retrying once", "error", err)
		resp, err = c.post(ctx, req)
	}
	if err != nil {
		cancel()
		span.End()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		span.End()
		return nil, fmt.Errorf("%w: status %s: %s", ErrInference, resp.Status, truncateBody(body))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer span.End()
		defer cancel()
		defer resp.Body.Close()

		start := time.Now()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		done := false
	scan:
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == sseDone {
				done = true
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.logger.Warn("skipping malformed stream chunk", "error", err)
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case out <- Chunk{Delta: choice.Delta.Content}:
				case <-ctx.Done():
					break scan
				}
			}
		}

		if done {
			c.recordDuration(ctx, time.Since(start))
			return
		}

		// The terminal error chunk must always reach the consumer: the
		// consumer drains until close, so this send cannot block.
		err := scanner.Err()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		out <- Chunk{Err: fmt.Errorf("%w: %v", ErrInterrupted, err)}
	}()

	return out, nil
}

// Models lists the model identifiers the server currently serves. Used as the
// availability probe.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", ErrInference, resp.Status)
	}

	var models modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrInference, err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) post(ctx context.Context, req ChatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return resp, nil
}

// classifyTransport splits transport errors into the timeout and unavailable
// classes; only the latter is retried.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) recordDuration(ctx context.Context, d time.Duration) {
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(d.Milliseconds()))
	}
}

func (c *Client) recordUsage(ctx context.Context, usage map[string]interface{}) {
	if usage == nil {
		return
	}
	for key, value := range usage {
		if intVal, ok := value.(float64); ok {
			counter, err := c.meter.Int64Counter(
				fmt.Sprintf("llm.usage.%s", key),
				metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
			)
			if err != nil {
				c.logger.Warn("failed to create counter", "key", key, "error", err)
				continue
			}
			counter.Add(ctx, int64(intVal))
		}
	}
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
