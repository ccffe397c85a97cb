// Package telegram is the thin chat-transport binding: a long-polling Bot API
// client that turns updates into relay events and delivers outbound text.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Client calls the Telegram Bot API. It implements relay.Transport.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a client against the public Bot API endpoint.
func NewClient(token string, logger *slog.Logger) *Client {
	return NewClientWithBaseURL(token, defaultAPIBase, logger)
}

// NewClientWithBaseURL overrides the API endpoint, used by tests.
func NewClientWithBaseURL(token, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		apiBase:    baseURL,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// GetUpdates long-polls for updates after the given offset. The timeout is
// the server-side hold in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout+10)*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// Send posts a text message to the chat and returns the new message id.
func (c *Client) Send(ctx context.Context, conversationID int64, text string) (int64, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": conversationID,
		"text":    text,
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// Edit replaces the text of a previously sent message in place.
func (c *Client) Edit(ctx context.Context, conversationID, messageID int64, text string) error {
	return c.call(ctx, "editMessageText", map[string]any{
		"chat_id":    conversationID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

// GetFile resolves a file id into a download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var file File
	err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file)
	return file, err
}

// DownloadFile fetches the raw bytes behind a getFile path.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, result any) error {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s failed: %s", method, envelope.Description)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}
