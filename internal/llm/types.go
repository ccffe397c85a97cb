package llm

// Message is one role/content pair in a chat-completion request. Content is a
// plain string for text turns or a content-part array for multimodal turns.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatRequest represents the request body for an OpenAI-compatible
// chat-completion endpoint.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatResponse represents a whole (non-streamed) completion.
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// streamChunk is one incremental SSE payload of a streamed completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// modelsResponse represents the /v1/models listing.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Chunk is one text increment delivered to the stream consumer. A chunk with
// a non-nil Err terminates the stream; the consumer keeps whatever deltas it
// already received.
type Chunk struct {
	Delta string
	Err   error
}
