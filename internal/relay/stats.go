package relay

import (
	"sync/atomic"
	"time"
)

// Stats tracks the counters the /stats command and status server report.
type Stats struct {
	startTime        time.Time
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	imagesReceived   atomic.Int64
	llmCalls         atomic.Int64
	errors           atomic.Int64
	randomSent       atomic.Int64
	randomSkipped    atomic.Int64
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) AddReceived()      { s.messagesReceived.Add(1) }
func (s *Stats) AddSent()          { s.messagesSent.Add(1) }
func (s *Stats) AddImage()         { s.imagesReceived.Add(1) }
func (s *Stats) AddLLMCall()       { s.llmCalls.Add(1) }
func (s *Stats) AddError()         { s.errors.Add(1) }
func (s *Stats) AddRandomSent()    { s.randomSent.Add(1) }
func (s *Stats) AddRandomSkipped() { s.randomSkipped.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime           time.Duration `json:"uptime_seconds"`
	MessagesReceived int64         `json:"messages_received"`
	MessagesSent     int64         `json:"messages_sent"`
	ImagesReceived   int64         `json:"images_received"`
	LLMCalls         int64         `json:"llm_calls"`
	Errors           int64         `json:"errors"`
	RandomSent       int64         `json:"random_messages_sent"`
	RandomSkipped    int64         `json:"random_messages_skipped"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:           time.Since(s.startTime),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		ImagesReceived:   s.imagesReceived.Load(),
		LLMCalls:         s.llmCalls.Load(),
		Errors:           s.errors.Load(),
		RandomSent:       s.randomSent.Load(),
		RandomSkipped:    s.randomSkipped.Load(),
	}
}
