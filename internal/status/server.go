// Package status serves the local operator endpoints: a health probe against
// the inference server and the relay counters.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"RelayChat/internal/relay"

	"github.com/gin-gonic/gin"
)

// Server exposes GET /healthz and GET /stats on a local address.
type Server struct {
	addr   string
	client relay.InferenceClient
	stats  *relay.Stats
	logger *slog.Logger
}

// New builds the status server; it is only started when an address is
// configured.
func New(addr string, client relay.InferenceClient, stats *relay.Stats, logger *slog.Logger) *Server {
	return &Server{addr: addr, client: client, stats: stats, logger: logger}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/stats", s.statsHandler)

	srv := &http.Server{Addr: s.addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	models, err := s.client.Models(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  "inference server unreachable",
		})
		return
	}

	model := ""
	if len(models) > 0 {
		model = models[0]
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"model":  model,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	snap := s.stats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":          int64(snap.Uptime.Seconds()),
		"messages_received":       snap.MessagesReceived,
		"messages_sent":           snap.MessagesSent,
		"images_received":         snap.ImagesReceived,
		"llm_calls":               snap.LLMCalls,
		"errors":                  snap.Errors,
		"random_messages_sent":    snap.RandomSent,
		"random_messages_skipped": snap.RandomSkipped,
	})
}
