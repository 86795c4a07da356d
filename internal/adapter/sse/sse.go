// Package sse implements the keep-alive event stream.
//
// The stream never touches a child process: it announces the connection,
// then emits a heartbeat every interval until the peer goes away. Clients
// such as n8n use it to hold a long-lived channel open to the bridge.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultInterval is the heartbeat period when none is configured.
const DefaultInterval = 30 * time.Second

// Event types written to the stream.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// Event is one JSON payload on the stream.
type Event struct {
	Type      string  `json:"type"`
	Message   string  `json:"message,omitempty"`
	StreamID  string  `json:"stream_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Handler serves the keep-alive stream.
type Handler struct {
	log      *slog.Logger
	interval time.Duration

	active atomic.Int64
	served atomic.Int64
}

// NewHandler creates a stream handler. A non-positive interval uses
// DefaultInterval.
func NewHandler(log *slog.Logger, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Handler{
		log:      log.With("component", "sse"),
		interval: interval,
	}
}

// Active returns the number of open streams.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Served returns the number of streams opened since start.
func (h *Handler) Served() int64 {
	return h.served.Load()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)

		return
	}

	streamID := ulid.Make().String()
	log := h.log.With("stream_id", streamID, "remote", r.RemoteAddr)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Headers", "*")
	header.Set("Access-Control-Allow-Methods", "*")
	w.WriteHeader(http.StatusOK)

	h.active.Add(1)
	h.served.Add(1)

	defer h.active.Add(-1)

	log.Info("Stream opened")
	defer log.Info("Stream closed")

	if err := h.send(w, flusher, Event{
		Type:     EventConnected,
		Message:  "MCP bridge connected",
		StreamID: streamID,
	}); err != nil {
		log.Debug("Failed to write connected event", "error", err)

		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			err := h.send(w, flusher, Event{
				Type:      EventHeartbeat,
				Timestamp: float64(now.UnixNano()) / float64(time.Second),
			})
			if err != nil {
				log.Debug("Failed to write heartbeat", "error", err)

				return
			}
		}
	}
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}

	flusher.Flush()

	return nil
}
