package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 5000
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
)

// Handler serves the bus as Server-Sent Events. The optional ?job= query
// parameter limits the stream to one job.
func Handler(bus *Bus, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sseHandler{bus: bus, logger: logger, keepAlive: KeepAliveInterval}
}

type sseHandler struct {
	bus       *Bus
	logger    *zap.Logger
	keepAlive time.Duration
	active    atomic.Int64
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.active.Load() >= MaxConcurrentConnections {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Del("Content-Encoding")

	jobID := r.URL.Query().Get("job")
	sub := h.bus.Subscribe(jobID)
	defer sub.Close()

	n := h.active.Add(1)
	defer h.active.Add(-1)
	h.logger.Debug("sse client connected",
		zap.String("remote", r.RemoteAddr),
		zap.String("job_id", jobID),
		zap.Int64("connections", n),
	)

	ctx := r.Context()
	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg, err := formatSSEResponse(ev)
			if err != nil {
				continue
			}
			if _, err := io.WriteString(w, msg); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAliveTicker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data), nil
}
