package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/streamer"
	"github.com/c3hub/fieldhub/internal/websocket"
)

// serveSSE writes each item as an event whose id is its timestamp, so a
// reconnecting client resumes through Last-Event-ID. A failure ends the
// stream with an error event, never a bare close.
func serveSSE[T streamer.Item](ctx context.Context, w http.ResponseWriter, sub *streamer.Subscription[T], heartbeat time.Duration, logger *slog.Logger) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("clearing write deadline", "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("sse flush unsupported", "error", err)
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Error("sse stream failed", "error", err)
					writeSSEError(w, rc)
				}
				return
			}
			data, err := json.Marshal(item)
			if err != nil {
				// The subscription has already moved past this item.
				logger.Error("sse encode failed", "timestamp", item.OrderKey(), "error", err)
				writeSSEError(w, rc)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", formatTimestamp(item.OrderKey()), data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func writeSSEError(w http.ResponseWriter, rc *http.ResponseController) {
	fmt.Fprint(w, "event: error\ndata: {\"error\":\"stream failed\"}\n\n")
	rc.Flush()
}

func serveWebsocket[T streamer.Item](s *Server, w http.ResponseWriter, r *http.Request, open func(ctx context.Context, since float64) *streamer.Subscription[T]) {
	since, err := streamCursor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format, err := codec.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clearing write deadline", "error", err)
	}
	ctx, cancel := s.streamContext(r)
	defer cancel()
	websocket.Serve(w, r.WithContext(ctx), func(ctx context.Context) *streamer.Subscription[T] {
		return open(ctx, since)
	}, websocket.Options{Format: format, Logger: s.logger})
}
