package server

import (
	"context"
	"net/http"

	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/gate"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/streamer"
)

type telemetryRequest struct {
	DeviceID  string         `json:"device_id"`
	Timestamp *float64       `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (s *Server) handleSubmitTelemetry(w http.ResponseWriter, r *http.Request) {
	dev, ok := gate.DeviceFrom(r.Context())
	if !ok {
		s.writeError(w, r, errors.Unauthorizedf("invalid api key"))
		return
	}
	var req telemetryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Timestamp == nil {
		s.writeError(w, r, errors.NotValidf("missing timestamp"))
		return
	}
	rec, err := s.deps.Ledger.Append(r.Context(), dev, models.TelemetryRecord{
		DeviceID:  req.DeviceID,
		Timestamp: *req.Timestamp,
		Data:      req.Data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": rec.ID})
}

func (s *Server) handleTailTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.deps.Ledger.Tail(r.Context(), r.PathValue("device_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStreamTelemetry(w http.ResponseWriter, r *http.Request) {
	since, err := streamCursor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deviceID := r.PathValue("device_id")
	ctx, cancel := s.streamContext(r)
	defer cancel()
	sub := s.deps.Ledger.Subscribe(ctx, deviceID, since)
	defer sub.Cancel()
	serveSSE(ctx, w, sub, s.cfg.Heartbeat, s.logger.With("device_id", deviceID))
}

func (s *Server) handleWSTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	serveWebsocket(s, w, r, func(ctx context.Context, since float64) *streamer.Subscription[models.TelemetryRecord] {
		return s.deps.Ledger.Subscribe(ctx, deviceID, since)
	})
}
