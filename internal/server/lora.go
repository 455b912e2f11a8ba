package server

import (
	"context"
	"net/http"

	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/streamer"
)

type loraRequest struct {
	SenderID   string   `json:"sender_id"`
	ReceiverID string   `json:"receiver_id"`
	Message    string   `json:"message"`
	Timestamp  *float64 `json:"timestamp"`
}

type loraResponse struct {
	Status    string  `json:"status"`
	ID        string  `json:"id"`
	Receiver  string  `json:"receiver_id"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleSendLora(w http.ResponseWriter, r *http.Request) {
	var req loraRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.deps.Relay.Send(r.Context(), req.SenderID, req.ReceiverID, req.Message, req.Timestamp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loraResponse{
		Status:    "sent",
		ID:        receipt.ID,
		Receiver:  receipt.ReceiverID,
		Timestamp: receipt.Timestamp,
	})
}

func (s *Server) handleFetchLora(w http.ResponseWriter, r *http.Request) {
	since, err := querySince(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Relay.Fetch(r.Context(), r.PathValue("node_id"), since, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleStreamLora(w http.ResponseWriter, r *http.Request) {
	since, err := streamCursor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nodeID := r.PathValue("node_id")
	ctx, cancel := s.streamContext(r)
	defer cancel()
	sub := s.deps.Relay.Subscribe(ctx, nodeID, since)
	defer sub.Cancel()
	serveSSE(ctx, w, sub, s.cfg.Heartbeat, s.logger.With("node_id", nodeID))
}

func (s *Server) handleWSLora(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	serveWebsocket(s, w, r, func(ctx context.Context, since float64) *streamer.Subscription[models.LoraMessage] {
		return s.deps.Relay.Subscribe(ctx, nodeID, since)
	})
}
