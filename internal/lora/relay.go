// Package lora is a store-and-forward relay for short messages between
// radio nodes. Node ids are free-form and are not checked against the
// device registry.
package lora

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
	"github.com/c3hub/fieldhub/internal/streamer"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	// RadioFrameBytes is the payload of one LoRa frame, the limit for
	// deployments that only relay radio traffic.
	RadioFrameBytes = 255
)

// Receipt acknowledges a stored message.
type Receipt struct {
	ID         string  `json:"id"`
	ReceiverID string  `json:"receiver_id"`
	Timestamp  float64 `json:"timestamp"`
}

type Options struct {
	// MaxMessageBytes bounds the payload. Zero means no limit.
	MaxMessageBytes int
	Stream          streamer.Options
}

type Relay struct {
	db       storage.Store
	clock    clock.Clock
	maxBytes int
	stream   streamer.Options
	logger   *slog.Logger
}

func New(db storage.Store, opts Options) *Relay {
	r := &Relay{
		db:       db,
		clock:    opts.Stream.Clock,
		maxBytes: opts.MaxMessageBytes,
		stream:   opts.Stream,
		logger:   opts.Stream.Logger,
	}
	if r.clock == nil {
		r.clock = clock.Real()
		r.stream.Clock = r.clock
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Send stores a message for receiverID. A nil timestamp means now.
func (r *Relay) Send(ctx context.Context, senderID, receiverID, message string, timestamp *float64) (Receipt, error) {
	if strings.TrimSpace(senderID) == "" {
		return Receipt{}, errors.NotValidf("empty sender_id")
	}
	if strings.TrimSpace(receiverID) == "" {
		return Receipt{}, errors.NotValidf("empty receiver_id")
	}
	if r.maxBytes > 0 && len(message) > r.maxBytes {
		return Receipt{}, errors.NotValidf("message longer than %d bytes", r.maxBytes)
	}

	msg := models.LoraMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    message,
		Timestamp:  clock.Seconds(r.clock.Now()),
	}
	if timestamp != nil {
		if math.IsNaN(*timestamp) || math.IsInf(*timestamp, 0) {
			return Receipt{}, errors.NotValidf("timestamp %v", *timestamp)
		}
		msg.Timestamp = *timestamp
	}

	row, err := storage.Encode(msg)
	if err != nil {
		return Receipt{}, errors.Trace(err)
	}
	if err := r.db.Insert(ctx, schema.LoraMessages, row); err != nil {
		return Receipt{}, errors.Annotate(err, "send lora message")
	}
	r.logger.Debug("lora message stored", "sender_id", senderID, "receiver_id", receiverID, "bytes", len(message))
	return Receipt{ID: msg.ID, ReceiverID: receiverID, Timestamp: msg.Timestamp}, nil
}

// Fetch returns messages for nodeID, oldest first. With since set, only
// messages at or after it are returned.
func (r *Relay) Fetch(ctx context.Context, nodeID string, since *float64, limit int) ([]models.LoraMessage, error) {
	filters := []storage.Filter{storage.Eq(schema.FieldReceiverID, nodeID)}
	if since != nil {
		filters = append(filters, storage.Gte(schema.FieldTimestamp, *since))
	}
	rows, err := r.db.Select(ctx, schema.LoraMessages, storage.Query{
		Filters: filters,
		Order:   &storage.Order{Field: schema.FieldTimestamp},
		Limit:   clampLimit(limit),
	})
	if err != nil {
		return nil, errors.Annotate(err, "fetch lora messages")
	}
	return storage.DecodeAll[models.LoraMessage](rows)
}

// Subscribe streams messages for nodeID with a timestamp after since.
func (r *Relay) Subscribe(ctx context.Context, nodeID string, since float64) *streamer.Subscription[models.LoraMessage] {
	s := streamer.New(func(ctx context.Context, cursor float64) ([]models.LoraMessage, error) {
		return r.after(ctx, nodeID, cursor)
	}, r.stream)
	return s.Subscribe(ctx, streamer.Cursor{SubjectID: nodeID, LastSeen: since})
}

func (r *Relay) after(ctx context.Context, nodeID string, cursor float64) ([]models.LoraMessage, error) {
	rows, err := r.db.Select(ctx, schema.LoraMessages, storage.Query{
		Filters: []storage.Filter{
			storage.Eq(schema.FieldReceiverID, nodeID),
			storage.Gt(schema.FieldTimestamp, cursor),
		},
		Order: &storage.Order{Field: schema.FieldTimestamp},
		Limit: MaxLimit,
	})
	if err != nil {
		return nil, errors.Annotate(err, "poll lora messages")
	}
	msgs, err := storage.DecodeAll[models.LoraMessage](rows)
	if err != nil {
		return nil, err
	}
	if ts, ok := streamer.SingleTieGroup(msgs, MaxLimit); ok {
		return r.at(ctx, nodeID, ts)
	}
	return streamer.TrimTies(msgs, MaxLimit), nil
}

// at returns every message for nodeID stamped exactly ts.
func (r *Relay) at(ctx context.Context, nodeID string, ts float64) ([]models.LoraMessage, error) {
	rows, err := r.db.Select(ctx, schema.LoraMessages, storage.Query{
		Filters: []storage.Filter{
			storage.Eq(schema.FieldReceiverID, nodeID),
			storage.Eq(schema.FieldTimestamp, ts),
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "poll lora tie group")
	}
	return storage.DecodeAll[models.LoraMessage](rows)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
