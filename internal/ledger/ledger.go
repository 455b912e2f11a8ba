// Package ledger stores telemetry records and serves them newest-first,
// by cursor, or as a live subscription.
package ledger

import (
	"context"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
	"github.com/c3hub/fieldhub/internal/streamer"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Ledger struct {
	db     storage.Store
	stream streamer.Options
	logger *slog.Logger
}

// New returns a ledger over db. opts configure subscriptions.
func New(db storage.Store, opts streamer.Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{db: db, stream: opts, logger: logger}
}

// Append stores rec on behalf of dev, which the caller has already
// authenticated. An empty rec.DeviceID is taken from dev.
func (l *Ledger) Append(ctx context.Context, dev models.Device, rec models.TelemetryRecord) (models.TelemetryRecord, error) {
	switch rec.DeviceID {
	case "":
		rec.DeviceID = dev.ID
	case dev.ID:
	default:
		return models.TelemetryRecord{}, errors.Unauthorizedf("device %q may not submit for %q", dev.ID, rec.DeviceID)
	}
	if math.IsNaN(rec.Timestamp) || math.IsInf(rec.Timestamp, 0) {
		return models.TelemetryRecord{}, errors.NotValidf("timestamp %v", rec.Timestamp)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	rec.ID = uuid.NewString()

	row, err := storage.Encode(rec)
	if err != nil {
		return models.TelemetryRecord{}, errors.NotValidf("telemetry data: %v", err)
	}
	if err := l.db.Insert(ctx, schema.Telemetry, row); err != nil {
		return models.TelemetryRecord{}, errors.Annotate(err, "append telemetry")
	}
	l.logger.Debug("telemetry appended", "device_id", rec.DeviceID, "timestamp", rec.Timestamp)
	return rec, nil
}

// Tail returns up to limit records for the device, newest first.
func (l *Ledger) Tail(ctx context.Context, deviceID string, limit int) ([]models.TelemetryRecord, error) {
	rows, err := l.db.Select(ctx, schema.Telemetry, storage.Query{
		Filters: []storage.Filter{storage.Eq(schema.FieldDeviceID, deviceID)},
		Order:   &storage.Order{Field: schema.FieldTimestamp, Desc: true},
		Limit:   clampLimit(limit),
	})
	if err != nil {
		return nil, errors.Annotate(err, "tail telemetry")
	}
	return decode(rows)
}

// Since returns records with a timestamp strictly after cursor, oldest
// first. A full batch never ends partway through a group of equal
// timestamps. When the whole batch is one such group, the group is
// returned complete even if that exceeds limit.
func (l *Ledger) Since(ctx context.Context, deviceID string, cursor float64, limit int) ([]models.TelemetryRecord, error) {
	limit = clampLimit(limit)
	rows, err := l.db.Select(ctx, schema.Telemetry, storage.Query{
		Filters: []storage.Filter{
			storage.Eq(schema.FieldDeviceID, deviceID),
			storage.Gt(schema.FieldTimestamp, cursor),
		},
		Order: &storage.Order{Field: schema.FieldTimestamp},
		Limit: limit,
	})
	if err != nil {
		return nil, errors.Annotate(err, "telemetry since cursor")
	}
	records, err := decode(rows)
	if err != nil {
		return nil, err
	}
	if ts, ok := streamer.SingleTieGroup(records, limit); ok {
		return l.at(ctx, deviceID, ts)
	}
	return streamer.TrimTies(records, limit), nil
}

// at returns every record of the device stamped exactly ts.
func (l *Ledger) at(ctx context.Context, deviceID string, ts float64) ([]models.TelemetryRecord, error) {
	rows, err := l.db.Select(ctx, schema.Telemetry, storage.Query{
		Filters: []storage.Filter{
			storage.Eq(schema.FieldDeviceID, deviceID),
			storage.Eq(schema.FieldTimestamp, ts),
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "telemetry tie group")
	}
	return decode(rows)
}

// Subscribe streams the device's records with a timestamp after since.
func (l *Ledger) Subscribe(ctx context.Context, deviceID string, since float64) *streamer.Subscription[models.TelemetryRecord] {
	s := streamer.New(func(ctx context.Context, cursor float64) ([]models.TelemetryRecord, error) {
		return l.Since(ctx, deviceID, cursor, MaxLimit)
	}, l.stream)
	return s.Subscribe(ctx, streamer.Cursor{SubjectID: deviceID, LastSeen: since})
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

func decode(rows []storage.Row) ([]models.TelemetryRecord, error) {
	return storage.DecodeAll[models.TelemetryRecord](rows)
}
