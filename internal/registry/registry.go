// Package registry owns device identity: registration, lookup, search,
// update and removal. Credentials are delegated to the credential store.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
)

// updatable lists the fields Update may change. The API key is changed
// only through rotation.
var updatable = map[string]bool{
	schema.FieldDeviceType:  true,
	schema.FieldDeviceName:  true,
	schema.FieldOwnerUserID: true,
}

// readOnly fields are accepted in an update body and ignored, so a client
// can send back a device it fetched.
var readOnly = map[string]bool{
	schema.FieldID:  true,
	"registered_at": true,
}

type Registry struct {
	db     storage.Store
	creds  *credential.Store
	clock  clock.Clock
	logger *slog.Logger
}

func New(db storage.Store, creds *credential.Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{db: db, creds: creds, clock: clk, logger: logger}
}

// Register creates a device and issues its first API key. Device names
// need not be unique.
func (r *Registry) Register(ctx context.Context, deviceType, deviceName, ownerUserID string) (deviceID, apiKey string, err error) {
	for field, v := range map[string]string{
		schema.FieldDeviceType:  deviceType,
		schema.FieldDeviceName:  deviceName,
		schema.FieldOwnerUserID: ownerUserID,
	} {
		if strings.TrimSpace(v) == "" {
			return "", "", errors.NotValidf("empty %s", field)
		}
	}

	dev := models.Device{
		ID:           uuid.NewString(),
		DeviceType:   deviceType,
		DeviceName:   deviceName,
		OwnerUserID:  ownerUserID,
		RegisteredAt: clock.Seconds(r.clock.Now()),
	}
	row, err := storage.Encode(dev)
	if err != nil {
		return "", "", err
	}
	if err := r.db.Insert(ctx, schema.Devices, row); err != nil {
		return "", "", errors.Annotate(err, "register device")
	}

	apiKey, err = r.creds.Issue(ctx, dev.ID)
	if err != nil {
		if _, derr := r.db.Delete(ctx, schema.Devices, []storage.Filter{storage.Eq(schema.FieldID, dev.ID)}); derr != nil {
			r.logger.Error("removing device after failed key issue", "device_id", dev.ID, "error", derr)
		}
		return "", "", errors.Annotate(err, "register device")
	}

	r.logger.Info("device registered", "device_id", dev.ID, "device_type", deviceType)
	return dev.ID, apiKey, nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (models.Device, error) {
	rows, err := r.db.Select(ctx, schema.Devices, storage.Query{
		Filters: []storage.Filter{storage.Eq(schema.FieldID, deviceID)},
		Limit:   1,
	})
	if err != nil {
		return models.Device{}, errors.Annotate(err, "get device")
	}
	if len(rows) == 0 {
		return models.Device{}, errors.NotFoundf("device %q", deviceID)
	}
	var dev models.Device
	if err := storage.Decode(rows[0], &dev); err != nil {
		return models.Device{}, errors.Trace(err)
	}
	return dev, nil
}

// List returns a snapshot of every device in no particular order.
func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.Select(ctx, schema.Devices, storage.Query{})
	if err != nil {
		return nil, errors.Annotate(err, "list devices")
	}
	return storage.DecodeAll[models.Device](rows)
}

// Search matches substring against device names, ignoring case. An empty
// substring matches every device.
func (r *Registry) Search(ctx context.Context, substring string) ([]models.Device, error) {
	if substring == "" {
		return r.List(ctx)
	}
	rows, err := r.db.Select(ctx, schema.Devices, storage.Query{
		Filters: []storage.Filter{storage.ILike(schema.FieldDeviceName, substring)},
	})
	if err != nil {
		return nil, errors.Annotate(err, "search devices")
	}
	return storage.DecodeAll[models.Device](rows)
}

// Update replaces the given fields of a device and returns the result.
func (r *Registry) Update(ctx context.Context, deviceID string, fields map[string]any) (models.Device, error) {
	patch := make(storage.Row, len(fields))
	var unknown []string
	for k, v := range fields {
		switch {
		case readOnly[k]:
			continue
		case updatable[k]:
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return models.Device{}, errors.NotValidf("%s", k)
			}
			patch[k] = s
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return models.Device{}, errors.NotValidf("fields %s", strings.Join(unknown, ", "))
	}
	if len(patch) == 0 {
		return models.Device{}, errors.NotValidf("empty update")
	}

	n, err := r.db.Update(ctx, schema.Devices, []storage.Filter{storage.Eq(schema.FieldID, deviceID)}, patch)
	if err != nil {
		return models.Device{}, errors.Annotate(err, "update device")
	}
	if n == 0 {
		return models.Device{}, errors.NotFoundf("device %q", deviceID)
	}
	r.logger.Info("device updated", "device_id", deviceID)
	return r.Get(ctx, deviceID)
}

// Delete removes the device. Its telemetry stays addressable by device id.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	n, err := r.db.Delete(ctx, schema.Devices, []storage.Filter{storage.Eq(schema.FieldID, deviceID)})
	if err != nil {
		return errors.Annotate(err, "delete device")
	}
	if n == 0 {
		return errors.NotFoundf("device %q", deviceID)
	}
	r.logger.Info("device deleted", "device_id", deviceID)
	return nil
}
