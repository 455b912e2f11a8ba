package registry

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *credential.Store, storage.Store) {
	t.Helper()
	db := storage.NewMemoryStore(schema.Tables()...)
	creds := credential.New(db, nil)
	return New(db, creds, clock.Fake(time.Unix(1700000000, 0)), nil), creds, db
}

func names(devices []models.Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.DeviceName)
	}
	sort.Strings(out)
	return out
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r, creds, _ := newTestRegistry(t)

	id, key, err := r.Register(ctx, models.DeviceTypeCamera, "cam1", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, key)

	dev, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cam1", dev.DeviceName)
	assert.Equal(t, models.DeviceTypeCamera, dev.DeviceType)
	assert.Equal(t, "user-1", dev.OwnerUserID)
	assert.Equal(t, 1700000000.0, dev.RegisteredAt)
	assert.Empty(t, dev.APIKey)

	resolved, err := creds.Resolve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, id, resolved.ID)
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, _, err := r.Register(context.Background(), "camera", " ", "user-1")
	assert.True(t, errors.IsNotValid(err), "got %v", err)
}

func TestDuplicateNamesAllowed(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	a, _, err := r.Register(ctx, "camera", "cam", "u")
	require.NoError(t, err)
	b, _, err := r.Register(ctx, "camera", "cam", "u")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetUnknown(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	for _, name := range []string{"Roof Camera", "gate-camera", "Weather Station"} {
		_, _, err := r.Register(ctx, "camera", name, "u")
		require.NoError(t, err)
	}

	found, err := r.Search(ctx, "CAMERA")
	require.NoError(t, err)
	assert.Equal(t, []string{"Roof Camera", "gate-camera"}, names(found))

	found, err = r.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, found, 3)

	found, err = r.Search(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r, creds, _ := newTestRegistry(t)
	id, key, err := r.Register(ctx, "camera", "cam1", "u")
	require.NoError(t, err)

	dev, err := r.Update(ctx, id, map[string]any{
		"device_name":   "cam-renamed",
		"id":            id,
		"registered_at": 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "cam-renamed", dev.DeviceName)
	assert.Equal(t, 1700000000.0, dev.RegisteredAt)

	_, err = r.Update(ctx, id, map[string]any{"api_key": "x"})
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	_, err = r.Update(ctx, id, map[string]any{"device_name": ""})
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	_, err = r.Update(ctx, "missing", map[string]any{"device_name": "x"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	resolved, err := creds.Resolve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "cam-renamed", resolved.DeviceName)
}

func TestDeleteKeepsTelemetry(t *testing.T) {
	ctx := context.Background()
	r, creds, db := newTestRegistry(t)
	id, key, err := r.Register(ctx, "station", "st1", "u")
	require.NoError(t, err)
	require.NoError(t, db.Insert(ctx, schema.Telemetry, storage.Row{"device_id": id, "timestamp": 1.0}))

	require.NoError(t, r.Delete(ctx, id))
	assert.True(t, errors.IsNotFound(r.Delete(ctx, id)))

	_, err = creds.Resolve(ctx, key)
	assert.True(t, errors.IsUnauthorized(err), "got %v", err)

	rows, err := db.Select(ctx, schema.Telemetry, storage.Query{
		Filters: []storage.Filter{storage.Eq("device_id", id)},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
