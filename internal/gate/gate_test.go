package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
)

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()
	db := storage.NewMemoryStore(schema.Tables()...)
	require.NoError(t, db.Insert(context.Background(), schema.Devices, storage.Row{"id": "cam1", "device_name": "cam1"}))
	creds := credential.New(db, nil)
	key, err := creds.Issue(context.Background(), "cam1")
	require.NoError(t, err)
	return New(creds, nil), key
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (models.Device, error) {
	return models.Device{}, f.err
}

func TestAuthenticate(t *testing.T) {
	g, key := newTestGate(t)

	dev, err := g.Authenticate(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "cam1", dev.ID)

	for _, bad := range []string{"", "nope", "with spaces"} {
		_, err := g.Authenticate(context.Background(), bad)
		assert.True(t, errors.IsUnauthorized(err), "key %q: got %v", bad, err)
	}
}

func TestAuthenticateKeepsStoreFailures(t *testing.T) {
	boom := errors.New("store down")
	g := New(failingResolver{err: boom}, nil)
	_, err := g.Authenticate(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, errors.IsUnauthorized(err))
	assert.Equal(t, boom, errors.Cause(err))
}

func TestMiddleware(t *testing.T) {
	g, key := newTestGate(t)

	var seen models.Device
	h := g.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		assert.True(t, errors.IsUnauthorized(err))
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dev, ok := DeviceFrom(r.Context())
		require.True(t, ok)
		seen = dev
	}))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"api key header", HeaderAPIKey, key, http.StatusOK},
		{"bearer", "Authorization", "Bearer " + key, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", HeaderAPIKey, "wrong", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = models.Device{}
			req := httptest.NewRequest(http.MethodPost, "/telemetry", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "cam1", seen.ID)
			}
		})
	}
}
