package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/streamer"
)

func fixedSource(records []models.TelemetryRecord, fail error) Source[models.TelemetryRecord] {
	s := streamer.New(func(ctx context.Context, cursor float64) ([]models.TelemetryRecord, error) {
		if fail != nil {
			return nil, fail
		}
		return records, nil
	}, streamer.Options{Clock: clock.Fake(time.Unix(0, 0))})
	return func(ctx context.Context) *streamer.Subscription[models.TelemetryRecord] {
		return s.Subscribe(ctx, streamer.Cursor{SubjectID: "d1"})
	}
}

func dial(t *testing.T, h http.HandlerFunc) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

var records = []models.TelemetryRecord{
	{ID: "r2", DeviceID: "d1", Timestamp: 2, Data: map[string]any{"v": "b"}},
	{ID: "r1", DeviceID: "d1", Timestamp: 1, Data: map[string]any{"v": "a"}},
}

func TestServeJSON(t *testing.T) {
	conn := dial(t, func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, fixedSource(records, nil), Options{Format: codec.JSON})
	})

	for _, want := range []string{"r1", "r2"} {
		var rec models.TelemetryRecord
		require.NoError(t, conn.ReadJSON(&rec))
		assert.Equal(t, want, rec.ID)
	}
}

func TestServeCBOR(t *testing.T) {
	conn := dial(t, func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, fixedSource(records, nil), Options{Format: codec.CBOR})
	})

	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	var rec models.TelemetryRecord
	require.NoError(t, codec.Unmarshal(data, &rec))
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "a", rec.Data["v"])
}

func TestServeClosesOnStreamFailure(t *testing.T) {
	conn := dial(t, func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, fixedSource(nil, errors.New("store down")), Options{})
	})

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
}
