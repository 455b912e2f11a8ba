package lora

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/models"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
	"github.com/c3hub/fieldhub/internal/streamer"
)

func newTestRelay(t *testing.T) (*Relay, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(100, 0))
	db := storage.NewMemoryStore(schema.Tables()...)
	return New(db, Options{
		MaxMessageBytes: RadioFrameBytes,
		Stream:          streamer.Options{Clock: clk, Period: time.Second},
	}), clk
}

func ts(v float64) *float64 { return &v }

func messages(msgs []models.LoraMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message
	}
	return out
}

func TestSendAndFetchPerReceiver(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRelay(t)

	_, err := r.Send(ctx, "nodeA", "nodeB", "hi", ts(1))
	require.NoError(t, err)
	_, err = r.Send(ctx, "nodeA", "nodeB", "again", ts(2))
	require.NoError(t, err)
	_, err = r.Send(ctx, "nodeB", "nodeA", "reply", ts(3))
	require.NoError(t, err)

	got, err := r.Fetch(ctx, "nodeB", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "again"}, messages(got))
	assert.Equal(t, "nodeA", got[0].SenderID)

	got, err = r.Fetch(ctx, "nodeA", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"reply"}, messages(got))

	got, err = r.Fetch(ctx, "nodeC", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSinceIsInclusive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRelay(t)
	for _, v := range []float64{7, 3, 5, 9} {
		_, err := r.Send(ctx, "a", "node", "m", ts(v))
		require.NoError(t, err)
	}

	got, err := r.Fetch(ctx, "node", ts(5), 0)
	require.NoError(t, err)
	var stamps []float64
	for _, m := range got {
		stamps = append(stamps, m.Timestamp)
	}
	assert.Equal(t, []float64{5, 7, 9}, stamps)

	got, err = r.Fetch(ctx, "node", nil, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSendDefaultsTimestampToNow(t *testing.T) {
	r, _ := newTestRelay(t)
	receipt, err := r.Send(context.Background(), "a", "b", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, receipt.Timestamp)
	assert.Equal(t, "b", receipt.ReceiverID)
	assert.NotEmpty(t, receipt.ID)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRelay(t)

	_, err := r.Send(ctx, "", "b", "x", nil)
	assert.True(t, errors.IsNotValid(err), "got %v", err)
	_, err = r.Send(ctx, "a", " ", "x", nil)
	assert.True(t, errors.IsNotValid(err), "got %v", err)
	_, err = r.Send(ctx, "a", "b", strings.Repeat("x", RadioFrameBytes+1), nil)
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	_, err = r.Send(ctx, "a", "b", strings.Repeat("x", RadioFrameBytes), nil)
	assert.NoError(t, err)
}

func TestSendUnlimitedWithoutCap(t *testing.T) {
	r := New(storage.NewMemoryStore(schema.Tables()...), Options{})
	long := strings.Repeat("x", 4096)
	_, err := r.Send(context.Background(), "a", "b", long, ts(1))
	require.NoError(t, err)

	msgs, err := r.Fetch(context.Background(), "b", nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, long, msgs[0].Message)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRelay(t)
	_, err := r.Send(ctx, "a", "node", "first", ts(1))
	require.NoError(t, err)
	_, err = r.Send(ctx, "a", "other", "not mine", ts(2))
	require.NoError(t, err)

	sub := r.Subscribe(ctx, "node", 0)
	defer sub.Cancel()

	recv := func() models.LoraMessage {
		select {
		case m, ok := <-sub.C:
			require.True(t, ok)
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
			return models.LoraMessage{}
		}
	}
	assert.Equal(t, "first", recv().Message)

	clk.WaitForTimers(1)
	_, err = r.Send(ctx, "a", "node", "second", ts(4))
	require.NoError(t, err)
	clk.Advance(time.Second)
	assert.Equal(t, "second", recv().Message)
}

func TestSubscriptionPollCompletesOversizedTieGroup(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRelay(t)
	total := MaxLimit + 5
	for range total {
		_, err := r.Send(ctx, "a", "node", "burst", ts(5))
		require.NoError(t, err)
	}

	msgs, err := r.after(ctx, "node", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, total)

	msgs, err = r.after(ctx, "node", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
