package streamer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/clock"
)

type point struct {
	ts   float64
	name string
}

func (p point) OrderKey() float64 { return p.ts }

// table is an append-only list polled the way a store would be.
type table struct {
	mu    sync.Mutex
	items []point
	polls atomic.Int32
	fail  error
}

func (tb *table) add(items ...point) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.items = append(tb.items, items...)
}

func (tb *table) poll(ctx context.Context, cursor float64) ([]point, error) {
	tb.polls.Add(1)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.fail != nil {
		return nil, tb.fail
	}
	var out []point
	for _, p := range tb.items {
		if p.ts > cursor {
			out = append(out, p)
		}
	}
	return out, nil
}

func receive(t *testing.T, ch <-chan point) point {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "channel closed")
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for item")
		return point{}
	}
}

func waitClosed(t *testing.T, ch <-chan point) {
	t.Helper()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			t.Fatalf("unexpected item %v", p)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for close")
		}
	}
}

func TestSubscribeOrdersAndDeduplicates(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	tb := &table{}
	tb.add(point{1, "a"}, point{3, "c"}, point{2, "b"})

	s := New(tb.poll, Options{Clock: clk, Period: time.Second})
	sub := s.Subscribe(context.Background(), Cursor{SubjectID: "dev"})
	defer sub.Cancel()

	assert.Equal(t, "a", receive(t, sub.C).name)
	assert.Equal(t, "b", receive(t, sub.C).name)
	assert.Equal(t, "c", receive(t, sub.C).name)

	// A second poll finds nothing new.
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	assert.Equal(t, int32(2), tb.polls.Load())

	tb.add(point{4, "d"})
	clk.Advance(time.Second)
	assert.Equal(t, "d", receive(t, sub.C).name)
	clk.WaitForTimers(1)
	assert.Equal(t, 4.0, sub.Cursor().LastSeen)

	sub.Cancel()
	waitClosed(t, sub.C)
	assert.NoError(t, sub.Err())
}

func TestSubscribeDeliversWholeTieGroup(t *testing.T) {
	tb := &table{}
	tb.add(point{2, "x"}, point{1, "a"}, point{2, "y"})

	sub := New(tb.poll, Options{Clock: clock.Fake(time.Unix(0, 0))}).
		Subscribe(context.Background(), Cursor{SubjectID: "dev"})
	defer sub.Cancel()

	assert.Equal(t, "a", receive(t, sub.C).name)
	assert.Equal(t, "x", receive(t, sub.C).name)
	assert.Equal(t, "y", receive(t, sub.C).name)
}

func TestSubscribeStartsAfterCursor(t *testing.T) {
	tb := &table{}
	tb.add(point{1, "a"}, point{2, "b"}, point{3, "c"})

	sub := New(tb.poll, Options{Clock: clock.Fake(time.Unix(0, 0))}).
		Subscribe(context.Background(), Cursor{SubjectID: "dev", LastSeen: 2})
	defer sub.Cancel()

	assert.Equal(t, "c", receive(t, sub.C).name)
}

func TestPollFailureEndsSubscription(t *testing.T) {
	boom := errors.New("disk on fire")
	tb := &table{fail: boom}

	sub := New(tb.poll, Options{Clock: clock.Fake(time.Unix(0, 0))}).
		Subscribe(context.Background(), Cursor{SubjectID: "dev"})

	waitClosed(t, sub.C)
	<-sub.Done()
	require.Error(t, sub.Err())
	assert.Equal(t, boom, errors.Cause(sub.Err()))
}

func TestCancelStopsPolling(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	tb := &table{}
	tb.add(point{1, "a"}, point{2, "b"})

	ctx, cancel := context.WithCancel(context.Background())
	sub := New(tb.poll, Options{Clock: clk}).Subscribe(ctx, Cursor{SubjectID: "dev"})

	assert.Equal(t, "a", receive(t, sub.C).name)
	// The goroutine is now blocked handing over "b".
	cancel()
	<-sub.Done()
	polls := tb.polls.Load()

	clk.Advance(time.Hour)
	assert.Equal(t, polls, tb.polls.Load())
	assert.NoError(t, sub.Err())
	assert.Equal(t, 1.0, sub.Cursor().LastSeen)
}

func TestRunStopsOnEmitError(t *testing.T) {
	tb := &table{}
	tb.add(point{1, "a"}, point{2, "b"})
	stop := errors.New("client gone")

	s := New(tb.poll, Options{Clock: clock.Fake(time.Unix(0, 0))})
	cursor := Cursor{SubjectID: "dev"}
	err := s.Run(context.Background(), &cursor, func(p point) error {
		if p.name == "b" {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, errors.Cause(err))
	assert.Equal(t, 1.0, cursor.LastSeen)
}

func TestTrimTies(t *testing.T) {
	pts := func(ts ...float64) []point {
		out := make([]point, len(ts))
		for i, v := range ts {
			out[i] = point{ts: v}
		}
		return out
	}

	assert.Equal(t, pts(1, 2, 2), TrimTies(pts(1, 2, 2), 4))
	assert.Equal(t, pts(1), TrimTies(pts(1, 2, 2), 3))
	assert.Equal(t, pts(1, 2), TrimTies(pts(1, 2, 3), 3))
	assert.Equal(t, pts(5, 5, 5), TrimTies(pts(5, 5, 5), 3))
	assert.Empty(t, TrimTies(pts(), 3))
}

func TestSingleTieGroup(t *testing.T) {
	pts := func(ts ...float64) []point {
		out := make([]point, len(ts))
		for i, v := range ts {
			out[i] = point{ts: v}
		}
		return out
	}

	key, ok := SingleTieGroup(pts(5, 5, 5), 3)
	assert.True(t, ok)
	assert.Equal(t, 5.0, key)

	_, ok = SingleTieGroup(pts(5, 5), 3)
	assert.False(t, ok, "batch below limit is complete")
	_, ok = SingleTieGroup(pts(4, 5, 5), 3)
	assert.False(t, ok)
	_, ok = SingleTieGroup(pts(5, 5, 5), 0)
	assert.False(t, ok)
}
