// Package streamer turns a pollable, timestamp-ordered table into a push
// subscription. Each subscription polls the store, emits anything newer
// than its cursor, then sleeps for the poll period.
package streamer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/clock"
)

const DefaultPeriod = 2 * time.Second

// Item is anything with an ordering key.
type Item interface {
	OrderKey() float64
}

// PollFunc returns items with an ordering key strictly greater than cursor.
// Results need not be sorted.
type PollFunc[T Item] func(ctx context.Context, cursor float64) ([]T, error)

// Cursor is the position of one subscription.
type Cursor struct {
	SubjectID string
	LastSeen  float64
}

type Options struct {
	Period time.Duration // DefaultPeriod if zero
	Clock  clock.Clock   // clock.Real() if nil
	Logger *slog.Logger
}

type Streamer[T Item] struct {
	poll   PollFunc[T]
	period time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

func New[T Item](poll PollFunc[T], opts Options) *Streamer[T] {
	s := &Streamer[T]{
		poll:   poll,
		period: opts.Period,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if s.period <= 0 {
		s.period = DefaultPeriod
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Run polls and emits until ctx is done, emit fails or the poll fails.
// The first poll happens immediately. The cursor advances past an item
// only once emit has returned nil for it. Cancellation returns nil.
func (s *Streamer[T]) Run(ctx context.Context, cursor *Cursor, emit func(T) error) error {
	for {
		items, err := s.poll(ctx, cursor.LastSeen)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("stream poll failed", "subject", cursor.SubjectID, "error", err)
			return errors.Annotatef(err, "poll %s", cursor.SubjectID)
		}

		sort.SliceStable(items, func(i, j int) bool {
			return items[i].OrderKey() < items[j].OrderKey()
		})
		// Items sharing a timestamp all pass against the cursor the batch
		// was polled with.
		floor := cursor.LastSeen
		for _, item := range items {
			if item.OrderKey() <= floor {
				continue
			}
			if err := emit(item); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Trace(err)
			}
			cursor.LastSeen = item.OrderKey()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.period):
		}
	}
}

// Subscription delivers items on C until cancelled or failed. C is closed
// when the subscription ends; Err reports why.
type Subscription[T Item] struct {
	C <-chan T

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	cursor Cursor
	err    error
}

// Subscribe starts a goroutine running the stream from cursor.
func (s *Streamer[T]) Subscribe(ctx context.Context, cursor Cursor) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan T)
	sub := &Subscription[T]{
		C:      ch,
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: cursor,
	}

	s.logger.Debug("subscription started", "subject", cursor.SubjectID, "since", cursor.LastSeen)
	go func() {
		defer close(sub.done)
		defer close(ch)
		defer cancel()

		local := cursor
		err := s.Run(ctx, &local, func(item T) error {
			select {
			case ch <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			sub.mu.Lock()
			sub.cursor.LastSeen = item.OrderKey()
			sub.mu.Unlock()
			return nil
		})

		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		s.logger.Debug("subscription ended", "subject", cursor.SubjectID, "error", err)
	}()
	return sub
}

// Cancel stops the subscription and waits for its goroutine to exit.
func (sub *Subscription[T]) Cancel() {
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription goroutine has exited.
func (sub *Subscription[T]) Done() <-chan struct{} { return sub.done }

// Err is nil while running and after a cancellation; otherwise it is the
// failure that ended the subscription.
func (sub *Subscription[T]) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Cursor is the position after the last item the subscriber received.
func (sub *Subscription[T]) Cursor() Cursor {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.cursor
}

// TrimTies drops the trailing run of equal keys from a sorted batch that
// filled limit, so a group of ties is never split between two polls. A
// batch made of a single tie group is returned whole; see SingleTieGroup.
func TrimTies[T Item](items []T, limit int) []T {
	if limit <= 0 || len(items) < limit {
		return items
	}
	last := items[len(items)-1].OrderKey()
	i := len(items)
	for i > 0 && items[i-1].OrderKey() == last {
		i--
	}
	if i == 0 {
		return items
	}
	return items[:i]
}

// SingleTieGroup reports whether a sorted batch filled limit with one key
// only. Rows of that key may remain beyond the limit, so the caller must
// fetch the whole group before handing the batch to Run: once emitted,
// the cursor moves past the key and the rest would never be polled.
func SingleTieGroup[T Item](items []T, limit int) (float64, bool) {
	if limit <= 0 || len(items) < limit {
		return 0, false
	}
	key := items[0].OrderKey()
	if items[len(items)-1].OrderKey() != key {
		return 0, false
	}
	return key, true
}
