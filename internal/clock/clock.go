// Package clock lets time-dependent code run against a deterministic fake
// in tests. Production code takes Real(); tests take Fake().
package clock

import "time"

// Clock is the subset of the time package the hub depends on.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. If d <= 0 the channel is ready
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1; late ticks are
// dropped, as with time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Seconds converts t to float seconds since the Unix epoch, the
// representation used for record and message timestamps.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
