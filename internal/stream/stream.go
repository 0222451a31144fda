// Package stream delivers one workflow type's events to consumers in
// global_id order under durable, named offsets. Reader polls the store
// with adaptive backoff; HybridReader fronts the same cursor with a
// JetStream consumer and falls back to polling whenever NATS misbehaves.
//
// Offsets commit with a compare-and-swap on the previous value, so a
// reader name accidentally run by two processes fails fast with
// workflow.ErrOffsetConflict instead of consuming events twice.
package stream

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// Default idle backoff bounds for readers.
const (
	DefaultMinSleep = 100 * time.Millisecond
	DefaultMaxSleep = 20 * time.Second
)

// DefaultBatchSize bounds one fetch from the log.
const DefaultBatchSize = 100

// Sleeper backs off while a stream is idle. Each Wait sleeps the current
// interval and doubles it up to the cap; Reset drops back to the minimum
// once events flow again. A Sleeper belongs to a single reader goroutine
// and is not safe for concurrent use.
type Sleeper struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
	clk     clock.Clock
}

// NewSleeper builds a sleeper with the given bounds. Non-positive bounds
// fall back to the defaults; a nil clock means wall clock.
func NewSleeper(min, max time.Duration, clk clock.Clock) *Sleeper {
	if min <= 0 {
		min = DefaultMinSleep
	}
	if max <= 0 {
		max = DefaultMaxSleep
	}
	if max < min {
		max = min
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sleeper{min: min, max: max, current: min, clk: clk}
}

// Wait blocks for the current interval or until ctx is done, then doubles
// the interval up to the cap.
func (s *Sleeper) Wait(ctx context.Context) error {
	d := s.current
	s.current *= 2
	if s.current > s.max {
		s.current = s.max
	}
	select {
	case <-s.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset drops the interval back to the minimum.
func (s *Sleeper) Reset() {
	s.current = s.min
}

// Current reports how long the next Wait would sleep.
func (s *Sleeper) Current() time.Duration {
	return s.current
}
