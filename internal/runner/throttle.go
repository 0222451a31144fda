package runner

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// TokenBucket paces command injection. Tokens refill continuously at rate
// per second up to burst. A nil bucket never blocks.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	clk    clock.Clock
}

// NewTokenBucket builds a bucket starting full. rate must be positive;
// burst below 1 is raised to 1.
func NewTokenBucket(rate float64, burst int, clk clock.Clock) *TokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &TokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   clk.Now(),
		clk:    clk,
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	for {
		wait, ok := b.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clk.After(wait):
		}
	}
}

// take consumes a token if one is available, otherwise reports how long
// until the next one accrues.
func (b *TokenBucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// InflightTracker bounds how many command applies run at once and
// serializes applies per workflow id, so two targets of the same batch
// never race each other into version conflicts.
type InflightTracker struct {
	sem  chan struct{}
	mu   sync.Mutex
	busy map[string]chan struct{}
}

// NewInflightTracker caps total concurrency at max (minimum 1).
func NewInflightTracker(max int) *InflightTracker {
	if max < 1 {
		max = 1
	}
	return &InflightTracker{
		sem:  make(chan struct{}, max),
		busy: make(map[string]chan struct{}),
	}
}

// Acquire claims a slot for workflowID, waiting for both a free slot and
// the id itself. The returned release func must be called exactly once.
func (t *InflightTracker) Acquire(ctx context.Context, workflowID string) (func(), error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for {
		t.mu.Lock()
		holder, taken := t.busy[workflowID]
		if !taken {
			done := make(chan struct{})
			t.busy[workflowID] = done
			t.mu.Unlock()
			return func() {
				t.mu.Lock()
				delete(t.busy, workflowID)
				t.mu.Unlock()
				close(done)
				<-t.sem
			}, nil
		}
		t.mu.Unlock()
		select {
		case <-holder:
		case <-ctx.Done():
			<-t.sem
			return nil, ctx.Err()
		}
	}
}

// Inflight reports how many slots are currently claimed.
func (t *InflightTracker) Inflight() int {
	return len(t.sem)
}
