package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpenCircuit is returned by Allow while polls are being skipped.
var ErrOpenCircuit = errors.New("resilience: circuit open")

// State is the position of a PollBreaker.
type State int

const (
	// Closed lets every poll reach the broker.
	Closed State = iota
	// Open skips polls until the cooldown has elapsed.
	Open
	// HalfOpen lets a single trial poll through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// PollBreaker stops calling the broker after Threshold consecutive failed
// polls. Once Cooldown has passed the next poll is let through; its outcome
// closes the breaker or starts another cooldown.
//
// A nil *PollBreaker allows everything.
type PollBreaker struct {
	Threshold int
	Cooldown  time.Duration
	Target    string
	Logger    zerolog.Logger
	Metrics   *BreakerMetrics
	// Now defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
}

// State returns the breaker position.
func (b *PollBreaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow returns ErrOpenCircuit while the cooldown is running.
func (b *PollBreaker) Allow(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.clock().Sub(b.openedAt) < b.Cooldown {
			return ErrOpenCircuit
		}
		b.moveTo(ctx, HalfOpen)
	case HalfOpen:
		// the trial poll is still in flight
		return ErrOpenCircuit
	}
	return nil
}

// Record feeds the outcome of a poll that Allow let through.
func (b *PollBreaker) Record(ctx context.Context, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.streak = 0
		if b.state != Closed {
			b.moveTo(ctx, Closed)
		}
		return
	}
	b.streak++
	if b.state == HalfOpen || b.streak >= max(b.Threshold, 1) {
		b.openedAt = b.clock()
		if b.state != Open {
			b.moveTo(ctx, Open)
		}
	}
}

func (b *PollBreaker) moveTo(ctx context.Context, to State) {
	from := b.state
	b.state = to
	if b.Metrics != nil {
		b.Metrics.observe(b.Target, from, to)
	}
	logger := b.Logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info()
	if to == Open {
		evt = logger.Warn().Int("consecutive_failures", b.streak).Dur("cooldown", b.Cooldown)
	}
	evt.Str("target", b.Target).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("poll breaker state changed")
}

func (b *PollBreaker) clock() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
