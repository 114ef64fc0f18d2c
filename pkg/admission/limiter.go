package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

var ErrShutdown = errors.New("admission limiter is shutting down")

const rateWindow = time.Minute

// tokenEpsilon absorbs float accumulation error so a balance of exactly one
// token (modulo rounding) still admits.
const tokenEpsilon = 1e-9

// Config bounds the aggregate admission rate.
type Config struct {
	// RatePerMinute is the steady admission target.
	RatePerMinute int
	// BurstCapacity is the bucket capacity (max tokens accumulated while idle).
	BurstCapacity int
	// RefillInterval is how often the refill tick runs. Tokens are granted by
	// elapsed wall-clock time, not per tick, so the interval only controls
	// waiter wake-up latency.
	RefillInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 2000
	}
	if c.BurstCapacity <= 0 {
		c.BurstCapacity = 100
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = 100 * time.Millisecond
	}
	return c
}

type waiter struct {
	ch chan error
}

// Limiter is a token bucket gating outbound calls under a global budget.
// Waiters are resolved strictly FIFO. All state lives behind one mutex so
// check-and-consume is a single atomic step for every caller.
type Limiter struct {
	mu          sync.Mutex
	capacity    float64
	refillPerMs float64
	tokens      float64
	lastRefill  time.Time
	waiters     *list.List // of *waiter
	recent      []time.Time
	draining    bool

	clk    clock.WithTicker
	bus    *event.Bus
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewLimiter builds a limiter and starts its refill loop. The bus is
// optional; pass nil when nobody observes.
func NewLimiter(ctx context.Context, cfg Config, bus *event.Bus) *Limiter {
	return newLimiter(ctx, cfg, bus, clock.RealClock{})
}

func newLimiter(ctx context.Context, cfg Config, bus *event.Bus, clk clock.WithTicker) *Limiter {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	l := &Limiter{
		capacity:    float64(cfg.BurstCapacity),
		refillPerMs: float64(cfg.RatePerMinute) / float64(rateWindow/time.Millisecond),
		tokens:      float64(cfg.BurstCapacity),
		lastRefill:  clk.Now(),
		waiters:     list.New(),
		clk:         clk,
		bus:         bus,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
	}
	go l.run(ctx, cfg.RefillInterval)
	return l
}

func (l *Limiter) run(ctx context.Context, interval time.Duration) {
	defer close(l.doneCh)

	ticker := l.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-ticker.C():
			l.refill()
		}
	}
}

// refill advances the bucket by elapsed wall-clock time and wakes as many
// FIFO waiters as the new balance allows.
func (l *Limiter) refill() {
	l.mu.Lock()
	now := l.clk.Now()
	l.advanceLocked(now)
	l.resolveWaitersLocked(now)
	tokens := l.tokens
	l.mu.Unlock()

	l.bus.Publish(event.Event{Type: event.TokensRefilled, Tokens: tokens, At: now})
}

// advanceLocked applies drift-corrected refill: tokens owed are computed from
// real elapsed time since the previous refill, never from a fixed per-tick
// increment, so late or coalesced ticks cannot under- or over-admit.
func (l *Limiter) advanceLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	l.tokens += float64(elapsed) / float64(time.Millisecond) * l.refillPerMs
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

func (l *Limiter) resolveWaitersLocked(now time.Time) {
	for l.waiters.Len() > 0 && l.hasTokenLocked() {
		front := l.waiters.Front()
		l.waiters.Remove(front)
		l.tokens--
		l.recordLocked(now)
		front.Value.(*waiter).ch <- nil
	}
}

func (l *Limiter) hasTokenLocked() bool {
	return l.tokens+tokenEpsilon >= 1
}

// recordLocked notes a consumed token in the rolling rate log, lazily
// trimming entries that fell out of the trailing window.
func (l *Limiter) recordLocked(now time.Time) {
	l.recent = append(l.recent, now)
	cutoff := now.Add(-rateWindow)
	trim := 0
	for trim < len(l.recent) && l.recent[trim].Before(cutoff) {
		trim++
	}
	if trim > 0 {
		l.recent = append(l.recent[:0], l.recent[trim:]...)
	}
}

// Wait blocks until a token is consumed on the caller's behalf. Callers are
// served in arrival order. Returns ErrShutdown while draining and ctx.Err()
// if the caller gives up first.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return ErrShutdown
	}
	now := l.clk.Now()
	l.advanceLocked(now)
	if l.waiters.Len() == 0 && l.hasTokenLocked() {
		l.tokens--
		l.recordLocked(now)
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan error, 1)}
	el := l.waiters.PushBack(w)
	l.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case err := <-w.ch:
			// resolved while we were cancelling, the token is ours
			return err
		default:
			l.waiters.Remove(el)
			return ctx.Err()
		}
	}
}

// TryAcquire consumes a token if one is available right now. It never blocks
// and never queues. Pending waiters always outrank an opportunistic caller.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.draining {
		return false
	}
	now := l.clk.Now()
	l.advanceLocked(now)
	if l.waiters.Len() > 0 || !l.hasTokenLocked() {
		return false
	}
	l.tokens--
	l.recordLocked(now)
	return true
}

// EstimateWait reports the minimum delay until the next token exists, from
// the current deficit and the refill rate. Zero when a token is available.
func (l *Limiter) EstimateWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advanceLocked(l.clk.Now())
	deficit := 1 - l.tokens
	if l.waiters.Len() > 0 {
		deficit += float64(l.waiters.Len())
	}
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / l.refillPerMs * float64(time.Millisecond))
}

// CurrentRate reports tokens consumed over the trailing minute. This is a
// measurement, independent of the configured target.
func (l *Limiter) CurrentRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clk.Now().Add(-rateWindow)
	trim := 0
	for trim < len(l.recent) && l.recent[trim].Before(cutoff) {
		trim++
	}
	if trim > 0 {
		l.recent = append(l.recent[:0], l.recent[trim:]...)
	}
	return len(l.recent)
}

// Tokens reports the current balance. Observability only.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advanceLocked(l.clk.Now())
	return l.tokens
}

// Shutdown drains the limiter: every blocked waiter fails with ErrShutdown
// and later calls fail immediately. Safe to call more than once.
func (l *Limiter) Shutdown() {
	l.cancel()
	<-l.doneCh
}

func (l *Limiter) drain() {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	pending := l.waiters.Len()
	for el := l.waiters.Front(); el != nil; el = el.Next() {
		el.Value.(*waiter).ch <- ErrShutdown
	}
	l.waiters.Init()
	l.mu.Unlock()

	if pending > 0 {
		log.Info().Msgf("[admission] drained, %d waiter(s) rejected", pending)
	}
}
