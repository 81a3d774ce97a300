package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc receives the freshly computed gate state on every tick.
type TickFunc func(State)

// Countdown re-evaluates the dispute gate once per second for as long as the
// owning view is active, and immediately on start and whenever the payment
// timestamp changes. The ticker is released on every exit path so a torn
// down view never leaks its interval.
type Countdown struct {
	onTick   TickFunc
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu     sync.Mutex
	paidAt *time.Time
}

// NewCountdown creates a countdown for one trade view. buyerPaidAt may be
// nil; the gate then reports the full window until SetPaidAt is called.
func NewCountdown(buyerPaidAt *time.Time, onTick TickFunc, logger *slog.Logger) *Countdown {
	return &Countdown{
		onTick:   onTick,
		interval: time.Second,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		paidAt:   buyerPaidAt,
	}
}

// WithClock overrides the time source (tests).
func (c *Countdown) WithClock(now func() time.Time) *Countdown {
	c.now = now
	return c
}

// WithInterval overrides the one-second tick interval (tests).
func (c *Countdown) WithInterval(d time.Duration) *Countdown {
	c.interval = d
	return c
}

// Running reports whether the countdown loop is actively running.
func (c *Countdown) Running() bool {
	return c.running.Load()
}

// SetPaidAt updates the payment timestamp and recomputes immediately.
func (c *Countdown) SetPaidAt(paidAt *time.Time) {
	c.mu.Lock()
	c.paidAt = paidAt
	c.mu.Unlock()
	c.tick()
}

// Start begins the per-second loop. Call in a goroutine; returns when the
// context is cancelled or Stop is called.
func (c *Countdown) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.safeTick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeTick()
		}
	}
}

// Stop signals the countdown to stop. Safe to call more than once.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Countdown) safeTick() {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("panic in dispute countdown", "panic", fmt.Sprint(r))
		}
	}()
	c.tick()
}

func (c *Countdown) tick() {
	c.mu.Lock()
	paidAt := c.paidAt
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(Compute(paidAt, c.now()))
	}
}
