package trade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peertrade/core/internal/dispute"
	"github.com/peertrade/core/internal/metrics"
	"github.com/peertrade/core/internal/notify"
)

// GateWatch mirrors the dispute gate server-side. It is a notify sink:
// when a buyer marks payment it starts a countdown for that trade, and the
// moment the window elapses it emits dispute_available so watching views
// flip the dispute action without polling. A terminal event cancels the
// watch.
//
// Watches live in memory only; after a restart clients fall back to the
// dispute endpoint, which computes the same gate on demand.
type GateWatch struct {
	notifier notify.Notifier
	logger   *slog.Logger
	clock    func() time.Time
	tick     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*dispute.Countdown
}

// NewGateWatch creates a gate watcher emitting through the given notifier.
func NewGateWatch(notifier notify.Notifier, logger *slog.Logger) *GateWatch {
	ctx, cancel := context.WithCancel(context.Background())
	return &GateWatch{
		notifier: notifier,
		logger:   logger,
		clock:    time.Now,
		tick:     time.Second,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[string]*dispute.Countdown),
	}
}

// WithClock overrides the time source (tests).
func (g *GateWatch) WithClock(now func() time.Time) *GateWatch {
	g.clock = now
	return g
}

// WithTick overrides the countdown interval (tests).
func (g *GateWatch) WithTick(d time.Duration) *GateWatch {
	g.tick = d
	return g
}

// Publish implements notify.Sink.
func (g *GateWatch) Publish(event notify.Event) {
	switch event.Type {
	case notify.EventPaymentMarked:
		g.watch(event)
	case notify.EventTradeCompleted, notify.EventTradeCancelled, notify.EventDisputeOpened:
		g.drop(event.TradeID)
	}
}

// watch starts the countdown for one trade. The payment timestamp is the
// event's stamp, which the emitter sets at mark time.
func (g *GateWatch) watch(event notify.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.watches[event.TradeID]; ok {
		return
	}

	paidAt := event.Timestamp
	var cd *dispute.Countdown
	cd = dispute.NewCountdown(&paidAt, func(st dispute.State) {
		if !st.CanDispute {
			return
		}
		cd.Stop()
		g.drop(event.TradeID)
		g.notifier.Notify(g.ctx, notify.Event{
			Type:    notify.EventDisputeAvailable,
			TradeID: event.TradeID,
			Amount:  event.Amount,
			Symbol:  event.Symbol,
		})
		if g.logger != nil {
			g.logger.Info("dispute window elapsed", "trade_id", event.TradeID)
		}
	}, g.logger).WithClock(g.clock).WithInterval(g.tick)

	g.watches[event.TradeID] = cd
	metrics.ActiveDisputeWatches.Set(float64(len(g.watches)))
	go cd.Start(g.ctx)
}

// drop cancels and forgets the watch for a trade, if any.
func (g *GateWatch) drop(tradeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cd, ok := g.watches[tradeID]; ok {
		cd.Stop()
		delete(g.watches, tradeID)
		metrics.ActiveDisputeWatches.Set(float64(len(g.watches)))
	}
}

// Watching reports whether a countdown is active for the trade.
func (g *GateWatch) Watching(tradeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.watches[tradeID]
	return ok
}

// Stop cancels every active watch.
func (g *GateWatch) Stop() {
	g.cancel()
}
