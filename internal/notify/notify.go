// Package notify delivers semantic trade lifecycle events to the outside
// world: toast/sound sinks on the trading views and the live WebSocket feed.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/peertrade/core/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emits by event type.",
	}, []string{"event_type"})

	notifyDropTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "notify",
		Name:      "drop_total",
		Help:      "Total notifications dropped by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyDropTotal)
}

// EventType identifies a semantic trade event.
type EventType string

const (
	EventPaymentMarked  EventType = "payment_marked"
	EventTradeCompleted EventType = "trade_completed"
	EventTradeCancelled EventType = "trade_cancelled"
	EventDisputeOpened  EventType = "dispute_opened"
	// EventDisputeAvailable fires when the dispute window on a
	// payment-marked trade has elapsed.
	EventDisputeAvailable EventType = "dispute_available"
	// EventTradeUpdated is the refresh signal: watching views should
	// re-fetch authoritative trade state.
	EventTradeUpdated EventType = "trade_updated"
)

// Event is a semantic notification about one trade.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TradeID   string    `json:"tradeId"`
	Amount    string    `json:"amount,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier accepts semantic trade events for display (sound/toast) and
// streaming. Implementations are fire-and-forget: they log failures but
// never return them into the trade path.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Sink receives serialized events; the WebSocket hub implements it.
type Sink interface {
	Publish(event Event)
}

// Emitter fans events out to the registered sinks.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

// Notify stamps the event and hands it to every sink.
func (e *Emitter) Notify(_ context.Context, event Event) {
	if e == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(event.Type)).Inc()

	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sink := range e.sinks {
		sink.Publish(event)
	}
	if e.logger != nil {
		e.logger.Debug("notification emitted",
			"event", event.Type, "trade_id", event.TradeID)
	}
}

// Discard is a Notifier that drops everything (tests, disabled sinks).
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}
