package trade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/peertrade/core/internal/dispute"
	"github.com/peertrade/core/internal/idgen"
	"github.com/peertrade/core/internal/logging"
	"github.com/peertrade/core/internal/metrics"
	"github.com/peertrade/core/internal/notify"
	"github.com/peertrade/core/internal/pagination"
	"github.com/peertrade/core/internal/syncutil"
	"github.com/peertrade/core/internal/traces"
	"github.com/peertrade/core/internal/validation"
)

// RefreshFunc is invoked after every successful mutation so the host view
// can re-fetch authoritative state.
type RefreshFunc func(tradeID string)

// Service implements the trade lifecycle business logic.
type Service struct {
	store    Store
	notifier notify.Notifier
	refresh  RefreshFunc
	now      func() time.Time
	locks    syncutil.ShardedMutex // per-trade locks: the re-entrancy guard for mutations
}

// NewService creates a new trade service.
func NewService(store Store, notifier notify.Notifier) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithRefresh registers the refresh callback fired after successful mutations.
func (s *Service) WithRefresh(fn RefreshFunc) *Service {
	s.refresh = fn
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// tradeLock serializes state transitions on one trade (e.g. release + cancel
// racing): a second concurrent call on the same trade waits and then fails its
// precondition instead of double-writing.
func (s *Service) tradeLock(id string) func() {
	return s.locks.Lock(id)
}

// CreateRequest contains the parameters for opening a trade.
type CreateRequest struct {
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	CryptoSymbol  string `json:"cryptoSymbol" binding:"required"`
	CryptoAmount  string `json:"cryptoAmount" binding:"required"`
	FiatAmount    string `json:"fiatAmount" binding:"required"`
	FiatCurrency  string `json:"fiatCurrency" binding:"required"`
	PaymentMethod string `json:"paymentMethod"`
}

// Create opens a new trade in status pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.ValidPartyID("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidPartyID("sellerId", req.SellerID),
		validation.Required("cryptoSymbol", req.CryptoSymbol),
		validation.ValidSymbol("cryptoSymbol", req.CryptoSymbol),
		validation.Required("cryptoAmount", req.CryptoAmount),
		validation.ValidAmount("cryptoAmount", req.CryptoAmount),
		validation.Required("fiatAmount", req.FiatAmount),
		validation.ValidAmount("fiatAmount", req.FiatAmount),
		validation.Required("fiatCurrency", req.FiatCurrency),
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
	); len(errs) > 0 {
		return nil, errs
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("buyer and seller cannot be the same party")
	}

	now := s.now()
	t := &Trade{
		ID:            idgen.WithPrefix("trd_"),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		CryptoSymbol:  strings.ToUpper(req.CryptoSymbol),
		CryptoAmount:  req.CryptoAmount,
		FiatAmount:    req.FiatAmount,
		FiatCurrency:  strings.ToUpper(req.FiatCurrency),
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create trade record: %w", err)
	}
	metrics.TradesTotal.WithLabelValues(string(StatusPending)).Inc()
	return t, nil
}

// MarkPaid records the buyer's declaration that off-platform fiat payment
// was sent. Status does not advance; only buyer_paid_at is set, and the
// dispute countdown is gated on that timestamp.
func (s *Service) MarkPaid(ctx context.Context, id, callerID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.MarkPaid", traces.TradeID(id))
	defer span.End()
	ctx = logging.WithTradeID(ctx, id)

	unlock := s.tradeLock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.RoleOf(callerID) != RoleBuyer {
		return nil, ErrUnauthorized
	}
	if t.PaymentMarked() {
		return nil, ErrAlreadyPaid
	}
	if t.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	if err := s.store.MarkPaid(ctx, id, now); err != nil {
		return nil, err
	}

	t.BuyerPaidAt = &now
	t.UpdatedAt = now
	logging.L(ctx).Info("buyer marked payment sent", "buyer", callerID)

	s.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventPaymentMarked,
		TradeID: t.ID,
		Amount:  t.FiatAmount,
		Symbol:  t.FiatCurrency,
	})
	s.fireRefresh(t.ID)
	return t, nil
}

// Release transitions a payment-marked trade to completed. No custody
// movement happens here; this core only gates when release is allowed and
// records the result as one atomic write.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Release", traces.TradeID(id))
	defer span.End()
	ctx = logging.WithTradeID(ctx, id)

	unlock := s.tradeLock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.RoleOf(callerID) != RoleSeller {
		return nil, ErrUnauthorized
	}
	if t.SellerReleasedAt != nil {
		return nil, ErrAlreadyReleased
	}
	switch NormalizeStatus(string(t.Status)) {
	case StatusPaymentMarked:
		// ok
	case StatusPending:
		return nil, ErrAwaitingPayment
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return nil, ErrTradeResolved
	default:
		return nil, ErrInvalidStatus
	}

	now := s.now()
	if err := s.store.Complete(ctx, id, now); err != nil {
		return nil, err
	}

	t.Status = StatusCompleted
	t.SellerReleasedAt = &now
	t.CompletedAt = &now
	t.UpdatedAt = now
	metrics.TradesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	logging.L(ctx).Info("seller released, trade completed", "seller", callerID)

	s.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventTradeCompleted,
		TradeID: t.ID,
		Amount:  t.CryptoAmount,
		Symbol:  t.CryptoSymbol,
	})
	s.fireRefresh(t.ID)
	return t, nil
}

// Cancel voids a trade before release. Either party may cancel while nothing
// has been released, but a buyer who already marked payment is committed and
// must go through the dispute path instead.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel", traces.TradeID(id))
	defer span.End()
	ctx = logging.WithTradeID(ctx, id)

	unlock := s.tradeLock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	role := t.RoleOf(callerID)
	if role == "" {
		return nil, ErrUnauthorized
	}
	if !t.Cancellable() {
		if t.SellerReleasedAt != nil {
			return nil, ErrAlreadyReleased
		}
		return nil, ErrTradeResolved
	}
	if role == RoleBuyer && t.PaymentMarked() {
		return nil, ErrBuyerCommitted
	}

	now := s.now()
	if err := s.store.Cancel(ctx, id, now); err != nil {
		return nil, err
	}

	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.UpdatedAt = now
	metrics.TradesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	logging.L(ctx).Info("trade cancelled", "by", string(role))

	s.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventTradeCancelled,
		TradeID: t.ID,
		Amount:  t.CryptoAmount,
		Symbol:  t.CryptoSymbol,
	})
	s.fireRefresh(t.ID)
	return t, nil
}

// OpenDispute opens a dispute once the eligibility window has elapsed.
// Dispute resolution is out of scope; this only records the transition.
func (s *Service) OpenDispute(ctx context.Context, id, callerID, reason string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.OpenDispute", traces.TradeID(id))
	defer span.End()
	ctx = logging.WithTradeID(ctx, id)

	reason = validation.SanitizeString(reason, validation.MaxReasonLength)

	unlock := s.tradeLock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.RoleOf(callerID) == "" {
		return nil, ErrUnauthorized
	}
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		return nil, ErrTradeResolved
	}
	if t.Status == StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if st := dispute.Compute(t.BuyerPaidAt, s.now()); !st.CanDispute {
		return nil, fmt.Errorf("%w: %s left", ErrDisputeTooEarly, st.Clock())
	}

	now := s.now()
	if err := s.store.OpenDispute(ctx, id, now, reason); err != nil {
		return nil, err
	}

	t.Status = StatusDisputed
	t.DisputedAt = &now
	t.DisputeReason = reason
	t.UpdatedAt = now
	metrics.TradesTotal.WithLabelValues(string(StatusDisputed)).Inc()
	logging.L(ctx).Warn("dispute opened", "by", callerID)

	s.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventDisputeOpened,
		TradeID: t.ID,
		Amount:  t.CryptoAmount,
		Symbol:  t.CryptoSymbol,
	})
	s.fireRefresh(t.ID)
	return t, nil
}

// DisputeState returns the current dispute-gate state for a trade, with the
// status gate applied: the action is unavailable once the trade resolved,
// regardless of the countdown.
func (s *Service) DisputeState(ctx context.Context, id string) (*Trade, dispute.State, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, dispute.State{}, err
	}
	st := dispute.Compute(t.BuyerPaidAt, s.now())
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		st.CanDispute = false
	}
	return t, st, nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of trades involving a party (as buyer or
// seller), newest first, plus the cursor for the next page.
func (s *Service) ListByParty(ctx context.Context, partyID, cursorStr string, limit int) ([]*Trade, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", false, err
	}

	// Fetch one extra row to learn whether another page exists.
	trades, err := s.store.ListByParty(ctx, partyID, cursor, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, hasMore, nil
}

func (s *Service) fireRefresh(tradeID string) {
	if s.refresh != nil {
		s.refresh(tradeID)
	}
}
