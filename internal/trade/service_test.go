package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peertrade/core/internal/notify"
	"github.com/peertrade/core/internal/validation"
)

// mockNotifier captures emitted events for verification.
type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockNotifier) Notify(_ context.Context, event notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) last() (notify.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return notify.Event{}, false
	}
	return m.events[len(m.events)-1], true
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *mockNotifier) {
	t.Helper()
	store := NewMemoryStore()
	notifier := &mockNotifier{}
	return NewService(store, notifier), store, notifier
}

func seedTrade(t *testing.T, store *MemoryStore, mutate func(*Trade)) *Trade {
	t.Helper()
	now := time.Now()
	tr := &Trade{
		ID:           "trd_test1",
		BuyerID:      "buyer1",
		SellerID:     "seller1",
		CryptoSymbol: "BTC",
		CryptoAmount: "0.5",
		FiatAmount:   "30000",
		FiatCurrency: "USD",
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if mutate != nil {
		mutate(tr)
	}
	if err := store.Create(context.Background(), tr); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	return tr
}

func TestCreate_RejectsSelfTrade(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:      "p1",
		SellerID:     "p1",
		CryptoSymbol: "btc",
		CryptoAmount: "1",
		FiatAmount:   "100",
		FiatCurrency: "usd",
	})
	if err == nil {
		t.Fatal("expected error for buyer == seller")
	}
}

func TestCreate_NormalizesSymbols(t *testing.T) {
	svc, _, _ := newTestService(t)

	tr, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:      "buyer1",
		SellerID:     "seller1",
		CryptoSymbol: "btc",
		CryptoAmount: "1",
		FiatAmount:   "100",
		FiatCurrency: "usd",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.CryptoSymbol != "BTC" || tr.FiatCurrency != "USD" {
		t.Errorf("expected uppercased symbols, got %s/%s", tr.CryptoSymbol, tr.FiatCurrency)
	}
	if tr.Status != StatusPending {
		t.Errorf("expected status pending, got %s", tr.Status)
	}
}

// Scenario: pending trade, buyer marks paid. Timestamp set, status unchanged,
// payment_marked notification fired.
func TestMarkPaid_SetsTimestampOnly(t *testing.T) {
	svc, store, notifier := newTestService(t)
	seedTrade(t, store, nil)

	tr, err := svc.MarkPaid(context.Background(), "trd_test1", "buyer1")
	if err != nil {
		t.Fatalf("markPaid: %v", err)
	}

	if tr.BuyerPaidAt == nil {
		t.Fatal("expected buyerPaidAt to be set")
	}
	if tr.Status != StatusPending {
		t.Errorf("status must not advance on markPaid, got %s", tr.Status)
	}

	event, ok := notifier.last()
	if !ok || event.Type != notify.EventPaymentMarked {
		t.Errorf("expected payment_marked notification, got %+v", event)
	}

	// The store must agree with the returned trade.
	stored, _ := store.Get(context.Background(), "trd_test1")
	if stored.BuyerPaidAt == nil {
		t.Error("store did not persist buyerPaidAt")
	}
}

// buyer_paid_at is set at most once: the second call fails and leaves the
// first timestamp untouched.
func TestMarkPaid_SecondCallRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTrade(t, store, nil)

	first, err := svc.MarkPaid(context.Background(), "trd_test1", "buyer1")
	if err != nil {
		t.Fatalf("first markPaid: %v", err)
	}

	_, err = svc.MarkPaid(context.Background(), "trd_test1", "buyer1")
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}

	stored, _ := store.Get(context.Background(), "trd_test1")
	if !stored.BuyerPaidAt.Equal(*first.BuyerPaidAt) {
		t.Error("second markPaid changed the timestamp")
	}
}

func TestMarkPaid_SellerRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTrade(t, store, nil)

	_, err := svc.MarkPaid(context.Background(), "trd_test1", "seller1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMarkPaid_StoreFailureLeavesTradeUntouched(t *testing.T) {
	store := NewMemoryStore()
	notifier := &mockNotifier{}
	svc := NewService(&failingStore{Store: store, failMarkPaid: true}, notifier)
	seedTrade(t, store, nil)

	_, err := svc.MarkPaid(context.Background(), "trd_test1", "buyer1")
	if err == nil {
		t.Fatal("expected store error")
	}

	stored, _ := store.Get(context.Background(), "trd_test1")
	if stored.BuyerPaidAt != nil {
		t.Error("failed write must not leave partial state")
	}
	if notifier.count() != 0 {
		t.Error("no notification may fire on failure")
	}
}

// Scenario: release on a pending trade rejects with "wait for payment" and
// mutates nothing.
func TestRelease_PendingRejects(t *testing.T) {
	svc, store, notifier := newTestService(t)
	seedTrade(t, store, nil)

	_, err := svc.Release(context.Background(), "trd_test1", "seller1")
	if !errors.Is(err, ErrAwaitingPayment) {
		t.Fatalf("expected ErrAwaitingPayment, got %v", err)
	}

	stored, _ := store.Get(context.Background(), "trd_test1")
	if stored.SellerReleasedAt != nil || stored.CompletedAt != nil || stored.Status != StatusPending {
		t.Error("rejected release must not mutate the trade")
	}
	if notifier.count() != 0 {
		t.Error("no notification may fire on rejection")
	}
}

// Scenario: payment-marked trade, seller releases. One atomic transition to
// completed with both timestamps, trade_completed notification with
// amount/symbol.
func TestRelease_CompletesTrade(t *testing.T) {
	svc, store, notifier := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
	})

	tr, err := svc.Release(context.Background(), "trd_test1", "seller1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if tr.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", tr.Status)
	}
	if tr.SellerReleasedAt == nil || tr.CompletedAt == nil {
		t.Fatal("release must set sellerReleasedAt and completedAt together")
	}
	if !tr.SellerReleasedAt.Equal(*tr.CompletedAt) {
		t.Error("sellerReleasedAt and completedAt must carry the same instant")
	}

	event, ok := notifier.last()
	if !ok || event.Type != notify.EventTradeCompleted {
		t.Fatalf("expected trade_completed notification, got %+v", event)
	}
	if event.Amount != "0.5" || event.Symbol != "BTC" {
		t.Errorf("notification must carry amount and symbol, got %s %s", event.Amount, event.Symbol)
	}
}

// The legacy "paid" status alias is accepted case-insensitively.
func TestRelease_LegacyPaidAlias(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = Status("PAID")
		tr.BuyerPaidAt = &now
	})

	tr, err := svc.Release(context.Background(), "trd_test1", "seller1")
	if err != nil {
		t.Fatalf("release with legacy alias: %v", err)
	}
	if tr.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", tr.Status)
	}
}

func TestRelease_BuyerRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
	})

	_, err := svc.Release(context.Background(), "trd_test1", "buyer1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRelease_SecondCallRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
	})

	if _, err := svc.Release(context.Background(), "trd_test1", "seller1"); err != nil {
		t.Fatalf("first release: %v", err)
	}

	_, err := svc.Release(context.Background(), "trd_test1", "seller1")
	if !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestCancel_PendingTrade(t *testing.T) {
	svc, store, notifier := newTestService(t)
	seedTrade(t, store, nil)

	tr, err := svc.Cancel(context.Background(), "trd_test1", "seller1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.Status != StatusCancelled || tr.CancelledAt == nil {
		t.Errorf("expected cancelled with timestamp, got %+v", tr)
	}

	event, ok := notifier.last()
	if !ok || event.Type != notify.EventTradeCancelled {
		t.Errorf("expected trade_cancelled notification, got %+v", event)
	}
}

// Buyer-specific policy: marking payment commits the buyer; only the seller
// may still cancel.
func TestCancel_BuyerBlockedAfterMarkingPaid(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.BuyerPaidAt = &now
	})

	_, err := svc.Cancel(context.Background(), "trd_test1", "buyer1")
	if !errors.Is(err, ErrBuyerCommitted) {
		t.Fatalf("expected ErrBuyerCommitted, got %v", err)
	}

	// Seller is still allowed under the general rule.
	if _, err := svc.Cancel(context.Background(), "trd_test1", "seller1"); err != nil {
		t.Fatalf("seller cancel: %v", err)
	}
}

// Scenario: completed trade cannot be cancelled.
func TestCancel_CompletedRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusCompleted
		tr.SellerReleasedAt = &now
		tr.CompletedAt = &now
	})

	_, err := svc.Cancel(context.Background(), "trd_test1", "buyer1")
	if !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

// Cancellation is unavailable whenever funds were released, regardless of
// what the status field claims.
func TestCancel_ReleasedTimestampBlocks(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
		tr.SellerReleasedAt = &now
	})

	_, err := svc.Cancel(context.Background(), "trd_test1", "seller1")
	if !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestOpenDispute_BeforeWindowRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
	})

	_, err := svc.OpenDispute(context.Background(), "trd_test1", "buyer1", "no crypto received")
	if !errors.Is(err, ErrDisputeTooEarly) {
		t.Fatalf("expected ErrDisputeTooEarly, got %v", err)
	}
}

func TestOpenDispute_AfterWindow(t *testing.T) {
	svc, store, notifier := newTestService(t)
	paidAt := time.Now().Add(-3601 * time.Second)
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &paidAt
	})

	tr, err := svc.OpenDispute(context.Background(), "trd_test1", "seller1", "buyer never paid")
	if err != nil {
		t.Fatalf("openDispute: %v", err)
	}
	if tr.Status != StatusDisputed || tr.DisputedAt == nil {
		t.Errorf("expected disputed with timestamp, got %+v", tr)
	}
	if tr.DisputeReason != "buyer never paid" {
		t.Errorf("expected reason recorded, got %q", tr.DisputeReason)
	}

	event, ok := notifier.last()
	if !ok || event.Type != notify.EventDisputeOpened {
		t.Errorf("expected dispute_opened notification, got %+v", event)
	}
}

func TestOpenDispute_WithoutPaymentRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTrade(t, store, nil)

	// No payment marked: the window is not even running.
	_, err := svc.OpenDispute(context.Background(), "trd_test1", "buyer1", "reason")
	if !errors.Is(err, ErrDisputeTooEarly) {
		t.Fatalf("expected ErrDisputeTooEarly, got %v", err)
	}
}

func TestOpenDispute_ResolvedTradeRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	paidAt := time.Now().Add(-2 * 3600 * time.Second)
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusCompleted
		tr.BuyerPaidAt = &paidAt
		tr.SellerReleasedAt = &paidAt
		tr.CompletedAt = &paidAt
	})

	_, err := svc.OpenDispute(context.Background(), "trd_test1", "buyer1", "reason")
	if !errors.Is(err, ErrTradeResolved) {
		t.Fatalf("expected ErrTradeResolved, got %v", err)
	}
}

// Scenario: payment marked just over an hour ago, so the gate opens.
func TestDisputeState_WindowElapsed(t *testing.T) {
	svc, store, _ := newTestService(t)
	paidAt := time.Now().Add(-3601 * time.Second)
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &paidAt
	})

	_, st, err := svc.DisputeState(context.Background(), "trd_test1")
	if err != nil {
		t.Fatalf("disputeState: %v", err)
	}
	if st.Remaining != 0 || !st.CanDispute {
		t.Errorf("expected remaining=0 canDispute=true, got %+v", st)
	}
}

// The dispute action stays off once the trade resolved, even with the window
// long elapsed.
func TestDisputeState_StatusGate(t *testing.T) {
	svc, store, _ := newTestService(t)
	paidAt := time.Now().Add(-2 * 3600 * time.Second)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusCompleted
		tr.BuyerPaidAt = &paidAt
		tr.SellerReleasedAt = &now
		tr.CompletedAt = &now
	})

	_, st, err := svc.DisputeState(context.Background(), "trd_test1")
	if err != nil {
		t.Fatalf("disputeState: %v", err)
	}
	if st.CanDispute {
		t.Error("dispute must stay unavailable on a completed trade")
	}
}

func TestRefreshCallbackFires(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTrade(t, store, nil)

	var refreshed []string
	svc.WithRefresh(func(id string) { refreshed = append(refreshed, id) })

	if _, err := svc.MarkPaid(context.Background(), "trd_test1", "buyer1"); err != nil {
		t.Fatalf("markPaid: %v", err)
	}

	if len(refreshed) != 1 || refreshed[0] != "trd_test1" {
		t.Errorf("expected refresh for trd_test1, got %v", refreshed)
	}
}

func TestConcurrentMarkPaid_OnlyOneWins(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTrade(t, store, nil)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.MarkPaid(context.Background(), "trd_test1", "buyer1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyPaid) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one markPaid to win, got %d", succeeded)
	}
}

func TestRelease_StoreFailureLeavesTradeUntouched(t *testing.T) {
	store := NewMemoryStore()
	notifier := &mockNotifier{}
	svc := NewService(&failingStore{Store: store, failComplete: true}, notifier)
	now := time.Now()
	seedTrade(t, store, func(tr *Trade) {
		tr.Status = StatusPaymentMarked
		tr.BuyerPaidAt = &now
	})

	_, err := svc.Release(context.Background(), "trd_test1", "seller1")
	if err == nil {
		t.Fatal("expected store error")
	}

	stored, _ := store.Get(context.Background(), "trd_test1")
	if stored.SellerReleasedAt != nil || stored.Status != StatusPaymentMarked {
		t.Error("failed release must not leave partial state")
	}
	if notifier.count() != 0 {
		t.Error("no notification may fire on failure")
	}
}

// failingStore wraps a Store and fails selected mutations.
type failingStore struct {
	Store
	failMarkPaid bool
	failComplete bool
}

func (f *failingStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	if f.failMarkPaid {
		return errors.New("store unavailable")
	}
	return f.Store.MarkPaid(ctx, id, paidAt)
}

func (f *failingStore) Complete(ctx context.Context, id string, releasedAt time.Time) error {
	if f.failComplete {
		return errors.New("store unavailable")
	}
	return f.Store.Complete(ctx, id, releasedAt)
}

func TestCreate_RejectsMalformedFields(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:      "buyer1",
		SellerID:     "seller1",
		CryptoSymbol: "B",
		CryptoAmount: "0",
		FiatAmount:   "100",
		FiatCurrency: "usd",
	})
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 field errors, got %d: %v", len(verrs), verrs)
	}
}

func TestListByParty_Paginates(t *testing.T) {
	svc, store, _ := newTestService(t)
	base := time.Now()
	for i, id := range []string{"trd_p1", "trd_p2", "trd_p3"} {
		createdAt := base.Add(time.Duration(i) * time.Second)
		seedTrade(t, store, func(tr *Trade) {
			tr.ID = id
			tr.CreatedAt = createdAt
		})
	}

	page, next, hasMore, err := svc.ListByParty(context.Background(), "buyer1", "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || !hasMore || next == "" {
		t.Fatalf("expected first page of 2 with cursor, got %d hasMore=%v", len(page), hasMore)
	}
	if page[0].ID != "trd_p3" || page[1].ID != "trd_p2" {
		t.Errorf("expected newest first, got %s, %s", page[0].ID, page[1].ID)
	}

	page, next, hasMore, err = svc.ListByParty(context.Background(), "buyer1", next, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 1 || hasMore || next != "" {
		t.Fatalf("expected final page of 1, got %d hasMore=%v next=%q", len(page), hasMore, next)
	}
	if page[0].ID != "trd_p1" {
		t.Errorf("expected trd_p1, got %s", page[0].ID)
	}
}

func TestListByParty_InvalidCursor(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, _, err := svc.ListByParty(context.Background(), "buyer1", "!!bad!!", 10)
	if err == nil {
		t.Fatal("expected error for malformed cursor")
	}
}

func TestOpenDispute_SanitizesReason(t *testing.T) {
	svc, store, _ := newTestService(t)
	paidAt := time.Now().Add(-2 * time.Hour)
	seedTrade(t, store, func(tr *Trade) {
		tr.BuyerPaidAt = &paidAt
	})

	tr, err := svc.OpenDispute(context.Background(), "trd_test1", "buyer1", "  seller gone\x00  ")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if tr.DisputeReason != "seller gone" {
		t.Errorf("expected sanitized reason, got %q", tr.DisputeReason)
	}
}
