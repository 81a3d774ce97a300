package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peertrade/core/internal/pagination"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.BuyerPaidAt != nil {
		return ErrAlreadyPaid
	}
	if NormalizeStatus(string(t.Status)) != StatusPending {
		return ErrInvalidStatus
	}

	at := paidAt
	t.BuyerPaidAt = &at
	t.UpdatedAt = paidAt
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, releasedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.SellerReleasedAt != nil {
		return ErrAlreadyReleased
	}
	switch NormalizeStatus(string(t.Status)) {
	case StatusPaymentMarked:
	case StatusPending:
		return ErrAwaitingPayment
	default:
		return ErrInvalidStatus
	}

	at := releasedAt
	t.Status = StatusCompleted
	t.SellerReleasedAt = &at
	t.CompletedAt = &at
	t.UpdatedAt = releasedAt
	return nil
}

func (m *MemoryStore) Cancel(ctx context.Context, id string, cancelledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if !t.Cancellable() {
		return ErrInvalidStatus
	}

	at := cancelledAt
	t.Status = StatusCancelled
	t.CancelledAt = &at
	t.UpdatedAt = cancelledAt
	return nil
}

func (m *MemoryStore) OpenDispute(ctx context.Context, id string, disputedAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.IsTerminal() {
		return ErrInvalidStatus
	}

	at := disputedAt
	t.Status = StatusDisputed
	t.DisputedAt = &at
	t.DisputeReason = reason
	t.UpdatedAt = disputedAt
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Trade
	for _, t := range m.trades {
		if t.BuyerID != partyID && t.SellerID != partyID {
			continue
		}
		if cursor != nil && !cursor.After(t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}

	// Newest first, ID as tiebreaker to keep cursor pages stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if NormalizeStatus(string(t.Status)) == status {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
