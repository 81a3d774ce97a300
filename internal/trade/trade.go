// Package trade implements the peer-to-peer trade lifecycle.
//
// Flow:
//  1. Trade created in status pending (terms agreed off-core)
//  2. Buyer marks fiat payment sent → buyer_paid_at set, dispute countdown starts
//  3. Seller releases escrowed crypto → status completed
//  4. Either party cancels before release → status cancelled
//  5. Either party disputes once the window elapses → status disputed
package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/peertrade/core/internal/pagination"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrInvalidStatus   = errors.New("invalid trade status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this trade operation")
	ErrAlreadyPaid     = errors.New("payment already marked for this trade")
	ErrAwaitingPayment = errors.New("wait for payment to be marked before releasing")
	ErrAlreadyReleased = errors.New("funds already released")
	ErrTradeResolved   = errors.New("trade already resolved")
	ErrDisputeTooEarly = errors.New("dispute window has not elapsed yet")
	ErrBuyerCommitted  = errors.New("buyer cannot cancel after marking payment")
)

// Status represents the state of a trade.
type Status string

const (
	StatusPending       Status = "pending"        // Created, waiting for buyer to pay
	StatusPaymentMarked Status = "payment_marked" // Buyer declared fiat payment sent
	StatusCompleted     Status = "completed"      // Seller released crypto
	StatusCancelled     Status = "cancelled"      // Cancelled before release
	StatusDisputed      Status = "disputed"       // Dispute opened after the window
)

// legacy records stored "paid" before the status enum was normalized.
const legacyPaidAlias = "paid"

// NormalizeStatus maps raw store values onto the canonical enum. The old
// front-end wrote "paid" (any case) where "payment_marked" is meant.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == legacyPaidAlias {
		return StatusPaymentMarked
	}
	return Status(s)
}

// Role identifies which side of the trade the caller is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Trade represents a peer-to-peer trade record.
type Trade struct {
	ID           string `json:"id"`
	BuyerID      string `json:"buyerId"`
	SellerID     string `json:"sellerId"`
	CryptoSymbol string `json:"cryptoSymbol"`
	CryptoAmount string `json:"cryptoAmount"`
	FiatAmount   string `json:"fiatAmount"`
	FiatCurrency string `json:"fiatCurrency"`
	// PaymentMethod is display data; the core never mutates it.
	PaymentMethod string `json:"paymentMethod,omitempty"`

	Status           Status     `json:"status"`
	BuyerPaidAt      *time.Time `json:"buyerPaidAt,omitempty"`
	SellerReleasedAt *time.Time `json:"sellerReleasedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	DisputedAt       *time.Time `json:"disputedAt,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// PaymentMarked reports whether the buyer has declared payment. The window
// is gated on the timestamp, not on status (status does not advance on
// MarkPaid in legacy records).
func (t *Trade) PaymentMarked() bool {
	return t.BuyerPaidAt != nil
}

// Cancellable reports whether cancellation is still legal: never after the
// seller released, never out of a terminal status.
func (t *Trade) Cancellable() bool {
	if t.SellerReleasedAt != nil {
		return false
	}
	return t.Status != StatusCompleted && t.Status != StatusCancelled
}

// RoleOf returns which side of the trade the caller is, or "" if neither.
func (t *Trade) RoleOf(callerID string) Role {
	switch callerID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	}
	return ""
}

// Store persists trade data.
//
// The conditional mutations (MarkPaid, Complete, Cancel, OpenDispute) are
// compare-and-swap writes: the store applies them only if the guarding
// predicate still holds, and returns ErrInvalidStatus (or a more specific
// sentinel) when another actor got there first. The store is the single
// arbiter between racing buyer and seller writes.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)

	// MarkPaid sets buyer_paid_at iff it is still null and status is pending.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) error

	// Complete sets seller_released_at, completed_at and status=completed in
	// one write, iff status is payment_marked and nothing was released yet.
	Complete(ctx context.Context, id string, releasedAt time.Time) error

	// Cancel sets status=cancelled iff seller_released_at is null and the
	// trade is not already completed or cancelled.
	Cancel(ctx context.Context, id string, cancelledAt time.Time) error

	// OpenDispute sets status=disputed iff the trade is not terminal.
	OpenDispute(ctx context.Context, id string, disputedAt time.Time, reason string) error

	// ListByParty returns trades involving a party, newest first, starting
	// strictly after the cursor position when one is given.
	ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Trade, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)
}
