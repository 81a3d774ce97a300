// Package dispute computes dispute eligibility for peer-to-peer trades.
//
// Once the buyer marks fiat payment sent, both parties must wait out a fixed
// window before a dispute can be opened. The gate is a pure function of the
// payment timestamp and the current time, so it can be recomputed on every
// display tick without any shared state.
package dispute

import (
	"fmt"
	"time"
)

// Window is the fixed period after payment is marked during which disputes
// are blocked.
const Window = 3600 * time.Second

// State is the result of a dispute-gate computation.
type State struct {
	// Remaining is the time left before a dispute may be opened, clamped
	// at zero and truncated to whole seconds.
	Remaining time.Duration `json:"remainingSecs"`
	// CanDispute is true exactly when Remaining reached zero with the
	// payment timestamp set.
	CanDispute bool `json:"canDispute"`
}

// Compute evaluates the gate for a given payment timestamp and clock reading.
// A nil buyerPaidAt means the countdown is not running: the full window is
// reported and disputes are blocked.
func Compute(buyerPaidAt *time.Time, now time.Time) State {
	if buyerPaidAt == nil {
		return State{Remaining: Window, CanDispute: false}
	}

	elapsed := now.Sub(*buyerPaidAt).Truncate(time.Second)
	remaining := Window - elapsed
	if remaining <= 0 {
		return State{Remaining: 0, CanDispute: true}
	}
	return State{Remaining: remaining, CanDispute: false}
}

// Clock renders the remaining time as a zero-padded MM:SS countdown.
func (s State) Clock() string {
	secs := int(s.Remaining / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
