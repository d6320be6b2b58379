// Package ratelimit tracks the shared Helix call budget and maps call failures
// to the delay before the next attempt.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/streamsync/telemetry"
)

// LowWatermark is the remaining-call count at or below which calls are held back
// until the budget resets.
const LowWatermark = 10

// State is one observation of the budget. It is always replaced as a whole.
type State struct {
	Remaining int
	ResetAt   time.Time
	Observed  bool
}

// Budget is safe for concurrent use by all pollers sharing one API family.
type Budget struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

// NewBudget returns an unobserved budget; it allows calls until the first observation.
func NewBudget() *Budget {
	return &Budget{now: time.Now}
}

// Observe overwrites the budget. Last writer wins.
func (b *Budget) Observe(remaining int, resetAt time.Time) {
	b.mu.Lock()
	b.state = State{Remaining: remaining, ResetAt: resetAt, Observed: true}
	b.mu.Unlock()
	telemetry.SetRateBudget(remaining)
}

// ObserveHeaders reads Ratelimit-Remaining and Ratelimit-Reset (unix seconds).
// Responses without both headers leave the budget untouched.
func (b *Budget) ObserveHeaders(h http.Header) {
	rem, err := strconv.Atoi(h.Get("Ratelimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("Ratelimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	b.Observe(rem, time.Unix(reset, 0))
}

// Snapshot returns the current observation.
func (b *Budget) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Remaining returns the last observed remaining count and whether one was observed.
func (b *Budget) Remaining() (int, bool) {
	s := b.Snapshot()
	return s.Remaining, s.Observed
}

// CanProceed is false iff remaining <= LowWatermark and the reset time is still ahead.
func (b *Budget) CanProceed() bool {
	s := b.Snapshot()
	if !s.Observed {
		return true
	}
	return !(s.Remaining <= LowWatermark && b.clock().Before(s.ResetAt))
}

func (b *Budget) clock() time.Time {
	if b.now == nil {
		return time.Now()
	}
	return b.now()
}
