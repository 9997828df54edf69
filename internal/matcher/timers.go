package matcher

import (
	"sync"
	"time"
)

// AfterFunc schedules f after d and returns a stop function, like
// time.AfterFunc(d, f).Stop.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type armedTimer struct {
	round int
	stop  func() bool
}

// RoundTimers keeps at most one pending timeout per booking. Arming a new
// round replaces the previous timer, and a timer whose round has been
// replaced or cancelled never calls back.
type RoundTimers struct {
	mu        sync.Mutex
	timers    map[string]armedTimer
	afterFunc AfterFunc
}

func NewRoundTimers(af AfterFunc) *RoundTimers {
	if af == nil {
		af = realAfterFunc
	}
	return &RoundTimers{timers: make(map[string]armedTimer), afterFunc: af}
}

// Arm schedules fire(round) for bookingID after d, superseding any earlier
// round.
func (t *RoundTimers) Arm(bookingID string, round int, d time.Duration, fire func(round int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[bookingID]; ok {
		old.stop()
	}
	stop := t.afterFunc(d, func() {
		if !t.claim(bookingID, round) {
			return
		}
		fire(round)
	})
	t.timers[bookingID] = armedTimer{round: round, stop: stop}
}

// claim removes the entry if it still belongs to round.
func (t *RoundTimers) claim(bookingID string, round int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.timers[bookingID]
	if !ok || cur.round != round {
		return false
	}
	delete(t.timers, bookingID)
	return true
}

// Cancel stops the pending timer for bookingID, if any.
func (t *RoundTimers) Cancel(bookingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[bookingID]; ok {
		cur.stop()
		delete(t.timers, bookingID)
	}
}

// CancelRound stops the pending timer only if it belongs to round.
func (t *RoundTimers) CancelRound(bookingID string, round int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[bookingID]; ok && cur.round == round {
		cur.stop()
		delete(t.timers, bookingID)
	}
}

// Pending returns the armed round for bookingID.
func (t *RoundTimers) Pending(bookingID string) (round int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.timers[bookingID]
	return cur.round, ok
}

func (t *RoundTimers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
