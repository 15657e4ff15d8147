package sequencer

import "time"

// Latch is a single-slot, coalescing level-triggered notification: multiple
// Notify() calls before a Wait() consumes them collapse into one wakeup.
// It starts pre-notified so a restart immediately drains any persisted
// backlog without waiting for a timer tick, per spec.md §9 "Level-triggered
// wakeups" and the original's three Notify objects that all call
// notify_one() at startup.
type Latch struct {
	ch chan struct{}
}

// NewLatch returns a Latch already in the notified state.
func NewLatch() *Latch {
	l := &Latch{ch: make(chan struct{}, 1)}
	l.Notify()
	return l
}

// Notify arms the latch. A pending notification is not duplicated.
func (l *Latch) Notify() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the latch is notified or ctx is done.
func (l *Latch) Wait(ctxDone <-chan struct{}) error {
	select {
	case <-l.ch:
		return nil
	case <-ctxDone:
		return errShutdown
	}
}

// WaitTimeout blocks until the latch is notified, ctx is done, or timeout
// elapses, whichever comes first. The bool return reports whether the latch
// was notified; tasks that also need to re-check age-based policy on a
// timer (Create-Batches, Process-Batches) use the timeout case to wake up
// without a notification.
func (l *Latch) WaitTimeout(ctxDone <-chan struct{}, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ch:
		return true, nil
	case <-ctxDone:
		return false, errShutdown
	case <-timer.C:
		return false, nil
	}
}

// TryConsume drains a pending notification without blocking. Reports
// whether one was pending.
func (l *Latch) TryConsume() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
