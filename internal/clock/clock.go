// Package clock provides an injectable time source so the agent loops can be
// driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose time only moves when
// Advance is called; WaitForTimers blocks until the goroutine under test has
// armed its timer, which removes the sleep-and-hope race from loop tests.
package clock

import "time"

// Clock abstracts the time operations used by the engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that delivers the fire time on C after d.
	// If d <= 0 the timer has already fired when NewTimer returns.
	NewTimer(d time.Duration) *Timer
}

// Timer is a single-shot timer. Read from C, call Stop when abandoning it.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false if the timer has
// already fired or was stopped before.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stopFunc: t.Stop}
}
