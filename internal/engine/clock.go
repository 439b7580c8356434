package engine

import (
	"context"
	"time"
)

// Clock abstracts time for the engine's timers so tests can drive the
// debounce, max-wait, and retry schedules deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep waits for d or until the context is canceled.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable scheduled event.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the stop
	// happened before the fire.
	Stop() bool
}

// realClock is the production Clock backed by the time package.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
