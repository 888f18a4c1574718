// Package clock abstracts wall time so loops and cooldowns are testable.
package clock

import (
	"context"
	"time"
)

// Clock provides millisecond wall time and a cancellable sleep.
type Clock interface {
	NowMs() int64
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the production clock.
type System struct{}

func (System) NowMs() int64 {
	return time.Now().UnixMilli()
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
