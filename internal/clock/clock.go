// Package clock provides an injectable notion of time so scheduling and
// rate-limiting logic can be tested deterministically.
package clock

import "time"

// Clock is the collaborator interface the control plane depends on (C10).
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	NewTimer(d time.Duration) *time.Timer
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

func (Real) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

var _ Clock = Real{}
