package dispatch

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// LoopScheduler schedules wall-clock timers whose callbacks are handed to Post
// instead of running on the timer goroutine. The hub passes its action queue so
// expiries are serialized with every other state change.
type LoopScheduler struct {
	Post func(func())
}

// AfterFunc implements Scheduler.
func (s LoopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() { s.Post(f) })
}
