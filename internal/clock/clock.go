// Package clock provides the monotonic/wall-clock time seam used by the
// Control Engine and Authority Manager. The teacher calls time.Now/
// time.NewTimer directly throughout services/hal/worker.go; this spec's
// timing invariants (§8: zero-dt clamping, handoff timeouts, scan deadline
// arithmetic) need to be exercised deterministically in tests, so the real
// clock is the only implementation but it sits behind an interface.
package clock

import "time"

// Clock is the seam every timed component depends on instead of the time
// package directly.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// NowMs returns wall-clock Unix milliseconds suitable for sample
	// timestamps (teacher: x/timex.NowMs).
	NowMs() int64
	// Sleep blocks the calling goroutine for d, honoring no cancellation;
	// callers needing cancellation select on a context alongside a Timer.
	Sleep(d time.Duration)
	// NewTimer returns a timer; behaves like time.NewTimer.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer the scan scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// System is the real Clock, backed by the standard library.
type System struct{}

func (System) Now() time.Time    { return time.Now() }
func (System) NowMs() int64      { return time.Now().UnixMilli() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }
func (System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time    { return s.t.C }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }

// Drain empties a fired-but-unread timer channel before Reset, mirroring
// the teacher's drainTimer helper in services/hal/worker.go.
func Drain(t Timer) {
	select {
	case <-t.C():
	default:
	}
}
