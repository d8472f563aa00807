// Package retry runs an attempt function under an explicit timing policy.
//
// A Policy describes the delay between attempts, how that delay grows, and
// an optional bound on total elapsed time. Time is read and slept through a
// Clock so callers can substitute a fake one in tests.
package retry

import (
	"time"
)

// Clock is the time source used by Do.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Policy controls the attempt loop.
type Policy struct {
	// Interval is the delay after the first unsuccessful attempt.
	Interval time.Duration

	// Factor multiplies the delay after each attempt. Values <= 1 keep the
	// delay constant.
	Factor float64

	// GrowUntil stops further growth once the delay has reached it. The
	// last multiplication may overshoot. Zero means no limit.
	GrowUntil time.Duration

	// MaxDuration bounds the loop. No new attempt starts once it has
	// elapsed. Zero means unbounded.
	MaxDuration time.Duration
}

// Constant returns a policy with a fixed delay and no time bound.
func Constant(interval time.Duration) Policy {
	return Policy{Interval: interval}
}

// next returns the delay that follows d.
func (p Policy) next(d time.Duration) time.Duration {
	if p.Factor <= 1 {
		return d
	}
	if p.GrowUntil > 0 && d >= p.GrowUntil {
		return d
	}
	return time.Duration(float64(d) * p.Factor)
}

// Do calls attempt until it reports done, returns an error, or the policy's
// MaxDuration elapses. It reports whether attempt finished. An error from
// attempt stops the loop immediately and is returned as is.
func (p Policy) Do(clk Clock, attempt func() (done bool, err error)) (bool, error) {
	if clk == nil {
		clk = SystemClock{}
	}

	var deadline time.Time
	if p.MaxDuration > 0 {
		deadline = clk.Now().Add(p.MaxDuration)
	}

	wait := p.Interval
	for {
		if !deadline.IsZero() && !clk.Now().Before(deadline) {
			return false, nil
		}

		done, err := attempt()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		clk.Sleep(wait)
		wait = p.next(wait)
	}
}
