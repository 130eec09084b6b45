package synchronizer

import "time"

// viewDuration tracks the current view timeout, growing multiplicatively
// on consecutive timeouts (no progress) and resetting once a view
// completes successfully: an exponential-backoff pacemaker.
type viewDuration struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

func newViewDuration(initialMS, maxMS int, multiplier float64) *viewDuration {
	if initialMS <= 0 {
		initialMS = 100
	}
	if maxMS <= 0 {
		maxMS = 10000
	}
	if multiplier <= 1 {
		multiplier = 1.5
	}
	d := &viewDuration{
		initial:    time.Duration(initialMS) * time.Millisecond,
		max:        time.Duration(maxMS) * time.Millisecond,
		multiplier: multiplier,
	}
	d.current = d.initial
	return d
}

// Duration returns the timeout to use for the view about to start.
func (d *viewDuration) Duration() time.Duration {
	return d.current
}

// ViewTimedOut grows the timeout for the next view, since the current
// one failed to make progress.
func (d *viewDuration) ViewTimedOut() {
	next := time.Duration(float64(d.current) * d.multiplier)
	if next > d.max {
		next = d.max
	}
	d.current = next
}

// ViewSucceeded resets the timeout back to its initial value, since the
// network has demonstrated it can make progress at that speed.
func (d *viewDuration) ViewSucceeded() {
	d.current = d.initial
}
