package client

import "time"

/*
backoff spaces reconnect attempts. An attempt is due once more than min(max, next+step) has
passed since the previous attempt started. Each attempt after the first sets next to the time
actually elapsed since the previous one, so the spacing follows how long attempts took rather
than growing by a fixed factor, and it is bounded by max.
*/
type backoff struct {
	step time.Duration
	max  time.Duration
	next time.Duration
	last time.Time // Start of the previous attempt, zero if none since the last reset
}

func (b *backoff) interval() time.Duration {
	return min(b.max, b.next+b.step)
}

func (b *backoff) due(now time.Time) bool {
	return b.last.IsZero() || now.Sub(b.last) > b.interval()
}

// attempt records an attempt starting at now. It returns the new next value and whether it
// changed, which happens for every attempt but the first.
func (b *backoff) attempt(now time.Time) (time.Duration, bool) {
	updated := false
	if !b.last.IsZero() {
		b.next = now.Sub(b.last)
		updated = true
	}
	b.last = now
	return b.next, updated
}

func (b *backoff) reset() {
	b.next = 0
	b.last = time.Time{}
}
