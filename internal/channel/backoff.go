package channel

import "time"

// Backoff maps a consecutive-failure count to a wait duration using a fixed
// schedule. The schedule clamps at its last entry, so retries continue at
// that interval indefinitely; there is no terminal give-up step.
type Backoff struct {
	schedule []time.Duration
	attempt  int
}

func NewBackoff(schedule []time.Duration) *Backoff {
	if len(schedule) == 0 {
		schedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	return &Backoff{schedule: schedule}
}

// Next returns the wait before the upcoming attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Delay is the wait before attempt n (zero-based), without advancing.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b.schedule) {
		attempt = len(b.schedule) - 1
	}
	return b.schedule[attempt]
}

// Attempt is the number of consecutive failures recorded since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset is called on every successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
