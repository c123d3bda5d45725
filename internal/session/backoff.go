package session

import "time"

const (
	BackoffUnit       = 10 * time.Second
	DefaultResetAfter = time.Minute
)

// Backoff grows linearly with consecutive failures. A connection that stayed
// up longer than ResetAfter starts the count over.
type Backoff struct {
	Unit       time.Duration
	ResetAfter time.Duration

	attempts int
}

// Next records a failure after a connection that lasted uptime and returns
// how long to wait before the next attempt.
func (b *Backoff) Next(uptime time.Duration) time.Duration {
	if uptime > b.ResetAfter {
		b.attempts = 0
	}
	b.attempts++
	return time.Duration(b.attempts) * b.Unit
}

func (b *Backoff) Attempts() int { return b.attempts }
