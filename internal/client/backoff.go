package client

import "time"

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 5 * time.Second
)

// backoffDelay doubles from 500ms per failed attempt, capped at 5s.
// The counter resets after a successful authentication, not merely a
// successful dial.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
