package engine

import "time"

// Backoff returns base * 2^attempt capped at ceiling. The engine passes the attempt
// count after incrementing it, so the first retry waits 2*base.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
