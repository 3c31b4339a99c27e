package transport

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: min(Base * 2^(attempt-1), Cap)
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is 1s doubling up to 10s
var DefaultBackoff = Backoff{Base: time.Second, Cap: 10 * time.Second}

// Delay returns the wait before the given attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if (b.Cap > 0 && d >= b.Cap) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}
