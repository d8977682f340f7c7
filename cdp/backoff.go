package cdp

import (
	"math"
	"time"
)

// Default reconnection settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultJitter     = 0.1
)

// ReconnectDelay returns how long to wait before reconnection attempt n (1-based).
// The delay is min(base*2^(n-1), max), moved by up to ±jitter of itself.
// rnd returns values in [0, 1); nil means no jitter is applied.
func ReconnectDelay(attempt int, base, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	if jitter > 0 && rnd != nil {
		delay += delay * jitter * (rnd()*2 - 1)
	}
	return time.Duration(delay)
}
