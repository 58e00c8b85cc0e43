package mempool

import "time"

// DefaultFreeRelayKB is the default free-relay budget, in thousand-bytes
// per minute, matching -limitfreerelay's default.
const DefaultFreeRelayKB = 15

// freeRelayWindow is the exponential decay window the limiter ages its
// accumulated bucket over, matching spec.md §5's 600-second window.
const freeRelayWindow = 600 * time.Second

// FreeRelayLimiter is a token-bucket rate limiter for zero/low-fee
// ("free") transaction relay: step 10 of AcceptToMemoryPool. It has no
// teacher analogue (the teacher's mempool has no fee-rate policy beyond
// a flat minimum), so it's grounded on the teacher's own mutex-guarded
// Pool shape, generalized with a decay timer rather than ported from any
// existing teacher rate limiter.
//
// Bytes are credited back to the bucket continuously between calls by
// the elapsed-time-scaled decay in Allow, rather than on a fixed tick,
// so a caller that checks rarely still sees the correct available
// budget at the moment it checks.
type FreeRelayLimiter struct {
	limitBytesPerMinute float64
	bucket              float64 // bytes currently available to spend freely
	lastCheck           time.Time
	now                 func() time.Time
}

// NewFreeRelayLimiter creates a limiter allowing limitKBPerMinute
// thousand-bytes of free relay per minute (DefaultFreeRelayKB if <= 0).
func NewFreeRelayLimiter(limitKBPerMinute int) *FreeRelayLimiter {
	if limitKBPerMinute <= 0 {
		limitKBPerMinute = DefaultFreeRelayKB
	}
	start := time.Now()
	return &FreeRelayLimiter{
		limitBytesPerMinute: float64(limitKBPerMinute) * 1000,
		bucket:              float64(limitKBPerMinute) * 1000,
		lastCheck:           start,
		now:                 time.Now,
	}
}

// Allow reports whether a free (zero-fee-rate) transaction of the given
// size may be relayed right now, decrementing the bucket on success. A
// transaction originating from the local wallet should bypass this
// entirely per spec.md rather than calling Allow at all.
func (f *FreeRelayLimiter) Allow(sizeBytes int) bool {
	now := f.now()
	elapsed := now.Sub(f.lastCheck)
	f.lastCheck = now

	// Exponential decay toward the full limit over freeRelayWindow,
	// rather than a hard reset, so a burst right after a quiet period
	// doesn't get the full budget back instantly.
	decay := elapsed.Seconds() / freeRelayWindow.Seconds()
	if decay > 1 {
		decay = 1
	}
	f.bucket += decay * (f.limitBytesPerMinute - f.bucket)
	if f.bucket > f.limitBytesPerMinute {
		f.bucket = f.limitBytesPerMinute
	}

	if f.bucket < float64(sizeBytes) {
		return false
	}
	f.bucket -= float64(sizeBytes)
	return true
}
