package download

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter caps global download throughput. The enabled flag gives an
// atomic fast path so an unlimited configuration costs nothing per chunk.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
}

// SetLimit updates the cap in bytes per second. Zero or negative disables
// limiting. Burst is clamped so a single chunk can always pass.
func (r *RateLimiter) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		r.enabled.Store(false)
		r.limiter.SetLimit(rate.Inf)
		return
	}
	burst := int(bytesPerSec)
	if burst < chunkSize {
		burst = chunkSize
	}
	r.limiter.SetLimit(rate.Limit(bytesPerSec))
	r.limiter.SetBurst(burst)
	r.enabled.Store(true)
}

// Wait blocks until n bytes may be consumed.
func (r *RateLimiter) Wait(ctx context.Context, n int) error {
	if !r.enabled.Load() {
		return nil
	}
	return r.limiter.WaitN(ctx, n)
}
