package restream

import (
	"context"

	"golang.org/x/time/rate"
)

// newByteLimiter returns a token bucket metering bytes at mbps megabits per
// second, or nil when mbps is not positive. The burst covers one full chunk
// so a single read never exceeds it.
func newByteLimiter(mbps float64, chunkSize int) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSec := mbps * 1_000_000 / 8
	return rate.NewLimiter(rate.Limit(bytesPerSec), max(int(bytesPerSec), chunkSize))
}

// throttle blocks until n bytes fit under the session cap and then the
// global cap. It returns early with the context error when ctx ends.
func (s *Session) throttle(ctx context.Context, n int) error {
	for _, l := range []*rate.Limiter{s.limiter, s.registry.limiter} {
		if l == nil {
			continue
		}
		if err := l.WaitN(ctx, min(n, l.Burst())); err != nil {
			return err
		}
	}
	return nil
}

func limitMbps(l *rate.Limiter) float64 {
	if l == nil {
		return 0
	}
	return float64(l.Limit()) * 8 / 1_000_000
}
