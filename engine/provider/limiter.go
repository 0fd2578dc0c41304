package provider

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limiter enforces a provider's concurrency cap centrally so callers can
// never exceed it, plus optional request-rate smoothing.
type limiter struct {
	sem     *semaphore.Weighted
	rateLim *rate.Limiter
}

func newLimiter(concurrency int, requestsPerMin float64) *limiter {
	l := &limiter{}
	if concurrency > 0 {
		l.sem = semaphore.NewWeighted(int64(concurrency))
	}
	if requestsPerMin > 0 {
		perSecond := requestsPerMin / 60.0
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l.rateLim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

func (l *limiter) acquire(ctx context.Context) error {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if l.rateLim != nil {
		if err := l.rateLim.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			return err
		}
	}
	return nil
}

func (l *limiter) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}
