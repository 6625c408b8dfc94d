// README: Rate-limited, retrying wrapper around a RouteProvider.
package maps

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hemoroute/internal/types"
)

type ResilientProvider struct {
	next       RouteProvider
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewResilientProvider throttles calls to ratePerSecond (<= 0 disables) and
// retries retryable failures up to maxRetries times with exponential backoff.
func NewResilientProvider(next RouteProvider, ratePerSecond float64, maxRetries int, logger *zap.Logger) *ResilientProvider {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &ResilientProvider{
		next:       next,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: maxRetries,
		backoff:    200 * time.Millisecond,
		logger:     logger,
	}
}

func (p *ResilientProvider) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	for attempt := 0; ; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return Route{}, err
		}
		r, err := p.next.Route(ctx, origin, destination)
		if err == nil {
			return r, nil
		}
		if attempt >= p.maxRetries || !IsRetryable(err) {
			return Route{}, err
		}
		wait := p.backoff << attempt
		p.logger.Warn("route provider failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return Route{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}
