package fetcher

import (
	"context"

	"golang.org/x/time/rate"

	"pricewatch/internal/domain"
)

// RateLimited queues calls so the wrapped fetcher never exceeds the
// provider's requests-per-second ceiling. Callers block; nothing is dropped.
type RateLimited struct {
	next    ProductFetcher
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of rps and burst.
func NewRateLimited(next ProductFetcher, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// FetchListings waits for a token, then delegates.
func (r *RateLimited) FetchListings(ctx context.Context, sku string) (domain.Product, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.Product{}, ctx.Err()
		}
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: err}
	}
	return r.next.FetchListings(ctx, sku)
}

var _ ProductFetcher = (*RateLimited)(nil)
