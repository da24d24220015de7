package fetcher

import (
	"context"

	"pricewatch/internal/domain"
)

// ProductFetcher retrieves every competing listing for one SKU. Failures are
// *domain.TransientFetchError (retry next cycle) or *domain.InvalidSkuError
// (stop polling the SKU); context errors are returned as is.
type ProductFetcher interface {
	FetchListings(ctx context.Context, sku string) (domain.Product, error)
}
