package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
)

const maxBodyBytes = 4 << 20

// ProductOptions parameterise the product-data API client.
type ProductOptions struct {
	BaseURL     string
	APIKey      string
	Marketplace string
	Timeout     time.Duration
	UserAgent   string
}

// ProductAPI fetches offers from the remote product-data API.
type ProductAPI struct {
	opts    ProductOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewProductAPI constructs a product-data client.
func NewProductAPI(opts ProductOptions, logger zerolog.Logger) *ProductAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ProductAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "product_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchListings calls GET {base}/products/{sku}/offers.
func (p *ProductAPI) FetchListings(ctx context.Context, sku string) (domain.Product, error) {
	if p.baseURL == "" {
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: errors.New("source base url not configured")}
	}

	endpoint := fmt.Sprintf("%s/products/%s/offers", p.baseURL, url.PathEscape(sku))
	if p.opts.Marketplace != "" {
		endpoint += "?" + url.Values{"marketplace": {p.opts.Marketplace}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if p.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Product{}, ctx.Err()
		}
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.Product{}, &domain.InvalidSkuError{SKU: sku, Reason: apiErrorMessage(payload)}
	case resp.StatusCode != http.StatusOK:
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: parseHTTPError(resp.StatusCode, payload)}
	}

	var body offersResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return domain.Product{}, &domain.TransientFetchError{SKU: sku, Err: fmt.Errorf("decode offers: %w", err)}
	}

	product := domain.Product{SKU: sku, Title: strings.TrimSpace(body.Title), Listings: make([]domain.Listing, 0, len(body.Offers))}
	for _, o := range body.Offers {
		product.Listings = append(product.Listings, o.toListing())
	}

	p.logger.Debug().Str("sku", sku).Int("offers", len(product.Listings)).Msg("offers fetched")
	return product, nil
}

type offersResponse struct {
	SKU    string      `json:"sku"`
	Title  string      `json:"title"`
	Offers []offerJSON `json:"offers"`
}

type offerJSON struct {
	Price               json.RawMessage `json:"price"`
	Currency            string          `json:"currency"`
	Condition           string          `json:"condition"`
	SellerName          string          `json:"seller_name"`
	FulfilledByPlatform bool            `json:"fulfilled_by_platform"`
	IsPrimaryOperator   bool            `json:"is_primary_operator"`
	Availability        string          `json:"availability"`
	ImageURL            string          `json:"image_url"`
}

// toListing is lenient: an unparsable price becomes zero rather than failing
// the whole product.
func (o offerJSON) toListing() domain.Listing {
	return domain.Listing{
		Price:               parsePrice(o.Price),
		Currency:            o.Currency,
		Condition:           o.Condition,
		SellerName:          o.SellerName,
		FulfilledByPlatform: o.FulfilledByPlatform,
		IsPrimaryOperator:   o.IsPrimaryOperator,
		AvailabilityText:    o.Availability,
		ImageURL:            o.ImageURL,
	}
}

func parsePrice(raw json.RawMessage) decimal.Decimal {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func apiErrorMessage(payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return apiErr.Error
	}
	return ""
}

func parseHTTPError(status int, payload []byte) error {
	if msg := apiErrorMessage(payload); msg != "" {
		return fmt.Errorf("product api error (%d): %s", status, msg)
	}
	if len(payload) > 0 {
		return fmt.Errorf("product api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("product api error (%d)", status)
}

var _ ProductFetcher = (*ProductAPI)(nil)
