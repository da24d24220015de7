// Package offer reduces competing marketplace listings to one canonical offer.
package offer

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
)

// Normalizer selects the canonical offer for a SKU.
type Normalizer struct {
	defaultCurrency string
	now             func() time.Time
	logger          zerolog.Logger
}

// NewNormalizer builds a Normalizer. defaultCurrency fills listings that omit one.
func NewNormalizer(defaultCurrency string, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
		now:             func() time.Time { return time.Now().UTC() },
		logger:          logger.With().Str("component", "offer_normalizer").Logger(),
	}
}

type candidate struct {
	listing domain.Listing
	index   int
}

// Normalize picks one offer out of product.Listings. It never fails: on empty
// or unusable input it returns an offer carrying only the SKU and
// SellerUnknown.
func (n *Normalizer) Normalize(product domain.Product) (offer domain.CanonicalOffer) {
	fallback := domain.CanonicalOffer{
		SKU:         product.SKU,
		Title:       product.Title,
		Price:       decimal.Zero,
		Currency:    n.defaultCurrency,
		Seller:      domain.SellerUnknown,
		GeneratedAt: n.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Str("sku", product.SKU).Interface("panic", r).Msg("offer normalisation panicked; using fallback")
			offer = fallback
		}
	}()

	if len(product.Listings) == 0 {
		return fallback
	}

	var official, fulfilled, thirdParty []candidate
	for i, l := range product.Listings {
		if !isNew(l.Condition) {
			continue
		}
		c := candidate{listing: sanitize(l), index: i}
		switch {
		case l.IsPrimaryOperator:
			official = append(official, c)
		case l.FulfilledByPlatform:
			fulfilled = append(fulfilled, c)
		default:
			thirdParty = append(thirdParty, c)
		}
	}

	tiers := []struct {
		candidates []candidate
		class      domain.SellerClass
	}{
		{official, domain.SellerOfficial},
		{fulfilled, domain.SellerFulfilledByPlatform},
		{thirdParty, domain.SellerThirdParty},
	}
	// A tier whose listings are all unpriced (out of stock) yields to the next
	// priced tier; it is used only when no tier has a price.
	var unpriced *candidate
	var unpricedClass domain.SellerClass
	for _, tier := range tiers {
		if len(tier.candidates) == 0 {
			continue
		}
		best := cheapest(tier.candidates)
		if best.listing.Price.IsPositive() {
			return n.build(product, best.listing, tier.class)
		}
		if unpriced == nil {
			unpriced, unpricedClass = &best, tier.class
		}
	}
	if unpriced != nil {
		return n.build(product, unpriced.listing, unpricedClass)
	}

	// No new listing at all: take the first one as reported.
	first := sanitize(product.Listings[0])
	return n.build(product, first, classify(first))
}

func (n *Normalizer) build(product domain.Product, l domain.Listing, class domain.SellerClass) domain.CanonicalOffer {
	currency := strings.ToUpper(strings.TrimSpace(l.Currency))
	if currency == "" {
		currency = n.defaultCurrency
	}
	if !l.Price.IsPositive() {
		class = domain.SellerUnknown
	}
	return domain.CanonicalOffer{
		SKU:          product.SKU,
		Title:        product.Title,
		Price:        l.Price,
		Currency:     currency,
		Availability: strings.TrimSpace(l.AvailabilityText),
		Seller:       class,
		ImageURL:     strings.TrimSpace(l.ImageURL),
		GeneratedAt:  n.now(),
	}
}

// cheapest orders by ascending price with unpriced listings last; ties keep
// the original order.
func cheapest(cs []candidate) candidate {
	sort.SliceStable(cs, func(i, j int) bool {
		pi, pj := cs[i].listing.Price, cs[j].listing.Price
		if pi.IsPositive() != pj.IsPositive() {
			return pi.IsPositive()
		}
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		return cs[i].index < cs[j].index
	})
	return cs[0]
}

func isNew(condition string) bool {
	c := strings.ToLower(strings.TrimSpace(condition))
	return c == "" || c == "new"
}

func sanitize(l domain.Listing) domain.Listing {
	if l.Price.IsNegative() {
		l.Price = decimal.Zero
	}
	return l
}

func classify(l domain.Listing) domain.SellerClass {
	switch {
	case l.IsPrimaryOperator:
		return domain.SellerOfficial
	case l.FulfilledByPlatform:
		return domain.SellerFulfilledByPlatform
	default:
		return domain.SellerThirdParty
	}
}
