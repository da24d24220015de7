package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SellerClass describes who sells and ships the canonical offer.
type SellerClass string

const (
	SellerOfficial            SellerClass = "official"
	SellerFulfilledByPlatform SellerClass = "fulfilled-by-platform"
	SellerThirdParty          SellerClass = "third-party"
	SellerUnknown             SellerClass = "unknown"
)

// Listing is one competing marketplace offer as reported by the product API.
type Listing struct {
	Price               decimal.Decimal
	Currency            string
	Condition           string
	SellerName          string
	FulfilledByPlatform bool
	IsPrimaryOperator   bool
	AvailabilityText    string
	ImageURL            string
}

// Product bundles the listings returned for one SKU.
type Product struct {
	SKU      string
	Title    string
	Listings []Listing
}

// CanonicalOffer is the single best listing selected for a SKU on one poll.
type CanonicalOffer struct {
	SKU          string
	Title        string
	Price        decimal.Decimal
	Currency     string
	Availability string
	Seller       SellerClass
	ImageURL     string
	GeneratedAt  time.Time
}

// Available reports whether the offer carries a usable price.
func (o CanonicalOffer) Available() bool {
	return o.Price.IsPositive()
}
