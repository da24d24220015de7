// Package detector classifies price and availability deltas against stored state.
package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
)

const defaultWindow = 30 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Input is everything needed to evaluate one tracked item on one poll.
type Input struct {
	Offer domain.CanonicalOffer
	Item  domain.TrackedItem
	// History must not contain the sample written for this poll. A nil
	// slice means no minimum data.
	History    []domain.PriceSample
	Annotation string
	Now        time.Time
}

// Result carries the event to dispatch (Kind none when suppressed) and the
// item state to persist.
type Result struct {
	Event domain.ChangeEvent
	Item  domain.TrackedItem
}

// Notify reports whether the event should be dispatched.
func (r Result) Notify() bool {
	return r.Event.Kind != domain.ChangeNone
}

// Detector evaluates offers against stored item state.
type Detector struct {
	window time.Duration
}

// New returns a Detector using a trailing window for the rolling-minimum flag.
func New(window time.Duration) *Detector {
	if window <= 0 {
		window = defaultWindow
	}
	return &Detector{window: window}
}

// Detect classifies the delta between in.Offer and in.Item.
func (d *Detector) Detect(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	prev := in.Item
	next := prev
	next.LastCheckedAt = now
	next.Availability = in.Offer.Availability
	if in.Offer.Currency != "" {
		next.Currency = in.Offer.Currency
	}

	event := domain.ChangeEvent{
		SKU:          in.Offer.SKU,
		Title:        in.Offer.Title,
		RecipientID:  prev.RecipientID,
		Kind:         domain.ChangeNone,
		OldPrice:     prev.LastPrice,
		NewPrice:     in.Offer.Price,
		Currency:     next.Currency,
		Availability: in.Offer.Availability,
		ImageURL:     in.Offer.ImageURL,
		Seller:       in.Offer.Seller,
		Annotation:   in.Annotation,
		DetectedAt:   now,
	}

	availabilityChanged := prev.Availability != in.Offer.Availability

	if !in.Offer.Available() {
		// Zero means out of stock; the next positive price reads as back in stock.
		next.LastPrice = decimal.Zero
		if !prev.Baseline() && prev.Policy.Kind == domain.PolicyAvailabilityOnly && availabilityChanged {
			event.Kind = domain.ChangeAvailability
		}
		return Result{Event: event, Item: next}
	}

	next.LastPrice = in.Offer.Price
	if prev.Baseline() {
		return Result{Event: event, Item: next}
	}

	event.IsHistoricalLow, event.Is30DayMin = d.Minimums(in.History, in.Offer.Price, now)

	if prev.Policy.Kind == domain.PolicyAvailabilityOnly {
		if availabilityChanged || !prev.LastPrice.IsPositive() {
			event.Kind = domain.ChangeAvailability
		}
		return Result{Event: event, Item: next}
	}

	if !prev.LastPrice.IsPositive() {
		event.Kind = domain.ChangeAvailability
		return Result{Event: event, Item: next}
	}

	switch in.Offer.Price.Cmp(prev.LastPrice) {
	case -1:
		if Qualifies(prev.Policy, prev.LastPrice, in.Offer.Price) {
			event.Kind = domain.ChangePriceDrop
		}
	case 1:
		event.Kind = domain.ChangePriceIncrease
	}
	return Result{Event: event, Item: next}
}

// Qualifies reports whether a drop from stored to current satisfies policy.
func Qualifies(policy domain.AlertPolicy, stored, current decimal.Decimal) bool {
	if !current.LessThan(stored) {
		return false
	}
	switch policy.Kind {
	case domain.PolicyAnyDrop:
		return true
	case domain.PolicyPercentageDrop:
		if !stored.IsPositive() {
			return false
		}
		return DropPct(stored, current).GreaterThanOrEqual(policy.Value)
	case domain.PolicyAbsoluteTarget:
		return current.LessThanOrEqual(policy.Value)
	default:
		return false
	}
}

// DropPct is (stored-current)/stored*100.
func DropPct(stored, current decimal.Decimal) decimal.Decimal {
	if stored.IsZero() {
		return decimal.Zero
	}
	return stored.Sub(current).Div(stored).Mul(hundred)
}

// Minimums reports whether price is at or below the all-time minimum and the
// trailing-window minimum of history. Empty history yields false for both.
func (d *Detector) Minimums(history []domain.PriceSample, price decimal.Decimal, now time.Time) (allTime, window bool) {
	if len(history) == 0 {
		return false, false
	}
	cutoff := now.Add(-d.window)
	var minAll, minWin decimal.Decimal
	haveWin := false
	for i, s := range history {
		if i == 0 || s.Price.LessThan(minAll) {
			minAll = s.Price
		}
		if !s.RecordedAt.Before(cutoff) {
			if !haveWin || s.Price.LessThan(minWin) {
				minWin = s.Price
			}
			haveWin = true
		}
	}
	allTime = price.LessThanOrEqual(minAll)
	window = haveWin && price.LessThanOrEqual(minWin)
	return allTime, window
}

// ShouldAppend reports whether offer warrants a new history row given the
// most recent stored sample for the SKU.
func ShouldAppend(last *domain.PriceSample, offer domain.CanonicalOffer) bool {
	if !offer.Available() {
		return false
	}
	if last == nil {
		return true
	}
	return !last.Price.Equal(offer.Price) || last.Currency != offer.Currency
}

// BroadcastCandidate builds a SKU-level drop event against the previous
// sample. ok is false when the price did not fall by at least minDropPct.
func (d *Detector) BroadcastCandidate(offer domain.CanonicalOffer, previous *domain.PriceSample, history []domain.PriceSample, minDropPct decimal.Decimal, now time.Time) (domain.ChangeEvent, bool) {
	if previous == nil || !offer.Available() || !offer.Price.LessThan(previous.Price) {
		return domain.ChangeEvent{}, false
	}
	if DropPct(previous.Price, offer.Price).LessThan(minDropPct) {
		return domain.ChangeEvent{}, false
	}
	event := domain.ChangeEvent{
		SKU:          offer.SKU,
		Title:        offer.Title,
		Kind:         domain.ChangePriceDrop,
		OldPrice:     previous.Price,
		NewPrice:     offer.Price,
		Currency:     offer.Currency,
		Availability: offer.Availability,
		ImageURL:     offer.ImageURL,
		Seller:       offer.Seller,
		DetectedAt:   now,
	}
	event.IsHistoricalLow, event.Is30DayMin = d.Minimums(history, offer.Price, now)
	return event, true
}
