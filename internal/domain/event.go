package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChangeKind enumerates detected deltas. The zero value is ChangeNone.
type ChangeKind uint8

const (
	ChangeNone ChangeKind = iota
	ChangePriceDrop
	ChangePriceIncrease
	ChangeAvailability
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangePriceDrop:
		return "price_drop"
	case ChangePriceIncrease:
		return "price_increase"
	case ChangeAvailability:
		return "availability_change"
	default:
		return "invalid"
	}
}

// ParseChangeKind maps the wire name of a kind back to its value.
func ParseChangeKind(s string) (ChangeKind, error) {
	for k := ChangeNone; k <= ChangeAvailability; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return ChangeNone, fmt.Errorf("unknown change kind %q", s)
}

// ChangeEvent is the unit handed from detection to dispatch. RecipientID is
// empty for SKU-level broadcast events.
type ChangeEvent struct {
	SKU             string
	Title           string
	RecipientID     string
	Kind            ChangeKind
	OldPrice        decimal.Decimal
	NewPrice        decimal.Decimal
	Currency        string
	Availability    string
	ImageURL        string
	Seller          SellerClass
	IsHistoricalLow bool
	Is30DayMin      bool
	Annotation      string
	DetectedAt      time.Time
}

// Broadcast reports whether the event targets shared channels.
func (e ChangeEvent) Broadcast() bool {
	return e.RecipientID == ""
}

// Delta is NewPrice minus OldPrice.
func (e ChangeEvent) Delta() decimal.Decimal {
	return e.NewPrice.Sub(e.OldPrice)
}

// DeltaPct is the signed change relative to OldPrice, in percent.
func (e ChangeEvent) DeltaPct() decimal.Decimal {
	if e.OldPrice.IsZero() {
		return decimal.Zero
	}
	return e.Delta().Div(e.OldPrice).Mul(decimal.NewFromInt(100))
}

// PriceSample is an append-only history row, shared by every item on the SKU.
type PriceSample struct {
	ID         int64
	SKU        string
	Price      decimal.Decimal
	Currency   string
	Annotation string
	RecordedAt time.Time
}

// PublicationRecord captures one broadcast attempt.
type PublicationRecord struct {
	ID            uuid.UUID
	SKU           string
	Price         decimal.Decimal
	PreviousPrice decimal.Decimal
	DiscountPct   decimal.Decimal
	// Channels lists every target channel of the attempt.
	Channels      []string
	// MessageIDs maps each channel that accepted the post to its message id.
	MessageIDs map[string]string
	Success    bool
	Error      string
	CreatedAt  time.Time
}
