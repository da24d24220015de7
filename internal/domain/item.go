package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PolicyKind selects which price movements are worth a notification.
type PolicyKind string

const (
	PolicyPercentageDrop   PolicyKind = "percentage_drop"
	PolicyAbsoluteTarget   PolicyKind = "absolute_target"
	PolicyAnyDrop          PolicyKind = "any_drop"
	PolicyAvailabilityOnly PolicyKind = "availability_only"
)

// AlertPolicy is the per-item notification preference. Exactly one kind is
// active; Value is only meaningful for percentage_drop and absolute_target.
type AlertPolicy struct {
	Kind  PolicyKind
	Value decimal.Decimal
}

// PercentageDrop notifies when the relative drop reaches threshold percent.
func PercentageDrop(threshold decimal.Decimal) AlertPolicy {
	return AlertPolicy{Kind: PolicyPercentageDrop, Value: threshold}
}

// AbsoluteTarget notifies once the price is at or below target.
func AbsoluteTarget(target decimal.Decimal) AlertPolicy {
	return AlertPolicy{Kind: PolicyAbsoluteTarget, Value: target}
}

// AnyDrop notifies on every decrease.
func AnyDrop() AlertPolicy {
	return AlertPolicy{Kind: PolicyAnyDrop}
}

// AvailabilityOnly ignores prices and reports stock changes only.
func AvailabilityOnly() AlertPolicy {
	return AlertPolicy{Kind: PolicyAvailabilityOnly}
}

// ParsePolicy builds a policy from its textual kind and optional parameter.
func ParsePolicy(kind, value string) (AlertPolicy, error) {
	p := AlertPolicy{Kind: PolicyKind(strings.ToLower(strings.TrimSpace(kind)))}
	if p.Kind.needsValue() {
		v, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return AlertPolicy{}, fmt.Errorf("policy %s: parse value %q: %w", p.Kind, value, err)
		}
		p.Value = v
	}
	if err := p.Validate(); err != nil {
		return AlertPolicy{}, err
	}
	return p, nil
}

// Validate checks the variant and its parameter.
func (p AlertPolicy) Validate() error {
	switch p.Kind {
	case PolicyPercentageDrop, PolicyAbsoluteTarget:
		if !p.Value.IsPositive() {
			return fmt.Errorf("policy %s requires a positive value", p.Kind)
		}
	case PolicyAnyDrop, PolicyAvailabilityOnly:
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return nil
}

func (p AlertPolicy) String() string {
	if p.Kind.needsValue() {
		return fmt.Sprintf("%s(%s)", p.Kind, p.Value.String())
	}
	return string(p.Kind)
}

func (k PolicyKind) needsValue() bool {
	return k == PolicyPercentageDrop || k == PolicyAbsoluteTarget
}

// TrackedItem is one recipient's intent to follow one SKU. Several items may
// share a SKU; each keeps its own policy and last-seen state.
type TrackedItem struct {
	ID            uuid.UUID
	SKU           string
	RecipientID   string
	LastPrice     decimal.Decimal
	Currency      string
	Availability  string
	LastCheckedAt time.Time
	Policy        AlertPolicy
	Active        bool
	// Version guards optimistic updates; the store bumps it on every write.
	Version   int64
	CreatedAt time.Time
}

// NewTrackedItem returns an active, never-checked item.
func NewTrackedItem(sku, recipientID string, policy AlertPolicy) (TrackedItem, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return TrackedItem{}, fmt.Errorf("sku is required")
	}
	if strings.TrimSpace(recipientID) == "" {
		return TrackedItem{}, fmt.Errorf("recipient is required")
	}
	if err := policy.Validate(); err != nil {
		return TrackedItem{}, err
	}
	return TrackedItem{
		ID:          uuid.New(),
		SKU:         sku,
		RecipientID: recipientID,
		Policy:      policy,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Baseline reports whether the item has never been polled successfully.
func (t TrackedItem) Baseline() bool {
	return t.LastCheckedAt.IsZero()
}

// Recipient holds delivery settings for one subscriber.
type Recipient struct {
	ID            string
	Email         string
	EmailEnabled  bool
	EmailVerified bool
	EmailBounces  int
	CreatedAt     time.Time
}

// EmailDeliverable reports whether email alerts should be attempted.
func (r Recipient) EmailDeliverable() bool {
	return r.Email != "" && r.EmailEnabled && r.EmailVerified
}
