package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/domain"
)

// TrackedItemStore covers CRUD over tracked items. UpdateTrackedItem is an
// optimistic write keyed on Version and returns domain.ErrConflict on a
// lost update.
type TrackedItemStore interface {
	CreateTrackedItem(ctx context.Context, item domain.TrackedItem) error
	GetTrackedItem(ctx context.Context, id uuid.UUID) (domain.TrackedItem, error)
	ListActiveItems(ctx context.Context) ([]domain.TrackedItem, error)
	ListItemsBySKU(ctx context.Context, sku string) ([]domain.TrackedItem, error)
	ListItemsByRecipient(ctx context.Context, recipientID string) ([]domain.TrackedItem, error)
	UpdateTrackedItem(ctx context.Context, item domain.TrackedItem) (domain.TrackedItem, error)
	DeleteTrackedItem(ctx context.Context, id uuid.UUID) error
	DeactivateSKU(ctx context.Context, sku string) ([]domain.TrackedItem, error)
}

// PriceSampleStore is the append-only per-SKU price timeline.
type PriceSampleStore interface {
	// AppendSampleIfChanged inserts sample unless the latest stored sample for
	// the SKU already has the same price and currency. The check and insert
	// are atomic per SKU.
	AppendSampleIfChanged(ctx context.Context, sample domain.PriceSample) (bool, error)
	LatestSample(ctx context.Context, sku string) (domain.PriceSample, error)
	ListSamples(ctx context.Context, sku string, from, to time.Time) ([]domain.PriceSample, error)
}

// defaultPublicationLimit applies when ListRecentPublications gets a
// non-positive limit.
const defaultPublicationLimit = 50

// PublicationStore records broadcast attempts.
type PublicationStore interface {
	InsertPublication(ctx context.Context, rec domain.PublicationRecord) error
	LatestSuccessfulPublication(ctx context.Context, sku string) (domain.PublicationRecord, error)
	ListRecentPublications(ctx context.Context, limit int) ([]domain.PublicationRecord, error)
}

// RecipientStore holds per-recipient delivery settings.
type RecipientStore interface {
	GetRecipient(ctx context.Context, id string) (domain.Recipient, error)
	UpsertRecipient(ctx context.Context, r domain.Recipient) error
	// RecordEmailResult resets the bounce counter on success, otherwise
	// increments it and disables email once it reaches maxBounces.
	RecordEmailResult(ctx context.Context, id string, delivered bool, maxBounces int) (domain.Recipient, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository aggregates every persistence concern the poller needs.
type Repository interface {
	TrackedItemStore
	PriceSampleStore
	PublicationStore
	RecipientStore
}
