package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/domain"
)

// MemoryStore is a process-local Repository used when no database is
// configured and in tests. A single mutex makes every operation atomic.
type MemoryStore struct {
	mu           sync.Mutex
	items        map[uuid.UUID]domain.TrackedItem
	samples      map[string][]domain.PriceSample
	publications []domain.PublicationRecord
	recipients   map[string]domain.Recipient
	nextSampleID int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:      make(map[uuid.UUID]domain.TrackedItem),
		samples:    make(map[string][]domain.PriceSample),
		recipients: make(map[string]domain.Recipient),
	}
}

// CreateTrackedItem stores item, rejecting a second item for the same SKU and recipient.
func (m *MemoryStore) CreateTrackedItem(_ context.Context, item domain.TrackedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return domain.ErrConflict
	}
	for _, existing := range m.items {
		if existing.SKU == item.SKU && existing.RecipientID == item.RecipientID {
			return domain.ErrConflict
		}
	}
	m.items[item.ID] = item
	return nil
}

// GetTrackedItem returns a copy of the item with id.
func (m *MemoryStore) GetTrackedItem(_ context.Context, id uuid.UUID) (domain.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.TrackedItem{}, domain.ErrNotFound
	}
	return item, nil
}

// ListActiveItems lists every active item ordered by SKU.
func (m *MemoryStore) ListActiveItems(_ context.Context) ([]domain.TrackedItem, error) {
	return m.filterItems(func(it domain.TrackedItem) bool { return it.Active }), nil
}

// ListItemsBySKU lists active items for one SKU.
func (m *MemoryStore) ListItemsBySKU(_ context.Context, sku string) ([]domain.TrackedItem, error) {
	return m.filterItems(func(it domain.TrackedItem) bool { return it.Active && it.SKU == sku }), nil
}

// ListItemsByRecipient lists every item owned by a recipient.
func (m *MemoryStore) ListItemsByRecipient(_ context.Context, recipientID string) ([]domain.TrackedItem, error) {
	return m.filterItems(func(it domain.TrackedItem) bool { return it.RecipientID == recipientID }), nil
}

func (m *MemoryStore) filterItems(keep func(domain.TrackedItem) bool) []domain.TrackedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TrackedItem, 0, len(m.items))
	for _, it := range m.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateTrackedItem writes item if its Version still matches the stored one.
func (m *MemoryStore) UpdateTrackedItem(_ context.Context, item domain.TrackedItem) (domain.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[item.ID]
	if !ok || current.Version != item.Version {
		return domain.TrackedItem{}, domain.ErrConflict
	}
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

// DeleteTrackedItem removes an item.
func (m *MemoryStore) DeleteTrackedItem(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

// DeactivateSKU marks every active item on sku inactive and returns them.
func (m *MemoryStore) DeactivateSKU(_ context.Context, sku string) ([]domain.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TrackedItem
	for id, it := range m.items {
		if it.SKU != sku || !it.Active {
			continue
		}
		it.Active = false
		it.Version++
		m.items[id] = it
		out = append(out, it)
	}
	return out, nil
}

// AppendSampleIfChanged appends sample unless it repeats the SKU's latest price and currency.
func (m *MemoryStore) AppendSampleIfChanged(_ context.Context, sample domain.PriceSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := m.samples[sample.SKU]
	if n := len(series); n > 0 {
		last := series[n-1]
		if last.Price.Equal(sample.Price) && last.Currency == sample.Currency {
			return false, nil
		}
		if sample.RecordedAt.Before(last.RecordedAt) {
			sample.RecordedAt = last.RecordedAt
		}
	}
	m.nextSampleID++
	sample.ID = m.nextSampleID
	m.samples[sample.SKU] = append(series, sample)
	return true, nil
}

// LatestSample returns the most recent sample for sku.
func (m *MemoryStore) LatestSample(_ context.Context, sku string) (domain.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := m.samples[sku]
	if len(series) == 0 {
		return domain.PriceSample{}, domain.ErrNotFound
	}
	return series[len(series)-1], nil
}

// ListSamples lists samples for sku within [from, to) in insertion order.
func (m *MemoryStore) ListSamples(_ context.Context, sku string, from, to time.Time) ([]domain.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PriceSample, 0)
	for _, s := range m.samples[sku] {
		if s.RecordedAt.Before(from) || !s.RecordedAt.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// InsertPublication records a broadcast attempt.
func (m *MemoryStore) InsertPublication(_ context.Context, rec domain.PublicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publications = append(m.publications, rec)
	return nil
}

// LatestSuccessfulPublication returns the newest successful broadcast of sku.
func (m *MemoryStore) LatestSuccessfulPublication(_ context.Context, sku string) (domain.PublicationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.publications) - 1; i >= 0; i-- {
		rec := m.publications[i]
		if rec.SKU == sku && rec.Success {
			return rec, nil
		}
	}
	return domain.PublicationRecord{}, domain.ErrNotFound
}

// ListRecentPublications lists the newest broadcast attempts first.
func (m *MemoryStore) ListRecentPublications(_ context.Context, limit int) ([]domain.PublicationRecord, error) {
	if limit <= 0 {
		limit = defaultPublicationLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PublicationRecord, 0, limit)
	for i := len(m.publications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.publications[i])
	}
	return out, nil
}

// GetRecipient loads delivery settings for a recipient.
func (m *MemoryStore) GetRecipient(_ context.Context, id string) (domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return domain.Recipient{}, domain.ErrNotFound
	}
	return r, nil
}

// UpsertRecipient creates or replaces recipient settings, keeping CreatedAt.
func (m *MemoryStore) UpsertRecipient(_ context.Context, r domain.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.recipients[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.recipients[r.ID] = r
	return nil
}

// RecordEmailResult applies the bounce policy to a recipient.
func (m *MemoryStore) RecordEmailResult(_ context.Context, id string, delivered bool, maxBounces int) (domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return domain.Recipient{}, domain.ErrNotFound
	}
	if delivered {
		r.EmailBounces = 0
	} else {
		r.EmailBounces++
		if r.EmailBounces >= maxBounces {
			r.EmailEnabled = false
		}
	}
	m.recipients[id] = r
	return r, nil
}

var _ Repository = (*MemoryStore)(nil)
