package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/detector"
	"pricewatch/internal/domain"
	"pricewatch/internal/offer"
	"pricewatch/internal/storage"
)

type stubFetcher struct {
	mu       sync.Mutex
	prices   map[string]string
	failures map[string]error
	calls    map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{prices: map[string]string{}, failures: map[string]error{}, calls: map[string]int{}}
}

func (f *stubFetcher) set(sku, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sku] = price
}

func (f *stubFetcher) fail(sku string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sku] = err
}

func (f *stubFetcher) FetchListings(_ context.Context, sku string) (domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sku]++
	if err := f.failures[sku]; err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		SKU:   sku,
		Title: "Product " + sku,
		Listings: []domain.Listing{{
			Price:             decimal.RequireFromString(f.prices[sku]),
			Currency:          "EUR",
			Condition:         "new",
			IsPrimaryOperator: true,
			AvailabilityText:  "In stock",
		}},
	}, nil
}

func (f *stubFetcher) callCount(sku string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sku]
}

type recordingDispatcher struct {
	mu      sync.Mutex
	events  []domain.ChangeEvent
	stopped []domain.TrackedItem
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev domain.ChangeEvent) alerting.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return alerting.Report{SKU: ev.SKU, RecipientID: ev.RecipientID, Kind: ev.Kind,
		Deliveries: []alerting.Delivery{{Channel: alerting.ChannelDirect, Target: ev.RecipientID}}}
}

func (d *recordingDispatcher) NotifyTrackingStopped(_ context.Context, item domain.TrackedItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, item)
	return nil
}

func (d *recordingDispatcher) snapshot() ([]domain.ChangeEvent, []domain.TrackedItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ChangeEvent(nil), d.events...), append([]domain.TrackedItem(nil), d.stopped...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.ChangeEvent) (domain.PublicationRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return domain.PublicationRecord{SKU: ev.SKU, Price: ev.NewPrice, Success: true}, true, nil
}

type harness struct {
	svc       *Service
	store     *storage.MemoryStore
	fetcher   *stubFetcher
	dispatch  *recordingDispatcher
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{MaxConcurrency: 4, MaxUpdateAttempts: 3, ShutdownGrace: time.Second},
		Alerting:  config.AlertingConfig{Enabled: true},
		Broadcast: config.BroadcastConfig{Enabled: true},
	}
	h := &harness{
		store:     storage.NewMemoryStore(),
		fetcher:   newStubFetcher(),
		dispatch:  &recordingDispatcher{},
		publisher: &recordingPublisher{},
	}
	h.svc = New(cfg, Deps{
		Fetcher:    h.fetcher,
		Normalizer: offer.NewNormalizer("EUR", zerolog.Nop()),
		Detector:   detector.New(0),
		Repo:       h.store,
		Dispatcher: h.dispatch,
		Publisher:  h.publisher,
	}, zerolog.Nop())
	return h
}

// track stores an item that has already been polled at lastPrice.
func (h *harness) track(t *testing.T, sku, recipient string, policy domain.AlertPolicy, lastPrice string, checkedAt time.Time) domain.TrackedItem {
	t.Helper()
	item, err := domain.NewTrackedItem(sku, recipient, policy)
	require.NoError(t, err)
	if lastPrice != "" {
		item.LastPrice = decimal.RequireFromString(lastPrice)
		item.Currency = "EUR"
		item.Availability = "In stock"
		item.LastCheckedAt = checkedAt
	}
	require.NoError(t, h.store.CreateTrackedItem(context.Background(), item))
	return item
}

func (h *harness) sample(t *testing.T, sku, price string, at time.Time) {
	t.Helper()
	_, err := h.store.AppendSampleIfChanged(context.Background(), domain.PriceSample{
		SKU: sku, Price: decimal.RequireFromString(price), Currency: "EUR", RecordedAt: at,
	})
	require.NoError(t, err)
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func TestRepeatedPollIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SKU1", "42", domain.AnyDrop(), "", time.Time{})
	h.fetcher.set("SKU1", "50.00")
	ctx := context.Background()

	first, err := h.svc.RunCycle(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Samples)
	assert.Zero(t, first.Events, "baseline poll never emits")

	second, err := h.svc.RunCycle(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, second.Samples)
	assert.Zero(t, second.Events)

	samples, err := h.store.ListSamples(ctx, "SKU1", time.Time{}, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 1)
	events, _ := h.dispatch.snapshot()
	assert.Empty(t, events)
}

func TestPercentageDropEmitsWithHistoricalLow(t *testing.T) {
	h := newHarness(t)
	item := h.track(t, "SKU1", "42", domain.PercentageDrop(decimal.NewFromInt(10)), "100.00", t0.Add(-time.Hour))
	h.sample(t, "SKU1", "95.00", t0.Add(-48*time.Hour))
	h.sample(t, "SKU1", "100.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "89.00")

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events)

	events, _ := h.dispatch.snapshot()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.ChangePriceDrop, ev.Kind)
	assert.Equal(t, "42", ev.RecipientID)
	assert.True(t, ev.OldPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, ev.NewPrice.Equal(decimal.NewFromInt(89)))
	assert.True(t, ev.IsHistoricalLow)

	stored, err := h.store.GetTrackedItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastPrice.Equal(decimal.NewFromInt(89)))
	assert.Equal(t, t0, stored.LastCheckedAt)
}

func TestDropBelowThresholdStillRecordsSample(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SKU1", "42", domain.PercentageDrop(decimal.NewFromInt(10)), "100.00", t0.Add(-time.Hour))
	h.sample(t, "SKU1", "100.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "95.00")

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, summary.Events)
	assert.Equal(t, 1, summary.Samples)

	latest, err := h.store.LatestSample(context.Background(), "SKU1")
	require.NoError(t, err)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(95)))
}

func TestTransientFailureIsolatedToSKU(t *testing.T) {
	h := newHarness(t)
	h.track(t, "BAD", "1", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.track(t, "GOOD", "2", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.fail("BAD", &domain.TransientFetchError{SKU: "BAD", Err: errors.New("503")})
	h.fetcher.set("GOOD", "9.00")

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transient)
	assert.Equal(t, 1, summary.Polled)
	assert.Equal(t, 1, summary.Events)

	bad, err := h.store.ListItemsBySKU(context.Background(), "BAD")
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.True(t, bad[0].Active, "transient failures keep the item active")
	assert.True(t, bad[0].LastPrice.Equal(decimal.NewFromInt(10)))
}

func TestInvalidSKUStopsTrackingAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.track(t, "GONE", "1", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.track(t, "GONE", "2", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.fail("GONE", &domain.InvalidSkuError{SKU: "GONE", Reason: "404"})
	ctx := context.Background()

	summary, err := h.svc.RunCycle(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Invalid)

	_, err = h.svc.RunCycle(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	_, stopped := h.dispatch.snapshot()
	assert.Len(t, stopped, 2)
	assert.Equal(t, 1, h.fetcher.callCount("GONE"), "inactive items are not polled")

	active, err := h.store.ListItemsBySKU(ctx, "GONE")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSharedSKUFetchedOncePerCycle(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SHARED", "1", domain.AnyDrop(), "20.00", t0.Add(-time.Hour))
	h.track(t, "SHARED", "2", domain.AbsoluteTarget(decimal.NewFromInt(15)), "20.00", t0.Add(-time.Hour))
	h.fetcher.set("SHARED", "18.00")

	_, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.callCount("SHARED"))
	events, _ := h.dispatch.snapshot()
	require.Len(t, events, 1, "only the any-drop item qualifies")
	assert.Equal(t, "1", events[0].RecipientID)
}

func TestBackInStockEmitsAvailabilityChange(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SKU1", "42", domain.AnyDrop(), "30.00", t0.Add(-2*time.Hour))
	h.fetcher.set("SKU1", "0")
	ctx := context.Background()

	_, err := h.svc.RunCycle(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)

	h.fetcher.set("SKU1", "31.00")
	_, err = h.svc.RunCycle(ctx, t0)
	require.NoError(t, err)

	events, _ := h.dispatch.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.ChangeAvailability, events[0].Kind)

	samples, err := h.store.ListSamples(ctx, "SKU1", time.Time{}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1, "zero prices are never sampled")
}

func TestBroadcastCandidateHandedToPublisher(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SKU1", "42", domain.AvailabilityOnly(), "100.00", t0.Add(-time.Hour))
	h.sample(t, "SKU1", "100.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "90.00")

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Broadcasts)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.events, 1)
	ev := h.publisher.events[0]
	assert.True(t, ev.Broadcast())
	assert.True(t, ev.OldPrice.Equal(decimal.NewFromInt(100)))
}

func TestAlertsDisabledSkipsDispatch(t *testing.T) {
	h := newHarness(t)
	h.svc.alertsOn = false
	h.track(t, "SKU1", "42", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "5.00")

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events)
	events, _ := h.dispatch.snapshot()
	assert.Empty(t, events)
}

func TestCancelledCycleStartsNoWork(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SKU1", "42", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "5.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.svc.RunCycle(ctx, t0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, h.fetcher.callCount("SKU1"))
}

type busyLocker struct{}

func (busyLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestPollOnceSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.svc.locker = busyLocker{}
	h.svc.lockKey = 7
	h.track(t, "SKU1", "42", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "5.00")

	summary, err := h.svc.PollOnce(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Zero(t, h.fetcher.callCount("SKU1"))
}

// cancellingRepo cancels the running cycle as soon as a sample is committed.
type cancellingRepo struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (r *cancellingRepo) AppendSampleIfChanged(ctx context.Context, sample domain.PriceSample) (bool, error) {
	appended, err := r.MemoryStore.AppendSampleIfChanged(ctx, sample)
	r.cancel()
	// Let the zero shutdown grace elapse so the cycle's work context is done.
	time.Sleep(20 * time.Millisecond)
	return appended, err
}

func TestCancellationAfterSampleCommitFinishesSKU(t *testing.T) {
	h := newHarness(t)
	h.svc.shutdownGrace = 0
	item := h.track(t, "SKU1", "42", domain.AnyDrop(), "100.00", t0.Add(-time.Hour))
	h.sample(t, "SKU1", "100.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "80.00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.repo = &cancellingRepo{MemoryStore: h.store, cancel: cancel}

	summary, err := h.svc.RunCycle(ctx, t0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Samples)
	assert.Equal(t, 1, summary.Events)
	assert.Equal(t, 1, summary.Broadcasts)

	stored, err := h.store.GetTrackedItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastPrice.Equal(decimal.NewFromInt(80)), "item state commits with the sample")

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.events, 1)
	assert.True(t, h.publisher.events[0].NewPrice.Equal(decimal.NewFromInt(80)))
}

// conflictingRepo fails the first n tracked-item updates with ErrConflict.
type conflictingRepo struct {
	*storage.MemoryStore
	mu        sync.Mutex
	remaining int
	updates   int
}

func (r *conflictingRepo) UpdateTrackedItem(ctx context.Context, item domain.TrackedItem) (domain.TrackedItem, error) {
	r.mu.Lock()
	r.updates++
	if r.remaining > 0 {
		r.remaining--
		r.mu.Unlock()
		return domain.TrackedItem{}, domain.ErrConflict
	}
	r.mu.Unlock()
	return r.MemoryStore.UpdateTrackedItem(ctx, item)
}

func TestConflictIsRetriedThenDispatchedOnce(t *testing.T) {
	h := newHarness(t)
	item := h.track(t, "SKU1", "42", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "8.00")
	repo := &conflictingRepo{MemoryStore: h.store, remaining: 1}
	h.svc.repo = repo

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 2, repo.updates)

	events, _ := h.dispatch.snapshot()
	require.Len(t, events, 1)
	stored, err := h.store.GetTrackedItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastPrice.Equal(decimal.NewFromInt(8)))
}

func TestConflictGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	item := h.track(t, "SKU1", "42", domain.AnyDrop(), "10.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "8.00")
	repo := &conflictingRepo{MemoryStore: h.store, remaining: 10}
	h.svc.repo = repo

	summary, err := h.svc.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Conflicts)
	assert.Equal(t, 3, repo.updates)
	assert.Zero(t, summary.Events)

	events, _ := h.dispatch.snapshot()
	assert.Empty(t, events, "nothing is dispatched without a committed transition")
	stored, err := h.store.GetTrackedItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastPrice.Equal(decimal.NewFromInt(10)))
}

func TestOverlappingCyclesEmitOncePerItem(t *testing.T) {
	h := newHarness(t)
	for _, recipient := range []string{"1", "2", "3", "4", "5"} {
		h.track(t, "SKU1", recipient, domain.AnyDrop(), "100.00", t0.Add(-time.Hour))
	}
	h.sample(t, "SKU1", "100.00", t0.Add(-time.Hour))
	h.fetcher.set("SKU1", "80.00")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RunCycle(context.Background(), t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, _ := h.dispatch.snapshot()
	assert.Len(t, events, 5)
	seen := map[string]bool{}
	for _, ev := range events {
		assert.False(t, seen[ev.RecipientID], "recipient %s alerted twice", ev.RecipientID)
		seen[ev.RecipientID] = true
	}

	samples, err := h.store.ListSamples(context.Background(), "SKU1", time.Time{}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	assert.Len(t, h.publisher.events, 1)
}
