package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/detector"
	"pricewatch/internal/domain"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/keylock"
	"pricewatch/internal/metrics"
	"pricewatch/internal/offer"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
)

// Dispatcher delivers recipient-bound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.ChangeEvent) alerting.Report
	NotifyTrackingStopped(ctx context.Context, item domain.TrackedItem) error
}

// Publisher hands SKU-level events to shared channels.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) (domain.PublicationRecord, bool, error)
}

// Deps are the collaborators a Service drives. Dispatcher and Publisher may
// be nil to disable the matching delivery path.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Fetcher    fetcher.ProductFetcher
	Normalizer *offer.Normalizer
	Detector   *detector.Detector
	Repo       storage.Repository
	Dispatcher Dispatcher
	Publisher  Publisher
	Metrics    *metrics.Collectors
}

// Summary counts what one cycle did.
type Summary struct {
	SKUs       int
	Polled     int
	Transient  int
	Invalid    int
	Samples    int
	Events     int
	Broadcasts int
	Conflicts  int
	Skipped    int
}

type cycleStats struct {
	polled, transient, invalid, samples, events, broadcasts, conflicts, skipped atomic.Int64
}

func (c *cycleStats) summary(skus int) Summary {
	return Summary{
		SKUs:       skus,
		Polled:     int(c.polled.Load()),
		Transient:  int(c.transient.Load()),
		Invalid:    int(c.invalid.Load()),
		Samples:    int(c.samples.Load()),
		Events:     int(c.events.Load()),
		Broadcasts: int(c.broadcasts.Load()),
		Conflicts:  int(c.conflicts.Load()),
		Skipped:    int(c.skipped.Load()),
	}
}

// Service runs polling cycles: fetch, normalize, detect, persist, dispatch.
type Service struct {
	scheduler  *scheduler.Scheduler
	fetcher    fetcher.ProductFetcher
	normalizer *offer.Normalizer
	detector   *detector.Detector
	repo       storage.Repository
	dispatcher Dispatcher
	publisher  Publisher
	metrics    *metrics.Collectors
	logger     zerolog.Logger

	alertsOn      bool
	broadcastOn   bool
	minDiscount   decimal.Decimal
	concurrency   int
	maxAttempts   int
	shutdownGrace time.Duration
	locker        storage.AdvisoryLocker
	lockKey       int64
	skuLocks      *keylock.Map
}

// New constructs the polling service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Repo.(storage.AdvisoryLocker); ok {
		locker = l
	}

	concurrency := cfg.Scheduler.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	attempts := cfg.Scheduler.MaxUpdateAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Service{
		scheduler:     deps.Scheduler,
		fetcher:       deps.Fetcher,
		normalizer:    deps.Normalizer,
		detector:      deps.Detector,
		repo:          deps.Repo,
		dispatcher:    deps.Dispatcher,
		publisher:     deps.Publisher,
		metrics:       deps.Metrics,
		logger:        logger.With().Str("component", "service").Logger(),
		alertsOn:      cfg.Alerting.Enabled,
		broadcastOn:   cfg.Broadcast.Enabled,
		minDiscount:   decimal.NewFromFloat(cfg.Broadcast.MinDiscountPct),
		concurrency:   concurrency,
		maxAttempts:   attempts,
		shutdownGrace: cfg.Scheduler.ShutdownGrace,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
		skuLocks:      keylock.New(),
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs one cycle unless another process holds the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	_, err := s.PollOnce(ctx, bucket)
	return err
}

// PollOnce runs one cycle guarded by the advisory lock. A cycle skipped
// because the lock is held elsewhere returns a zero Summary.
func (s *Service) PollOnce(ctx context.Context, bucket time.Time) (Summary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		return Summary{}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.RunCycle(ctx, bucket)
}

// RunCycle polls every SKU with at least one active tracked item. One SKU's
// failure never aborts the others. When ctx is cancelled no new SKU is
// started and in-flight work gets the shutdown grace period to finish.
func (s *Service) RunCycle(ctx context.Context, bucket time.Time) (Summary, error) {
	started := time.Now()
	items, err := s.repo.ListActiveItems(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list active items: %w", err)
	}

	bySKU := make(map[string][]domain.TrackedItem)
	for _, it := range items {
		bySKU[it.SKU] = append(bySKU[it.SKU], it)
	}
	skus := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(s.shutdownGrace, cancel)
	})
	defer stop()

	stats := &cycleStats{}
	g := errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, sku := range skus {
		if ctx.Err() != nil {
			stats.skipped.Add(1)
			continue
		}
		sku := sku
		g.Go(func() error {
			if ctx.Err() != nil {
				stats.skipped.Add(1)
				return nil
			}
			s.processSKU(workCtx, sku, bySKU[sku], bucket, stats)
			return nil
		})
	}
	_ = g.Wait()

	summary := stats.summary(len(skus))
	elapsed := time.Since(started)
	s.metrics.ObserveCycle(elapsed, len(skus))
	s.logger.Info().
		Time("bucket", bucket).
		Int("skus", summary.SKUs).
		Int("polled", summary.Polled).
		Int("transient", summary.Transient).
		Int("invalid", summary.Invalid).
		Int("events", summary.Events).
		Int("broadcasts", summary.Broadcasts).
		Int("skipped", summary.Skipped).
		Dur("elapsed", elapsed).
		Msg("cycle complete")

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (s *Service) processSKU(ctx context.Context, sku string, items []domain.TrackedItem, now time.Time, stats *cycleStats) {
	log := s.logger.With().Str("sku", sku).Logger()

	unlock := s.skuLocks.Lock(sku)
	defer unlock()

	product, err := s.fetcher.FetchListings(ctx, sku)
	if err != nil {
		switch {
		case domain.IsInvalidSku(err):
			stats.invalid.Add(1)
			s.metrics.ObservePoll("invalid")
			s.handleInvalidSKU(ctx, sku, err, log)
		case ctx.Err() != nil:
			s.metrics.ObservePoll("cancelled")
			log.Debug().Err(err).Msg("poll cancelled")
		default:
			stats.transient.Add(1)
			s.metrics.ObservePoll("transient")
			log.Warn().Err(err).Msg("fetch failed; retrying next cycle")
		}
		return
	}
	stats.polled.Add(1)
	s.metrics.ObservePoll("ok")

	canonical := s.normalizer.Normalize(product)
	if canonical.SKU == "" {
		canonical.SKU = sku
	}

	history, err := s.repo.ListSamples(ctx, sku, time.Time{}, now)
	if err != nil {
		log.Warn().Err(err).Msg("load price history failed; minimum flags disabled")
		history = nil
	}
	var previous *domain.PriceSample
	latest, err := s.repo.LatestSample(ctx, sku)
	switch {
	case err == nil:
		previous = &latest
	case !errors.Is(err, domain.ErrNotFound):
		log.Warn().Err(err).Msg("load latest sample failed")
	}

	if ctx.Err() != nil {
		log.Debug().Msg("cycle cancelled before persisting")
		return
	}
	// From the first write on, the SKU's sample, item states and broadcast
	// commit together; cancellation no longer interrupts them.
	ctx = context.WithoutCancel(ctx)

	annotation := annotate(canonical)
	if detector.ShouldAppend(previous, canonical) {
		appended, err := s.repo.AppendSampleIfChanged(ctx, domain.PriceSample{
			SKU:        sku,
			Price:      canonical.Price,
			Currency:   canonical.Currency,
			Annotation: annotation,
			RecordedAt: now,
		})
		if err != nil {
			log.Error().Err(err).Msg("append price sample failed")
		} else if appended {
			stats.samples.Add(1)
		}
	}

	for _, it := range items {
		s.evaluateItem(ctx, it, canonical, history, annotation, now, stats)
	}

	if s.broadcastOn && s.publisher != nil {
		ev, ok := s.detector.BroadcastCandidate(canonical, previous, history, s.minDiscount, now)
		if !ok {
			return
		}
		ev.Annotation = annotation
		rec, published, err := s.publisher.Publish(ctx, ev)
		if err != nil {
			log.Error().Err(err).Msg("broadcast failed")
			return
		}
		if published && rec.Success {
			stats.broadcasts.Add(1)
		}
	}
}

// evaluateItem detects and persists one tracked item's change, retrying on
// optimistic-lock conflicts. The event is dispatched only after its state
// transition committed.
func (s *Service) evaluateItem(ctx context.Context, snapshot domain.TrackedItem, canonical domain.CanonicalOffer, history []domain.PriceSample, annotation string, now time.Time, stats *cycleStats) {
	log := s.logger.With().Str("sku", snapshot.SKU).Str("item", snapshot.ID.String()).Logger()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		item, err := s.repo.GetTrackedItem(ctx, snapshot.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				log.Error().Err(err).Msg("reload tracked item failed")
			}
			return
		}
		if !item.Active {
			return
		}

		result := s.detector.Detect(detector.Input{
			Offer:      canonical,
			Item:       item,
			History:    history,
			Annotation: annotation,
			Now:        now,
		})

		if _, err := s.repo.UpdateTrackedItem(ctx, result.Item); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				stats.conflicts.Add(1)
				s.metrics.ObserveConflict()
				log.Debug().Int("attempt", attempt).Msg("tracked item changed concurrently; retrying")
				continue
			}
			log.Error().Err(err).Msg("persist tracked item failed")
			return
		}

		if !result.Notify() {
			return
		}
		stats.events.Add(1)
		s.metrics.ObserveEvent(result.Event.Kind.String())
		log.Info().
			Str("kind", result.Event.Kind.String()).
			Str("old_price", result.Event.OldPrice.String()).
			Str("new_price", result.Event.NewPrice.String()).
			Bool("historical_low", result.Event.IsHistoricalLow).
			Msg("change detected")

		if s.alertsOn && s.dispatcher != nil {
			report := s.dispatcher.Dispatch(ctx, result.Event)
			if !report.Delivered() {
				log.Warn().Int("channels", len(report.Deliveries)).Msg("event not delivered on any channel")
			}
		}
		return
	}
	log.Warn().Int("attempts", s.maxAttempts).Msg("giving up on tracked item after repeated conflicts")
}

func (s *Service) handleInvalidSKU(ctx context.Context, sku string, cause error, log zerolog.Logger) {
	items, err := s.repo.DeactivateSKU(ctx, sku)
	if err != nil {
		log.Error().Err(err).Msg("deactivate invalid sku failed")
		return
	}
	log.Warn().Err(cause).Int("items", len(items)).Msg("sku rejected by source; tracking stopped")
	if s.dispatcher == nil {
		return
	}
	for _, it := range items {
		if err := s.dispatcher.NotifyTrackingStopped(ctx, it); err != nil {
			log.Warn().Err(err).Str("recipient", it.RecipientID).Msg("tracking-stopped notice failed")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func annotate(o domain.CanonicalOffer) string {
	switch o.Seller {
	case domain.SellerFulfilledByPlatform:
		return "Shipped by the marketplace"
	case domain.SellerThirdParty:
		return "Sold by a third-party seller"
	default:
		return ""
	}
}
