// Package publication guards broadcasts to shared channels against same-day
// near-duplicates.
package publication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/detector"
	"pricewatch/internal/domain"
	"pricewatch/internal/keylock"
	"pricewatch/internal/metrics"
	"pricewatch/internal/storage"
)

// Outcome labels for metrics and logs.
const (
	OutcomePublished  = "published"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// Options configure the guard.
type Options struct {
	// MinDropPct is the downward move from the last published price needed
	// to publish again on the same calendar day.
	MinDropPct decimal.Decimal
	// Location defines the calendar day. Defaults to UTC.
	Location *time.Location
	Channels []string
	ThreadID string
}

// Guard publishes SKU-level drop events to broadcast channels at most once
// per calendar day unless the price falls further.
type Guard struct {
	sender   alerting.ChannelSender
	store    storage.PublicationStore
	renderer *alerting.Renderer
	metrics  *metrics.Collectors
	logger   zerolog.Logger
	opts     Options
	locks    *keylock.Map
	now      func() time.Time
}

// NewGuard wires a Guard.
func NewGuard(sender alerting.ChannelSender, store storage.PublicationStore, renderer *alerting.Renderer, m *metrics.Collectors, opts Options, logger zerolog.Logger) *Guard {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Guard{
		sender:   sender,
		store:    store,
		renderer: renderer,
		metrics:  m,
		logger:   logger.With().Str("component", "publication_guard").Logger(),
		opts:     opts,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Decision explains whether a candidate may be published.
type Decision struct {
	Allowed bool
	Last    *domain.PublicationRecord
	Reason  string
}

// Check evaluates the guard for sku at price without sending anything.
func (g *Guard) Check(ctx context.Context, sku string, price decimal.Decimal) (Decision, error) {
	return g.check(ctx, sku, price, g.now())
}

func (g *Guard) check(ctx context.Context, sku string, price decimal.Decimal, now time.Time) (Decision, error) {
	last, err := g.store.LatestSuccessfulPublication(ctx, sku)
	if errors.Is(err, domain.ErrNotFound) {
		return Decision{Allowed: true, Reason: "never published"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load last publication: %w", err)
	}
	if !sameDay(last.CreatedAt, now, g.opts.Location) {
		return Decision{Allowed: true, Last: &last, Reason: "published on an earlier day"}, nil
	}
	drop := detector.DropPct(last.Price, price)
	if drop.LessThan(g.opts.MinDropPct) {
		return Decision{Last: &last, Reason: fmt.Sprintf("published today at %s, drop %s%% below threshold", last.Price.StringFixed(2), drop.StringFixed(2))}, nil
	}
	return Decision{Allowed: true, Last: &last, Reason: fmt.Sprintf("dropped %s%% since last publication", drop.StringFixed(2))}, nil
}

// Publish broadcasts ev when the guard allows it and persists the attempt.
// published is false when the candidate was suppressed; suppressed
// candidates leave no record.
func (g *Guard) Publish(ctx context.Context, ev domain.ChangeEvent) (rec domain.PublicationRecord, published bool, err error) {
	if !ev.Broadcast() {
		return rec, false, fmt.Errorf("event for recipient %s is not a broadcast", ev.RecipientID)
	}
	log := g.logger.With().Str("sku", ev.SKU).Str("price", ev.NewPrice.String()).Logger()

	unlock := g.locks.Lock(ev.SKU)
	defer unlock()

	now := g.now()
	decision, err := g.check(ctx, ev.SKU, ev.NewPrice, now)
	if err != nil {
		return rec, false, err
	}
	if !decision.Allowed {
		g.metrics.ObserveBroadcast(OutcomeSuppressed)
		log.Debug().Str("reason", decision.Reason).Msg("broadcast suppressed")
		return rec, false, nil
	}

	rec = domain.PublicationRecord{
		ID:            uuid.New(),
		SKU:           ev.SKU,
		Price:         ev.NewPrice,
		PreviousPrice: ev.OldPrice,
		DiscountPct:   detector.DropPct(ev.OldPrice, ev.NewPrice).Round(2),
		Channels:      append([]string(nil), g.opts.Channels...),
		MessageIDs:    make(map[string]string),
		CreatedAt:     now,
	}

	msg, err := g.renderer.Render(ev, alerting.ChannelBroadcast)
	if err != nil {
		rec.Error = err.Error()
		g.persist(ctx, rec, log)
		g.metrics.ObserveBroadcast(OutcomeFailed)
		return rec, true, err
	}

	var errs []string
	for _, channel := range g.opts.Channels {
		id, sendErr := g.sender.SendToChannel(ctx, channel, msg, g.opts.ThreadID)
		g.metrics.ObserveDelivery(alerting.ChannelBroadcast, sendErr)
		if sendErr != nil {
			log.Warn().Err(sendErr).Str("channel", channel).Msg("broadcast send failed")
			errs = append(errs, fmt.Sprintf("%s: %v", channel, sendErr))
			continue
		}
		rec.MessageIDs[channel] = id
	}
	rec.Success = len(rec.MessageIDs) > 0
	rec.Error = strings.Join(errs, "; ")

	g.persist(ctx, rec, log)
	if rec.Success {
		g.metrics.ObserveBroadcast(OutcomePublished)
		log.Info().Int("channels", len(rec.MessageIDs)).Str("discount_pct", rec.DiscountPct.String()).Msg("broadcast published")
	} else {
		g.metrics.ObserveBroadcast(OutcomeFailed)
	}
	return rec, true, nil
}

func (g *Guard) persist(ctx context.Context, rec domain.PublicationRecord, log zerolog.Logger) {
	// A broadcast that went out must be recorded even if the cycle is shutting down.
	if err := g.store.InsertPublication(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Msg("persist publication record failed")
	}
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
