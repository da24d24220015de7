package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/metrics"
	"pricewatch/internal/storage"
)

// Channel names used in reports, logs and metrics.
const (
	ChannelDirect    = "direct"
	ChannelEmail     = "email"
	ChannelBroadcast = "broadcast"
)

const emailTimeout = 30 * time.Second

// Delivery is the outcome for one (recipient, channel) target. Queued marks
// an email handed to the asynchronous sender; its result arrives through
// the completion handler.
type Delivery struct {
	Channel string
	Target  string
	Queued  bool
	Err     error
}

// Report lists every delivery attempted for one event.
type Report struct {
	SKU         string
	RecipientID string
	Kind        domain.ChangeKind
	Deliveries  []Delivery
}

// Delivered reports whether at least one channel accepted the message.
func (r Report) Delivered() bool {
	for _, d := range r.Deliveries {
		if d.Err == nil {
			return true
		}
	}
	return false
}

// EmailResultHandler observes completed email tasks.
type EmailResultHandler func(recipientID string, err error, disabled bool)

// RouterOptions tune delivery policy.
type RouterOptions struct {
	MaxEmailBounces int
	// OnEmailResult, when set, runs after the bounce counter was updated.
	OnEmailResult EmailResultHandler
}

// Router renders change events and delivers them to every applicable
// channel of the owning recipient. Channels fail independently.
type Router struct {
	renderer   *Renderer
	direct     DirectSender
	email      EmailSender
	recipients storage.RecipientStore
	metrics    *metrics.Collectors
	logger     zerolog.Logger
	opts       RouterOptions

	pending sync.WaitGroup
}

// NewRouter wires a Router. direct and email may be nil to disable a channel.
func NewRouter(renderer *Renderer, direct DirectSender, email EmailSender, recipients storage.RecipientStore, m *metrics.Collectors, opts RouterOptions, logger zerolog.Logger) *Router {
	if opts.MaxEmailBounces <= 0 {
		opts.MaxEmailBounces = 3
	}
	return &Router{
		renderer:   renderer,
		direct:     direct,
		email:      email,
		recipients: recipients,
		metrics:    m,
		logger:     logger.With().Str("component", "dispatch").Logger(),
		opts:       opts,
	}
}

// Dispatch delivers ev to its recipient. The direct message is sent inline;
// email is queued as a tracked task. Errors are recorded in the report and
// never returned.
func (r *Router) Dispatch(ctx context.Context, ev domain.ChangeEvent) Report {
	report := Report{SKU: ev.SKU, RecipientID: ev.RecipientID, Kind: ev.Kind}
	log := r.logger.With().Str("sku", ev.SKU).Str("recipient", ev.RecipientID).Str("kind", ev.Kind.String()).Logger()

	if ev.Broadcast() {
		log.Error().Msg("broadcast event routed to recipient dispatch; ignoring")
		return report
	}

	if r.direct != nil {
		report.Deliveries = append(report.Deliveries, r.sendDirect(ctx, ev, log))
	}

	if r.email != nil {
		if d, ok := r.queueEmail(ctx, ev, log); ok {
			report.Deliveries = append(report.Deliveries, d)
		}
	}

	return report
}

func (r *Router) sendDirect(ctx context.Context, ev domain.ChangeEvent, log zerolog.Logger) Delivery {
	d := Delivery{Channel: ChannelDirect, Target: ev.RecipientID}
	msg, err := r.renderer.Render(ev, ChannelDirect)
	if err != nil {
		log.Error().Err(err).Interface("event", ev).Msg("render direct message failed")
		d.Err = err
		return d
	}
	if err := r.direct.Send(ctx, ev.RecipientID, msg); err != nil {
		d.Err = &domain.DeliveryError{Channel: ChannelDirect, Target: ev.RecipientID, Err: err}
		log.Warn().Err(err).Msg("direct message failed")
	}
	r.metrics.ObserveDelivery(ChannelDirect, d.Err)
	return d
}

func (r *Router) queueEmail(ctx context.Context, ev domain.ChangeEvent, log zerolog.Logger) (Delivery, bool) {
	if r.recipients == nil {
		return Delivery{}, false
	}
	recipient, err := r.recipients.GetRecipient(ctx, ev.RecipientID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("load recipient settings failed; skipping email")
		}
		return Delivery{}, false
	}
	if !recipient.EmailDeliverable() {
		return Delivery{}, false
	}

	d := Delivery{Channel: ChannelEmail, Target: recipient.Email}
	data, err := r.renderer.RenderAlertData(ev)
	if err != nil {
		log.Error().Err(err).Interface("event", ev).Msg("render email failed")
		d.Err = err
		return d, true
	}

	// The email outlives the cycle context so shutdown does not count as a bounce.
	emailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emailTimeout)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer cancel()
		sendErr := r.email.SendAlert(emailCtx, recipient.Email, data)
		r.completeEmail(emailCtx, recipient, sendErr)
	}()

	d.Queued = true
	return d, true
}

// completeEmail is the completion handler for a queued email: it updates the
// bounce counter and disables email once the limit is reached.
func (r *Router) completeEmail(ctx context.Context, recipient domain.Recipient, sendErr error) {
	log := r.logger.With().Str("recipient", recipient.ID).Logger()
	r.metrics.ObserveDelivery(ChannelEmail, sendErr)
	if sendErr != nil {
		log.Warn().Err(&domain.DeliveryError{Channel: ChannelEmail, Target: recipient.Email, Err: sendErr}).Msg("email delivery failed")
	}

	updated, err := r.recipients.RecordEmailResult(ctx, recipient.ID, sendErr == nil, r.opts.MaxEmailBounces)
	if err != nil {
		log.Error().Err(err).Msg("record email result failed")
		if r.opts.OnEmailResult != nil {
			r.opts.OnEmailResult(recipient.ID, sendErr, false)
		}
		return
	}

	disabled := sendErr != nil && !updated.EmailEnabled && updated.EmailBounces == r.opts.MaxEmailBounces
	if disabled {
		r.metrics.ObserveEmailDisabled()
		log.Warn().Int("bounces", updated.EmailBounces).Msg("email delivery disabled after consecutive failures")
	}
	if r.opts.OnEmailResult != nil {
		r.opts.OnEmailResult(recipient.ID, sendErr, disabled)
	}
}

// NotifyTrackingStopped tells the owner of item that its SKU was rejected.
func (r *Router) NotifyTrackingStopped(ctx context.Context, item domain.TrackedItem) error {
	if r.direct == nil {
		return nil
	}
	err := r.direct.Send(ctx, item.RecipientID, r.renderer.RenderTrackingStopped(item.SKU))
	r.metrics.ObserveDelivery(ChannelDirect, err)
	if err != nil {
		return &domain.DeliveryError{Channel: ChannelDirect, Target: item.RecipientID, Err: err}
	}
	return nil
}

// Wait blocks until every queued email has completed.
func (r *Router) Wait() {
	r.pending.Wait()
}
