// Package metrics exposes Prometheus collectors for the polling pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collectors groups every metric the pipeline reports. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	polls         *prometheus.CounterVec
	events        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	conflicts     prometheus.Counter
	emailDisabled prometheus.Counter
	cycleDuration prometheus.Histogram
	trackedSKUs   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "sku_polls_total",
			Help:      "SKU fetches by outcome",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "change_events_total",
			Help:      "Detected change events by kind",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "broadcasts_total",
			Help:      "Broadcast candidates by guard outcome",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "persistence_conflicts_total",
			Help:      "Optimistic update conflicts on tracked items",
		}),
		emailDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "email_disabled_total",
			Help:      "Recipients whose email delivery was disabled after repeated bounces",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one polling cycle",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		trackedSKUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricewatch",
			Name:      "tracked_skus",
			Help:      "Distinct SKUs visited in the last cycle",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.polls, c.events, c.deliveries, c.broadcasts, c.conflicts, c.emailDisabled, c.cycleDuration, c.trackedSKUs)
	}
	return c
}

func (c *Collectors) ObservePoll(outcome string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(outcome).Inc()
}

func (c *Collectors) ObserveEvent(kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

func (c *Collectors) ObserveDelivery(channel string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (c *Collectors) ObserveBroadcast(outcome string) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(outcome).Inc()
}

func (c *Collectors) ObserveConflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

func (c *Collectors) ObserveEmailDisabled() {
	if c == nil {
		return
	}
	c.emailDisabled.Inc()
}

func (c *Collectors) ObserveCycle(d time.Duration, skus int) {
	if c == nil {
		return
	}
	c.cycleDuration.Observe(d.Seconds())
	c.trackedSKUs.Set(float64(skus))
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
