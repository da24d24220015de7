package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObservePoll("ok")
	c.ObservePoll("ok")
	c.ObserveDelivery("email", errors.New("boom"))
	c.ObserveBroadcast("suppressed")
	c.ObserveCycle(time.Second, 4)

	assert.InDelta(t, 2, testutil.ToFloat64(c.polls.WithLabelValues("ok")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.deliveries.WithLabelValues("email", "error")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.broadcasts.WithLabelValues("suppressed")), 1e-9)
	assert.InDelta(t, 4, testutil.ToFloat64(c.trackedSKUs), 1e-9)
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObservePoll("ok")
		c.ObserveEvent("price_drop")
		c.ObserveDelivery("direct", nil)
		c.ObserveBroadcast("published")
		c.ObserveConflict()
		c.ObserveEmailDisabled()
		c.ObserveCycle(time.Second, 1)
	})
}
