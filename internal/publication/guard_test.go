package publication

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
	"pricewatch/internal/domain"
	"pricewatch/internal/storage"
)

type fakeChannel struct {
	mu    sync.Mutex
	fail  map[string]error
	posts []string
}

func (f *fakeChannel) SendToChannel(_ context.Context, channelID string, _ alerting.Message, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[channelID]; err != nil {
		return "", err
	}
	f.posts = append(f.posts, channelID)
	return channelID + "-msg", nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func newGuard(t *testing.T, sender *fakeChannel, channels ...string) (*Guard, *storage.MemoryStore, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	g := NewGuard(sender, store, alerting.NewRenderer(alerting.LinkBuilder{}), nil, Options{
		MinDropPct: decimal.NewFromInt(2),
		Channels:   channels,
	}, zerolog.Nop())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, store, &now
}

func candidate(oldPrice, newPrice string) domain.ChangeEvent {
	return domain.ChangeEvent{
		SKU:      "B00DEAL",
		Title:    "Deal",
		Kind:     domain.ChangePriceDrop,
		OldPrice: decimal.RequireFromString(oldPrice),
		NewPrice: decimal.RequireFromString(newPrice),
		Currency: "EUR",
	}
}

func successful(t *testing.T, store *storage.MemoryStore) int {
	t.Helper()
	recs, err := store.ListRecentPublications(context.Background(), 100)
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Success {
			n++
		}
	}
	return n
}

func TestGuardSuppressesSameDayNearDuplicate(t *testing.T) {
	sender := &fakeChannel{}
	g, store, now := newGuard(t, sender, "@deals")
	ctx := context.Background()

	rec, published, err := g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)
	require.True(t, published)
	assert.True(t, rec.Success)
	assert.Equal(t, "@deals-msg", rec.MessageIDs["@deals"])
	assert.Equal(t, "9.09", rec.DiscountPct.StringFixed(2))

	*now = now.Add(3 * time.Hour)
	_, published, err = g.Publish(ctx, candidate("100", "99"))
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, 1, successful(t, store))

	*now = now.Add(time.Hour)
	_, published, err = g.Publish(ctx, candidate("99", "98"))
	require.NoError(t, err)
	assert.True(t, published, "a two percent drop from the last published price is allowed")
	assert.Equal(t, 2, successful(t, store))
	assert.Equal(t, 2, sender.count())
}

func TestGuardDayRolloverMakesEligible(t *testing.T) {
	sender := &fakeChannel{}
	g, store, now := newGuard(t, sender, "@deals")
	ctx := context.Background()

	*now = time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	_, published, err := g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)
	require.True(t, published)

	*now = time.Date(2026, 3, 11, 0, 5, 0, 0, time.UTC)
	_, published, err = g.Publish(ctx, candidate("100", "100"))
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, 2, successful(t, store))
}

func TestGuardCalendarDayFollowsLocation(t *testing.T) {
	sender := &fakeChannel{}
	g, _, now := newGuard(t, sender, "@deals")
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	g.opts.Location = berlin
	ctx := context.Background()

	// 22:30 UTC is 23:30 in Berlin; 23:30 UTC is already the next day there.
	*now = time.Date(2026, 1, 10, 22, 30, 0, 0, time.UTC)
	_, published, err := g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)
	require.True(t, published)

	*now = time.Date(2026, 1, 10, 23, 30, 0, 0, time.UTC)
	_, published, err = g.Publish(ctx, candidate("100", "100"))
	require.NoError(t, err)
	assert.True(t, published)
}

func TestGuardRecordsPartialChannelFailure(t *testing.T) {
	sender := &fakeChannel{fail: map[string]error{"@mirror": errors.New("forbidden")}}
	g, _, _ := newGuard(t, sender, "@deals", "@mirror")

	rec, published, err := g.Publish(context.Background(), candidate("110", "100"))
	require.NoError(t, err)
	require.True(t, published)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{"@deals", "@mirror"}, rec.Channels, "channels lists every target")
	assert.Contains(t, rec.MessageIDs, "@deals")
	assert.NotContains(t, rec.MessageIDs, "@mirror")
	assert.Contains(t, rec.Error, "@mirror: forbidden")
}

func TestGuardFailedAttemptDoesNotBlockRetry(t *testing.T) {
	sender := &fakeChannel{fail: map[string]error{"@deals": errors.New("timeout")}}
	g, store, _ := newGuard(t, sender, "@deals")
	ctx := context.Background()

	rec, published, err := g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)
	require.True(t, published)
	assert.False(t, rec.Success)

	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()

	rec, published, err = g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)
	assert.True(t, published)
	assert.True(t, rec.Success)

	recs, err := store.ListRecentPublications(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestGuardConcurrentCandidatesPublishOnce(t *testing.T) {
	sender := &fakeChannel{}
	g, store, _ := newGuard(t, sender, "@deals")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := g.Publish(context.Background(), candidate("110", "100"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successful(t, store))
	assert.Equal(t, 1, sender.count())
}

func TestGuardRejectsRecipientEvents(t *testing.T) {
	g, _, _ := newGuard(t, &fakeChannel{}, "@deals")
	ev := candidate("110", "100")
	ev.RecipientID = "42"
	_, _, err := g.Publish(context.Background(), ev)
	assert.Error(t, err)
}

func TestCheckReportsDecision(t *testing.T) {
	g, _, _ := newGuard(t, &fakeChannel{}, "@deals")
	ctx := context.Background()

	d, err := g.Check(ctx, "B00DEAL", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Last)

	_, _, err = g.Publish(ctx, candidate("110", "100"))
	require.NoError(t, err)

	d, err = g.Check(ctx, "B00DEAL", decimal.RequireFromString("99.5"))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Last)
}
