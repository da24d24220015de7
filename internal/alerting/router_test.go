package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/domain"
	"pricewatch/internal/storage"
)

type fakeDirect struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeDirect) Send(_ context.Context, recipientID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipientID+":"+msg.Text)
	return f.err
}

func (f *fakeDirect) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEmail struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmail) SendAlert(_ context.Context, _ string, _ AlertData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRouter(t *testing.T, direct *fakeDirect, email *fakeEmail, opts RouterOptions) (*Router, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertRecipient(context.Background(), domain.Recipient{
		ID:            "42",
		Email:         "user@example.com",
		EmailEnabled:  true,
		EmailVerified: true,
	}))
	var ds DirectSender
	if direct != nil {
		ds = direct
	}
	var es EmailSender
	if email != nil {
		es = email
	}
	return NewRouter(NewRenderer(LinkBuilder{}), ds, es, store, nil, opts, testLogger()), store
}

func TestDispatchDeliversToAllChannels(t *testing.T) {
	direct := &fakeDirect{}
	email := &fakeEmail{}
	router, _ := newTestRouter(t, direct, email, RouterOptions{})

	report := router.Dispatch(context.Background(), dropEvent())
	router.Wait()

	require.Len(t, report.Deliveries, 2)
	assert.Equal(t, ChannelDirect, report.Deliveries[0].Channel)
	assert.NoError(t, report.Deliveries[0].Err)
	assert.Equal(t, ChannelEmail, report.Deliveries[1].Channel)
	assert.True(t, report.Deliveries[1].Queued)
	assert.Equal(t, 1, direct.count())
	assert.Equal(t, 1, email.count())
	assert.True(t, report.Delivered())
}

func TestDispatchDirectFailureDoesNotBlockEmail(t *testing.T) {
	direct := &fakeDirect{err: errors.New("bot blocked")}
	email := &fakeEmail{}
	router, _ := newTestRouter(t, direct, email, RouterOptions{})

	report := router.Dispatch(context.Background(), dropEvent())
	router.Wait()

	var deliveryErr *domain.DeliveryError
	require.ErrorAs(t, report.Deliveries[0].Err, &deliveryErr)
	assert.Equal(t, ChannelDirect, deliveryErr.Channel)
	assert.Equal(t, 1, email.count())
}

func TestDispatchSkipsUnverifiedEmail(t *testing.T) {
	email := &fakeEmail{}
	router, store := newTestRouter(t, &fakeDirect{}, email, RouterOptions{})
	require.NoError(t, store.UpsertRecipient(context.Background(), domain.Recipient{
		ID:           "42",
		Email:        "user@example.com",
		EmailEnabled: true,
	}))

	report := router.Dispatch(context.Background(), dropEvent())
	router.Wait()

	assert.Len(t, report.Deliveries, 1)
	assert.Zero(t, email.count())
}

func TestDispatchIgnoresBroadcastEvents(t *testing.T) {
	direct := &fakeDirect{}
	router, _ := newTestRouter(t, direct, nil, RouterOptions{})

	ev := dropEvent()
	ev.RecipientID = ""
	report := router.Dispatch(context.Background(), ev)
	assert.Empty(t, report.Deliveries)
	assert.Zero(t, direct.count())
}

func TestDispatchRenderErrorIsRecorded(t *testing.T) {
	direct := &fakeDirect{}
	router, _ := newTestRouter(t, direct, nil, RouterOptions{})

	ev := dropEvent()
	ev.Kind = domain.ChangeKind(42)
	report := router.Dispatch(context.Background(), ev)

	var renderErr *domain.RenderError
	require.Len(t, report.Deliveries, 1)
	require.ErrorAs(t, report.Deliveries[0].Err, &renderErr)
	assert.Zero(t, direct.count())
	assert.False(t, report.Delivered())
}

func TestEmailDisabledAfterConsecutiveBounces(t *testing.T) {
	email := &fakeEmail{err: errors.New("mailbox unavailable")}
	var mu sync.Mutex
	var disabledCalls int
	router, store := newTestRouter(t, nil, email, RouterOptions{
		MaxEmailBounces: 3,
		OnEmailResult: func(_ string, _ error, disabled bool) {
			mu.Lock()
			defer mu.Unlock()
			if disabled {
				disabledCalls++
			}
		},
	})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		router.Dispatch(ctx, dropEvent())
		router.Wait()
		r, err := store.GetRecipient(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, i, r.EmailBounces)
		assert.True(t, r.EmailEnabled, "email must stay enabled after %d failures", i)
	}

	router.Dispatch(ctx, dropEvent())
	router.Wait()
	r, err := store.GetRecipient(ctx, "42")
	require.NoError(t, err)
	assert.False(t, r.EmailEnabled)
	assert.Equal(t, 1, disabledCalls)

	router.Dispatch(ctx, dropEvent())
	router.Wait()
	assert.Equal(t, 3, email.count())
}

func TestEmailSuccessResetsBounces(t *testing.T) {
	email := &fakeEmail{err: errors.New("temporary")}
	router, store := newTestRouter(t, nil, email, RouterOptions{MaxEmailBounces: 3})
	ctx := context.Background()

	router.Dispatch(ctx, dropEvent())
	router.Dispatch(ctx, dropEvent())
	router.Wait()

	email.mu.Lock()
	email.err = nil
	email.mu.Unlock()
	router.Dispatch(ctx, dropEvent())
	router.Wait()

	r, err := store.GetRecipient(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, r.EmailBounces)
	assert.True(t, r.EmailEnabled)
}

func TestNotifyTrackingStopped(t *testing.T) {
	direct := &fakeDirect{}
	router, _ := newTestRouter(t, direct, nil, RouterOptions{})

	item, err := domain.NewTrackedItem("B00GONE", "42", domain.AnyDrop())
	require.NoError(t, err)
	require.NoError(t, router.NotifyTrackingStopped(context.Background(), item))
	require.Equal(t, 1, direct.count())
	assert.Contains(t, direct.sent[0], "B00GONE")
}
