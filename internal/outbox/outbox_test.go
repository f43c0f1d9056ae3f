package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/secrets"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

var _ engine.EventSource = (*Builder)(nil)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func transition(eventType string) schema.SessionTransition {
	return schema.SessionTransition{
		EventType: eventType,
		Session: &schema.Session{
			ID: "s1", FlowID: "onboarding", UserID: "u1", FlowVersion: "1",
			CurrentFlowID: "onboarding", CurrentNodeID: "ask", Status: schema.SessionStatusActive, Revision: 4,
		},
		FromFlowID:  "onboarding",
		FromNodeID:  "greet",
		FromStatus:  schema.SessionStatusActive,
		CausationID: "s1:greet:3",
		At:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// --- Builder ---

func TestBuild(t *testing.T) {
	subs := []*schema.WebhookSubscription{
		{ID: "all", Status: schema.SubscriptionActive, MaxRetries: 5},
		{ID: "status-only", Status: schema.SubscriptionActive, EventTypes: []string{schema.EventSessionStatusChanged}},
		{ID: "other-flow", Status: schema.SubscriptionActive, FlowID: "billing"},
		{ID: "paused", Status: schema.SubscriptionPaused},
	}

	t.Run("matching subscriptions and configured destinations", func(t *testing.T) {
		events, err := Build(transition(schema.EventNodeChanged), subs, BuilderConfig{InternalTopic: "chatflow", RedisList: "events"})
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, "webhook:all", events[0].Destination)
		assert.Equal(t, 5, events[0].MaxRetries)
		assert.Equal(t, "internal:chatflow", events[1].Destination)
		assert.Equal(t, "redis:events", events[2].Destination)
		for _, ev := range events {
			assert.Equal(t, "s1:node_changed", ev.CorrelationID)
			assert.Equal(t, "s1:greet:3", ev.CausationID)
			assert.Equal(t, schema.PriorityNormal, ev.Priority)
			assert.Equal(t, "s1", ev.SessionID)
		}

		var p Payload
		require.NoError(t, json.Unmarshal(events[0].Payload, &p))
		assert.Equal(t, schema.EventNodeChanged, p.EventType)
		assert.Equal(t, "onboarding", p.FlowID)
		assert.Equal(t, "greet", p.Data["from_node_id"])
		assert.Equal(t, "ask", p.Data["current_node_id"])
	})

	t.Run("status changes are high priority", func(t *testing.T) {
		tr := transition(schema.EventSessionStatusChanged)
		tr.Session.Status = schema.SessionStatusCompleted
		events, err := Build(tr, subs, BuilderConfig{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "webhook:status-only", events[1].Destination)
		for _, ev := range events {
			assert.Equal(t, schema.PriorityHigh, ev.Priority)
		}

		var p Payload
		require.NoError(t, json.Unmarshal(events[0].Payload, &p))
		assert.Equal(t, "ACTIVE", p.Data["from_status"])
		assert.Equal(t, "COMPLETED", p.Data["to_status"])
	})

	t.Run("no destinations", func(t *testing.T) {
		events, err := Build(transition(schema.EventSessionStarted), nil, BuilderConfig{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := Build(schema.SessionTransition{EventType: schema.EventNodeChanged}, nil, BuilderConfig{})
		assert.Error(t, err)
	})
}

func TestBuilder_EventsForUsesActiveSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, &schema.WebhookSubscription{ID: "on", Name: "on", URL: "http://example.com/a"}))
	require.NoError(t, s.CreateSubscription(ctx, &schema.WebhookSubscription{
		ID: "off", Name: "off", URL: "http://example.com/b", Status: schema.SubscriptionDisabled,
	}))

	b := NewBuilder(s, BuilderConfig{})
	events, err := b.EventsFor(ctx, transition(schema.EventSessionStarted), transition(schema.EventNodeChanged))
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "webhook:on", ev.Destination)
	}
}

// --- Dispatcher ---

type recordingDeliverer struct {
	mu    sync.Mutex
	seen  []string
	err   error
	calls atomic.Int32
}

func (r *recordingDeliverer) Deliver(_ context.Context, ev *schema.OutboxEvent) error {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.ID)
	return r.err
}

func enqueue(t *testing.T, s *store.LibSQLStore, events ...schema.OutboxEvent) {
	t.Helper()
	require.NoError(t, s.EnqueueEvents(context.Background(), events))
}

func newDispatcher(s Store) *Dispatcher {
	return NewDispatcher(s, Config{PoolSize: 2}, nil)
}

func TestDispatcher_Poll(t *testing.T) {
	ctx := context.Background()

	t.Run("success publishes", func(t *testing.T) {
		s := newTestStore(t)
		enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x"})
		d := newDispatcher(s)
		rec := &recordingDeliverer{}
		d.Register(schema.DestinationInternal, rec)

		n, err := d.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"e1"}, rec.seen)

		ev, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, schema.EventStatusPublished, ev.Status)
		assert.NotNil(t, ev.ProcessedAt)
	})

	t.Run("retryable failure backs off", func(t *testing.T) {
		s := newTestStore(t)
		enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x"})
		d := newDispatcher(s)
		d.Register(schema.DestinationInternal, &recordingDeliverer{err: errors.New("connection refused")})

		before := time.Now()
		_, err := d.Poll(ctx)
		require.NoError(t, err)

		ev, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, schema.EventStatusPending, ev.Status)
		assert.Equal(t, 1, ev.RetryCount)
		assert.Equal(t, "connection refused", ev.LastError)
		require.NotNil(t, ev.NextRetryAt)
		assert.True(t, ev.NextRetryAt.After(before.Add(50*time.Second)))

		// Not due yet.
		n, err := d.Poll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("exhausted retries dead-letter", func(t *testing.T) {
		s := newTestStore(t)
		enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x", MaxRetries: 1})
		d := newDispatcher(s)
		d.Register(schema.DestinationInternal, &recordingDeliverer{err: errors.New("timeout")})

		_, err := d.Poll(ctx)
		require.NoError(t, err)
		ev, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, schema.EventStatusDeadLetter, ev.Status)
		assert.Equal(t, 1, ev.RetryCount)
	})

	t.Run("permanent failure parks FAILED", func(t *testing.T) {
		s := newTestStore(t)
		enqueue(t, s,
			schema.OutboxEvent{ID: "perm", EventType: schema.EventNodeChanged, Destination: "internal:x"},
			schema.OutboxEvent{ID: "unknown", EventType: schema.EventNodeChanged, Destination: "kafka:x"},
		)
		d := newDispatcher(s)
		d.Register(schema.DestinationInternal, &recordingDeliverer{err: engine.Permanent(errors.New("bad payload"))})

		n, err := d.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		for _, id := range []string{"perm", "unknown"} {
			ev, err := s.GetEvent(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, schema.EventStatusFailed, ev.Status, id)
		}

		failed, err := d.ListFailed(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, failed, 2)

		require.NoError(t, d.RetryEvent(ctx, "perm"))
		ev, err := s.GetEvent(ctx, "perm")
		require.NoError(t, err)
		assert.Equal(t, schema.EventStatusPending, ev.Status)
		assert.Zero(t, ev.RetryCount)
	})
}

func TestDispatcher_RetryEventRejectsPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x"})
	d := newDispatcher(s)
	d.Register(schema.DestinationInternal, &recordingDeliverer{})
	_, err := d.Poll(ctx)
	require.NoError(t, err)

	assert.Error(t, d.RetryEvent(ctx, "e1"))
}

func TestDispatcher_RecoverStuck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x"})
	_, err := s.ClaimDueEvents(ctx, time.Now(), 10)
	require.NoError(t, err)

	d := newDispatcher(s)
	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := d.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ev, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.EventStatusPending, ev.Status)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	enqueue(t, s, schema.OutboxEvent{ID: "e1", EventType: schema.EventNodeChanged, Destination: "internal:x"})
	d := NewDispatcher(s, Config{PollInterval: 10 * time.Millisecond}, nil)
	rec := &recordingDeliverer{}
	d.Register(schema.DestinationInternal, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// --- Webhook delivery ---

func TestWebhookDeliverer(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*http.Request
		bodies   [][]byte
		status   atomic.Int32
	)
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	vault, err := secrets.NewAESVault(s, secrets.VaultConfig{MasterKey: bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)
	sub := &schema.WebhookSubscription{
		ID: "sub1", Name: "crm", URL: srv.URL, Headers: map[string]string{"X-Tenant": "acme"},
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.NoError(t, vault.Store(ctx, secrets.SubscriptionKey("sub1"), []byte("shh")))

	dl := NewWebhookDeliverer(s, vault, nil, nil)
	events, err := Build(transition(schema.EventNodeChanged), []*schema.WebhookSubscription{sub}, BuilderConfig{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	ev.ID = "evt-1"

	t.Run("signed delivery", func(t *testing.T) {
		require.NoError(t, dl.Deliver(ctx, &ev))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, received, 1)
		r := received[0]
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, schema.EventNodeChanged, r.Header.Get(HeaderEvent))
		assert.Equal(t, "evt-1", r.Header.Get(HeaderDelivery))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))
		assert.Equal(t, Sign("shh", bodies[0]), r.Header.Get(HeaderSignature))

		got, err := s.GetSubscription(ctx, "sub1")
		require.NoError(t, err)
		assert.Zero(t, got.ConsecutiveFailures)
		assert.NotNil(t, got.LastSuccessAt)
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		status.Store(http.StatusGone)
		err := dl.Deliver(ctx, &ev)
		require.Error(t, err)
		assert.False(t, engine.IsRetryableError(err))

		got, err := s.GetSubscription(ctx, "sub1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.ConsecutiveFailures)
	})

	t.Run("429 and 5xx are retried", func(t *testing.T) {
		for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
			status.Store(int32(code))
			err := dl.Deliver(ctx, &ev)
			require.Error(t, err)
			assert.True(t, engine.IsRetryableError(err), code)
		}
	})

	t.Run("missing or disabled subscription is permanent", func(t *testing.T) {
		missing := ev
		missing.Destination = "webhook:nope"
		err := dl.Deliver(ctx, &missing)
		require.Error(t, err)
		assert.False(t, engine.IsRetryableError(err))

		require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub1", schema.SubscriptionDisabled))
		err = dl.Deliver(ctx, &ev)
		require.Error(t, err)
		assert.False(t, engine.IsRetryableError(err))
	})
}

func TestSign(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}

// --- Bus and Redis delivery ---

func TestBusDeliverer(t *testing.T) {
	bus := NewGoChannelBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := bus.Subscribe(ctx, "chatflow")
	require.NoError(t, err)

	ev := &schema.OutboxEvent{
		ID: "evt-1", EventType: schema.EventSessionStarted, Destination: "internal:chatflow",
		SessionID: "s1", CorrelationID: "s1:session_started", Payload: json.RawMessage(`{"a":1}`),
	}
	require.NoError(t, NewBusDeliverer(bus).Deliver(ctx, ev))

	select {
	case msg := <-msgs:
		assert.Equal(t, "evt-1", msg.UUID)
		assert.JSONEq(t, `{"a":1}`, string(msg.Payload))
		assert.Equal(t, schema.EventSessionStarted, msg.Metadata.Get(MetadataEventType))
		assert.Equal(t, "s1", msg.Metadata.Get(MetadataSessionID))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}

// fakeRedis records RPUSH calls; every other command is unused.
type fakeRedis struct {
	redis.Cmdable
	mu     sync.Mutex
	pushes map[string][]any
	err    error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "rpush", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.pushes == nil {
		f.pushes = map[string][]any{}
	}
	f.pushes[key] = append(f.pushes[key], values...)
	cmd.SetVal(int64(len(f.pushes[key])))
	return cmd
}

func TestRedisDeliverer(t *testing.T) {
	ev := &schema.OutboxEvent{ID: "e1", Destination: "redis:chatflow-events", Payload: json.RawMessage(`{"x":1}`)}

	t.Run("pushes payload", func(t *testing.T) {
		fake := &fakeRedis{}
		require.NoError(t, NewRedisDeliverer(fake).Deliver(context.Background(), ev))
		assert.Equal(t, []any{`{"x":1}`}, fake.pushes["chatflow-events"])
	})

	t.Run("errors are retryable", func(t *testing.T) {
		fake := &fakeRedis{err: errors.New("dial tcp: connection refused")}
		err := NewRedisDeliverer(fake).Deliver(context.Background(), ev)
		require.Error(t, err)
		assert.True(t, engine.IsRetryableError(err))
	})
}
