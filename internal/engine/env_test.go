package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/idempotency"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/tracer"
	"github.com/rendis/chatflow/pkg/schema"
)

// --- Mock implementations ---

// flakyStore fails commits matched by failWhen, once per match budget.
type flakyStore struct {
	store.SessionStore
	mu       sync.Mutex
	failWhen func(update store.StepUpdate) bool
	failures int
	err      error
	commits  int
}

func (f *flakyStore) CommitStep(ctx context.Context, sessionID string, expectedRevision int64, update store.StepUpdate,
	events []schema.OutboxEvent, history []schema.HistoryEntry) (*schema.Session, error) {
	f.mu.Lock()
	if f.failures > 0 && f.failWhen != nil && f.failWhen(update) {
		f.failures--
		err := f.err
		f.mu.Unlock()
		if err == nil {
			err = errors.New("database is locked")
		}
		return nil, err
	}
	f.commits++
	f.mu.Unlock()
	return f.SessionStore.CommitStep(ctx, sessionID, expectedRevision, update, events, history)
}

// failRejectingStore is an idempotency store whose FailIdempotency always errors.
type failRejectingStore struct {
	*store.LibSQLStore
}

func (failRejectingStore) FailIdempotency(context.Context, string, string, []byte, time.Time) error {
	return errors.New("database is locked")
}

// recordingTracer samples every session and keeps records in memory.
type recordingTracer struct {
	mu      sync.Mutex
	records []tracer.StepRecord
}

func (r *recordingTracer) ShouldTrace(def *schema.FlowDefinition, _ string) bool {
	return def.TraceEnabled
}

func (r *recordingTracer) Record(_ context.Context, rec tracer.StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingTracer) all() []tracer.StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tracer.StepRecord, len(r.records))
	copy(out, r.records)
	return out
}

// fakeEvents emits one internal event per transition.
type fakeEvents struct {
	mu          sync.Mutex
	transitions []schema.SessionTransition
}

func (f *fakeEvents) EventsFor(_ context.Context, ts ...schema.SessionTransition) ([]schema.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.OutboxEvent, 0, len(ts))
	for _, t := range ts {
		f.transitions = append(f.transitions, t)
		out = append(out, schema.OutboxEvent{
			EventType:     t.EventType,
			Destination:   schema.DestinationInternal + "test",
			SessionID:     t.Session.ID,
			FlowID:        t.Session.FlowID,
			CorrelationID: t.Session.ID + ":" + t.EventType,
			CausationID:   t.CausationID,
		})
	}
	return out, nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.transitions))
	for i, t := range f.transitions {
		out[i] = t.EventType
	}
	return out
}

// --- Test environment ---

type testEnv struct {
	store    *store.LibSQLStore
	sessions *flakyStore
	tracer   *recordingTracer
	events   *fakeEvents
	runtime  *Runtime
	resolver *flowgraph.Resolver
}

type envOption func(*RuntimeDeps, *Config)

func withConfig(cfg Config) envOption {
	return func(_ *RuntimeDeps, c *Config) { *c = cfg }
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestExecutor(t *testing.T, resolver GraphResolver) *Executor {
	t.Helper()
	c, err := NewComponents(resolver, ComponentOptions{})
	require.NoError(t, err)
	return c.Executor
}

func newTestEnv(t *testing.T, flows []*schema.FlowDefinition, opts ...envOption) *testEnv {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()
	for _, def := range flows {
		require.NoError(t, s.SaveFlow(ctx, def))
		require.NoError(t, s.PublishFlow(ctx, def.ID, time.Now()))
	}

	env := &testEnv{
		store:    s,
		sessions: &flakyStore{SessionStore: s},
		tracer:   &recordingTracer{},
		events:   &fakeEvents{},
		resolver: flowgraph.NewResolver(s, nil),
	}
	deps := RuntimeDeps{
		Sessions: session.NewManager(env.sessions, nil),
		Resolver: env.resolver,
		Guard:    idempotency.NewGuard(s),
		Executor: newTestExecutor(t, env.resolver),
		Tracer:   env.tracer,
		Traces:   s,
		Events:   env.events,
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&deps, &cfg)
	}
	rt, err := NewRuntime(deps, cfg)
	require.NoError(t, err)
	env.runtime = rt
	return env
}

// --- Flow builders ---

func flow(id string, nodes []schema.FlowNode, conns ...schema.FlowConnection) *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID: id, Name: id, Version: "1", IsActive: true,
		TraceEnabled: true, TraceSampleRate: 100, TraceLevel: schema.TraceLevelStandard,
		Nodes: nodes, Connections: conns,
	}
}

func node(id string, typ schema.NodeType, content map[string]any) schema.FlowNode {
	return schema.FlowNode{NodeID: id, NodeType: typ, Content: content}
}

func edge(from, to string, ct ...schema.ConnectionType) schema.FlowConnection {
	c := schema.ConnectionDefault
	if len(ct) > 0 {
		c = ct[0]
	}
	return schema.FlowConnection{SourceNodeID: from, TargetNodeID: to, ConnectionType: c}
}
