package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testFlow(id string) *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID:              id,
		Name:            "onboarding",
		Version:         "1.0.0",
		EntryNodeID:     "start",
		IsActive:        true,
		TraceEnabled:    true,
		TraceSampleRate: 100,
		Nodes: []schema.FlowNode{
			{NodeID: "start", NodeType: schema.NodeTypeStart},
			{NodeID: "ask", NodeType: schema.NodeTypeQuestion, Content: map[string]any{"question": "Name?", "variable": "user.name"}},
			{NodeID: "bye", NodeType: schema.NodeTypeMessage, Content: map[string]any{"text": "Bye {{user.name}}"}},
		},
		Connections: []schema.FlowConnection{
			{SourceNodeID: "start", TargetNodeID: "ask"},
			{SourceNodeID: "ask", TargetNodeID: "bye", ConnectionType: schema.ConnectionDefault},
		},
	}
}

func seedFlow(t *testing.T, s *LibSQLStore) *schema.FlowDefinition {
	t.Helper()
	def := testFlow(uuid.New().String())
	require.NoError(t, s.SaveFlow(context.Background(), def))
	require.NoError(t, s.PublishFlow(context.Background(), def.ID, time.Time{}))
	return def
}

func seedSession(t *testing.T, s *LibSQLStore) *schema.Session {
	t.Helper()
	def := seedFlow(t, s)
	sess := &schema.Session{
		FlowID:        def.ID,
		FlowVersion:   def.Version,
		CurrentNodeID: "ask",
		UserID:        "user-1",
		State:         map[string]any{"user": map[string]any{}, "context": map[string]any{"lang": "en"}},
		TraceEnabled:  true,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess, nil))
	return sess
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestDBTime_LexicalOrder(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(time.Nanosecond * 10)
	assert.Less(t, dbTime(a), dbTime(b))
	assert.True(t, parseDBTime(dbTime(b)).Equal(b))
}

// --- Flows ---

func TestSaveAndGetFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := testFlow("flow-1")
	require.NoError(t, s.SaveFlow(ctx, def))

	got, err := s.GetFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.Name)
	assert.Equal(t, "start", got.EntryNodeID)
	assert.False(t, got.IsPublished)
	assert.True(t, got.IsActive)
	assert.Equal(t, schema.TraceLevelStandard, got.TraceLevel)
	assert.Equal(t, schema.DefaultRetentionDays, got.RetentionDays)

	require.Len(t, got.Nodes, 3)
	assert.Equal(t, []string{"start", "ask", "bye"}, []string{got.Nodes[0].NodeID, got.Nodes[1].NodeID, got.Nodes[2].NodeID})
	assert.Equal(t, "user.name", got.Nodes[1].Content["variable"])
	assert.Equal(t, schema.ExecutionBackend, got.Nodes[0].ExecutionContext)

	require.Len(t, got.Connections, 2)
	assert.Equal(t, schema.ConnectionDefault, got.Connections[0].ConnectionType)
}

func TestSaveFlow_ReplacesDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := testFlow("flow-1")
	require.NoError(t, s.SaveFlow(ctx, def))

	def.Nodes = def.Nodes[:2]
	def.Connections = def.Connections[:1]
	require.NoError(t, s.SaveFlow(ctx, def))

	got, err := s.GetFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Connections, 1)
}

func TestSaveFlow_PublishedIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedFlow(t, s)

	got, err := s.GetFlow(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPublished)
	require.NotNil(t, got.PublishedAt)

	err = s.SaveFlow(ctx, def)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSaveFlow_DanglingConnectionRejected(t *testing.T) {
	s := newTestStore(t)
	def := testFlow("flow-1")
	def.Connections = append(def.Connections, schema.FlowConnection{SourceNodeID: "bye", TargetNodeID: "ghost"})
	assert.Error(t, s.SaveFlow(context.Background(), def))
}

func TestGetFlow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFlow(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeFlowNotFound))
}

func TestListFlowsAndSetActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pub := seedFlow(t, s)
	require.NoError(t, s.SaveFlow(ctx, testFlow("draft")))

	all, err := s.ListFlows(ctx, FlowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	published, err := s.ListFlows(ctx, FlowFilter{PublishedOnly: true})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, pub.ID, published[0].ID)

	require.NoError(t, s.SetFlowActive(ctx, pub.ID, false))
	active, err := s.ListFlows(ctx, FlowFilter{PublishedOnly: true, ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.True(t, schema.IsNotFound(s.SetFlowActive(ctx, "missing", true)))
}

// --- Sessions ---

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	assert.Equal(t, int64(1), sess.Revision)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, sess.FlowID, sess.CurrentFlowID)

	got, err := s.GetSessionByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, schema.SessionStatusActive, got.Status)
	assert.Equal(t, "en", got.State["context"].(map[string]any)["lang"])
	assert.Equal(t, sess.StateHash, got.StateHash)
	assert.True(t, got.TraceEnabled)

	byID, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Token, byID.Token)

	_, err = s.GetSessionByToken(ctx, "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeSessionNotFound))
}

func TestCreateSession_EnqueuesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedFlow(t, s)

	sess := &schema.Session{FlowID: def.ID, FlowVersion: def.Version, CurrentNodeID: "start"}
	events := []schema.OutboxEvent{{EventType: schema.EventSessionStarted, Destination: "internal:sessions", Payload: json.RawMessage(`{}`)}}
	require.NoError(t, s.CreateSession(ctx, sess, events))

	got, err := s.GetEvent(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EventStatusPending, got.Status)
	assert.Equal(t, schema.PriorityNormal, got.Priority)
	assert.Equal(t, schema.DefaultEventMaxRetries, got.MaxRetries)
}

func TestStateHash_Canonical(t *testing.T) {
	a, err := StateHash(map[string]any{"user": map[string]any{"b": 1, "a": 2}, "temp": map[string]any{}})
	require.NoError(t, err)
	b, err := StateHash(map[string]any{"temp": map[string]any{}, "user": map[string]any{"a": 2, "b": 1}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestCommitStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	newState := map[string]any{"user": map[string]any{"name": "Ada"}}
	history := []schema.HistoryEntry{{NodeID: "ask", InteractionType: schema.InteractionInput, Content: json.RawMessage(`{"value":"Ada"}`)}}
	events := []schema.OutboxEvent{{EventType: schema.EventNodeChanged, Destination: "internal:sessions", SessionID: sess.ID}}

	got, err := s.CommitStep(ctx, sess.ID, 1, StepUpdate{
		CurrentFlowID:      sess.FlowID,
		CurrentFlowVersion: sess.FlowVersion,
		CurrentNodeID:      "bye",
		State:              newState,
	}, events, history)
	require.NoError(t, err)

	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, "bye", got.CurrentNodeID)
	assert.Equal(t, "Ada", got.State["user"].(map[string]any)["name"])
	wantHash, _ := StateHash(newState)
	assert.Equal(t, wantHash, got.StateHash)
	assert.Nil(t, got.EndedAt)

	h, err := s.ListHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, schema.InteractionInput, h[0].InteractionType)
	assert.JSONEq(t, `{"value":"Ada"}`, string(h[0].Content))

	_, err = s.GetEvent(ctx, events[0].ID)
	assert.NoError(t, err)
}

func TestCommitStep_RevisionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	update := StepUpdate{CurrentFlowID: sess.FlowID, CurrentFlowVersion: sess.FlowVersion, CurrentNodeID: "bye"}
	_, err := s.CommitStep(ctx, sess.ID, 1, update, nil, nil)
	require.NoError(t, err)

	events := []schema.OutboxEvent{{ID: "evt-lost", EventType: schema.EventNodeChanged, Destination: "internal:x"}}
	history := []schema.HistoryEntry{{NodeID: "bye", InteractionType: schema.InteractionMessage}}
	_, err = s.CommitStep(ctx, sess.ID, 1, update, events, history)
	require.Error(t, err)
	require.True(t, schema.IsConcurrencyConflict(err))

	fe := err.(*schema.FlowError)
	assert.Equal(t, int64(1), fe.Details["expected_revision"])
	assert.Equal(t, int64(2), fe.Details["actual_revision"])

	// Nothing from the rejected step is persisted.
	_, err = s.GetEvent(ctx, "evt-lost")
	assert.True(t, schema.IsNotFound(err))
	h, err := s.ListHistory(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestCommitStep_RevisionMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	update := StepUpdate{CurrentFlowID: sess.FlowID, CurrentFlowVersion: sess.FlowVersion, CurrentNodeID: "ask"}
	for rev := int64(1); rev <= 5; rev++ {
		got, err := s.CommitStep(ctx, sess.ID, rev, update, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, rev+1, got.Revision)
	}
}

func TestCommitStep_StatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	completed := schema.SessionStatusCompleted
	got, err := s.CommitStep(ctx, sess.ID, 1, StepUpdate{
		CurrentFlowID: sess.FlowID, CurrentFlowVersion: sess.FlowVersion, CurrentNodeID: "bye", Status: &completed,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)

	_, err = s.CommitStep(ctx, sess.ID, 2, StepUpdate{CurrentNodeID: "bye"}, nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSessionInactive))
}

func TestCommitStep_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CommitStep(context.Background(), "missing", 1, StepUpdate{}, nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSessionNotFound))
}

func TestDeleteSession_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	_, err := s.CommitStep(ctx, sess.ID, 1, StepUpdate{CurrentFlowID: sess.FlowID, CurrentFlowVersion: sess.FlowVersion},
		nil, []schema.HistoryEntry{{NodeID: "ask", InteractionType: schema.InteractionInput}})
	require.NoError(t, err)
	require.NoError(t, s.AppendStep(ctx, &schema.ExecutionStep{SessionID: sess.ID, FlowID: sess.FlowID, NodeID: "ask", NodeType: schema.NodeTypeQuestion}))

	events := []schema.OutboxEvent{{EventType: schema.EventSessionDeleted, Destination: "internal:sessions"}}
	require.NoError(t, s.DeleteSession(ctx, sess.ID, events))

	_, err = s.GetSession(ctx, sess.ID)
	assert.True(t, schema.IsNotFound(err))
	h, _ := s.ListHistory(ctx, sess.ID)
	assert.Empty(t, h)
	steps, _ := s.ListSteps(ctx, sess.ID)
	assert.Empty(t, steps)

	_, err = s.GetEvent(ctx, events[0].ID)
	assert.NoError(t, err)

	assert.True(t, schema.IsNotFound(s.DeleteSession(ctx, sess.ID, nil)))
}

func TestListStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	stale, err := s.ListStaleSessions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)

	fresh, err := s.ListStaleSessions(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

// --- Secrets ---

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "b_key", []byte{1, 2}))
	require.NoError(t, s.StoreSecret(ctx, "a_key", []byte{3}))
	require.NoError(t, s.StoreSecret(ctx, "a_key", []byte{4}))

	v, err := s.GetSecret(ctx, "a_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "a_key"))
	_, err = s.GetSecret(ctx, "a_key")
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteSecret(ctx, "a_key")))
}
