package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/idempotency"
	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/tracer"
	"github.com/rendis/chatflow/pkg/schema"
)

// --- Flows ---

// profileFlow greets, asks for a name, then asks for a color.
func profileFlow() *schema.FlowDefinition {
	return flow("profile", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("greet", schema.NodeTypeMessage, map[string]any{"text": "Welcome!"}),
		node("ask_name", schema.NodeTypeQuestion, map[string]any{
			"question": "What is your name?", "variable": "user.name",
		}),
		node("ask_color", schema.NodeTypeQuestion, map[string]any{
			"question": "Favourite color, {{user.name}}?", "variable": "user.color",
		}),
		node("bye", schema.NodeTypeMessage, map[string]any{"text": "Bye {{user.name}}"}),
	},
		edge("start", "greet"),
		edge("greet", "ask_name"),
		edge("ask_name", "ask_color"),
		edge("ask_color", "bye"),
	)
}

func lookupFlow(url string, timeoutMS int, withFailure bool) *schema.FlowDefinition {
	conns := []schema.FlowConnection{
		edge("start", "ask"),
		edge("ask", "hook"),
		edge("hook", "found", schema.ConnectionSuccess),
	}
	nodes := []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("ask", schema.NodeTypeQuestion, map[string]any{"question": "ISBN?", "variable": "isbn"}),
		node("hook", schema.NodeTypeWebhook, map[string]any{
			"url":              url,
			"method":           "POST",
			"body":             map[string]any{"isbn": "{{temp.isbn}}"},
			"timeout_ms":       timeoutMS,
			"response_mapping": map[string]any{"title": "$.title"},
		}),
		node("found", schema.NodeTypeMessage, map[string]any{"text": "Found {{temp.title}}"}),
	}
	if withFailure {
		nodes = append(nodes, node("sorry", schema.NodeTypeMessage, map[string]any{"text": "Service unavailable"}))
		conns = append(conns, edge("hook", "sorry", schema.ConnectionFailure))
	}
	return flow("lookup", nodes, conns...)
}

func start(t *testing.T, env *testEnv, flowID string) *StartResult {
	t.Helper()
	res, err := env.runtime.StartSession(context.Background(), StartRequest{FlowID: flowID, UserID: "u1"})
	require.NoError(t, err)
	return res
}

// --- Start and advance ---

func TestStartSession_RunsToFirstQuestion(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	res := start(t, env, "profile")

	require.NotNil(t, res.Response)
	assert.NotEmpty(t, res.SessionToken)
	assert.Equal(t, []string{"Welcome!", "What is your name?"}, res.Response.Messages)
	assert.Equal(t, "ask_name", res.Response.CurrentNodeID)
	assert.Equal(t, schema.SessionStatusActive, res.Response.SessionStatus)
	assert.EqualValues(t, 3, res.Revision)
	assert.Equal(t, 2, res.Response.Steps)
	require.NotNil(t, res.Response.Prompt)
	assert.Equal(t, "user.name", res.Response.Prompt.Variable)

	assert.Equal(t, []string{
		schema.EventSessionStarted,
		schema.EventNodeChanged,
		schema.EventNodeChanged,
	}, env.events.types())
}

func TestStartSession_Errors(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})

	_, err := env.runtime.StartSession(context.Background(), StartRequest{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = env.runtime.StartSession(context.Background(), StartRequest{FlowID: "nope"})
	assert.True(t, schema.IsNotFound(err))
}

func TestStartSession_InitialState(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	res, err := env.runtime.StartSession(context.Background(), StartRequest{
		FlowID: "profile",
		InitialState: map[string]any{
			"channel": "whatsapp",
			"user":    map[string]any{"name": "Ana"},
		},
	})
	require.NoError(t, err)

	sess, err := env.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	v, _ := expressions.GetPath(sess.State, "context.channel")
	assert.Equal(t, "whatsapp", v)
	v, _ = expressions.GetPath(sess.State, "user.name")
	assert.Equal(t, "Ana", v)
}

func TestAdvance_QuestionAnswer(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")
	require.EqualValues(t, 3, started.Revision)

	ctx := context.Background()
	res, err := env.runtime.Advance(ctx, AdvanceRequest{
		SessionToken: started.SessionToken, Input: "Ana", ExpectedRevision: 3,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Revision)
	assert.Equal(t, "ask_color", res.CurrentNodeID)
	assert.Equal(t, []string{"Favourite color, Ana?"}, res.Messages)
	assert.Equal(t, 1, res.Steps)

	sess, err := env.store.GetSession(ctx, started.SessionID)
	require.NoError(t, err)
	v, _ := expressions.GetPath(sess.State, "user.name")
	assert.Equal(t, "Ana", v)

	history, err := env.runtime.GetSessionHistory(ctx, started.SessionToken)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, schema.InteractionInput, last.InteractionType)
	assert.Equal(t, "ask_name", last.NodeID)

	t.Run("stale revision is rejected", func(t *testing.T) {
		_, err := env.runtime.Advance(ctx, AdvanceRequest{
			SessionToken: started.SessionToken, Input: "Bob", ExpectedRevision: 3,
		})
		require.Error(t, err)
		assert.True(t, schema.IsConcurrencyConflict(err))
	})

	t.Run("last answer completes the session", func(t *testing.T) {
		res, err := env.runtime.Advance(ctx, AdvanceRequest{SessionToken: started.SessionToken, Input: "teal"})
		require.NoError(t, err)
		assert.Equal(t, schema.SessionStatusCompleted, res.SessionStatus)
		assert.Equal(t, []string{"Bye Ana"}, res.Messages)
		assert.Nil(t, res.Prompt)

		_, err = env.runtime.Advance(ctx, AdvanceRequest{SessionToken: started.SessionToken, Input: "again"})
		assert.True(t, schema.HasCode(err, schema.ErrCodeSessionInactive))
	})
}

func TestAdvance_UnknownSession(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	_, err := env.runtime.Advance(context.Background(), AdvanceRequest{SessionToken: "missing", Input: "x"})
	assert.True(t, schema.IsNotFound(err))
}

func TestAdvance_ValidationFailureKeepsRevision(t *testing.T) {
	def := flow("age", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("ask", schema.NodeTypeQuestion, map[string]any{
			"question":   "Age?",
			"variable":   "user.age",
			"validation": map[string]any{"type": "integer", "minimum": 0},
		}),
	}, edge("start", "ask"))
	env := newTestEnv(t, []*schema.FlowDefinition{def})
	started := start(t, env, "age")

	_, err := env.runtime.Advance(context.Background(), AdvanceRequest{SessionToken: started.SessionToken, Input: -4})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStateValidation))

	sess, err := env.store.GetSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, started.Revision, sess.Revision)

	// FAILED guard records are taken over, so a corrected answer succeeds.
	res, err := env.runtime.Advance(context.Background(), AdvanceRequest{SessionToken: started.SessionToken, Input: 40})
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, res.SessionStatus)
}

// --- Concurrency and idempotency ---

func TestAdvance_ConcurrentAnswersOneWins(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, color := range []string{"blue", "red"} {
		wg.Add(1)
		go func(i int, color string) {
			defer wg.Done()
			_, errs[i] = env.runtime.Advance(context.Background(), AdvanceRequest{
				SessionToken: started.SessionToken, Input: color, ExpectedRevision: started.Revision,
			})
		}(i, color)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case schema.HasCode(err, schema.ErrCodeSessionConcurrency):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	sess, err := env.store.GetSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, started.Revision+1, sess.Revision)
}

// slowQuestions delays every answered QUESTION step by d.
func slowQuestions(env *testEnv, d time.Duration) {
	handlers := env.runtime.executor.handlers
	inner := handlers[schema.NodeTypeQuestion]
	handlers[schema.NodeTypeQuestion] = HandlerFunc(func(ctx context.Context, in StepInput) (*StepOutcome, error) {
		if !in.Arrival {
			time.Sleep(d)
		}
		return inner.Handle(ctx, in)
	})
}

func TestAdvance_ConcurrentSlowStepOneWins(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")
	slowQuestions(env, 600*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"Ana", "Bob"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = env.runtime.Advance(context.Background(), AdvanceRequest{
				SessionToken: started.SessionToken, Input: name, ExpectedRevision: started.Revision,
			})
		}(i, name)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case schema.HasCode(err, schema.ErrCodeSessionConcurrency):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	sess, err := env.store.GetSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, started.Revision+1, sess.Revision)
	assert.Equal(t, "ask_color", sess.CurrentNodeID)
}

func TestAdvance_CommitConflictLogsUnrecordedFail(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")

	var buf bytes.Buffer
	env.runtime.logger = slog.New(slog.NewTextHandler(&buf, nil))
	env.runtime.guard = idempotency.NewGuard(failRejectingStore{env.store})
	env.sessions.failWhen = func(u store.StepUpdate) bool { return u.CurrentNodeID == "ask_color" }
	env.sessions.failures = 1
	env.sessions.err = schema.SessionConcurrency(started.SessionID, started.Revision, started.Revision+1)

	_, err := env.runtime.Advance(context.Background(), AdvanceRequest{
		SessionToken: started.SessionToken, Input: "Ana", ExpectedRevision: started.Revision,
	})
	require.Error(t, err)
	assert.True(t, schema.IsConcurrencyConflict(err))
	assert.Contains(t, buf.String(), "idempotency fail not recorded")
}

func TestAdvance_CommitFailureReplaysWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"title": "Dune"})
	}))
	defer srv.Close()

	env := newTestEnv(t, []*schema.FlowDefinition{lookupFlow(srv.URL, 2000, false)})
	env.sessions.failWhen = func(u store.StepUpdate) bool { return u.CurrentNodeID == "found" }
	env.sessions.failures = 1

	ctx := context.Background()
	started := start(t, env, "lookup")

	res, err := env.runtime.Advance(ctx, AdvanceRequest{SessionToken: started.SessionToken, Input: "978-0441013593"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	require.NotNil(t, res)
	assert.Equal(t, "hook", res.CurrentNodeID)
	assert.EqualValues(t, 1, hits.Load())

	res, err = env.runtime.Advance(ctx, AdvanceRequest{SessionToken: started.SessionToken, ExpectedRevision: res.Revision})
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, res.SessionStatus)
	assert.Equal(t, []string{"Found Dune"}, res.Messages)
	assert.EqualValues(t, 1, hits.Load(), "the webhook must not be called again")
}

// --- Webhook failures ---

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookTimeout(t *testing.T) {
	t.Run("FAILURE edge routes", func(t *testing.T) {
		env := newTestEnv(t, []*schema.FlowDefinition{lookupFlow(slowServer(t).URL, 500, true)})
		started := start(t, env, "lookup")

		begin := time.Now()
		res, err := env.runtime.Advance(context.Background(), AdvanceRequest{SessionToken: started.SessionToken, Input: "x"})
		require.NoError(t, err)
		assert.Less(t, time.Since(begin), 2*time.Second)
		assert.Equal(t, []string{"Service unavailable"}, res.Messages)
		assert.Equal(t, schema.SessionStatusCompleted, res.SessionStatus)
	})

	t.Run("without FAILURE edge the error surfaces", func(t *testing.T) {
		env := newTestEnv(t, []*schema.FlowDefinition{lookupFlow(slowServer(t).URL, 500, false)})
		started := start(t, env, "lookup")
		ctx := context.Background()

		res, err := env.runtime.Advance(ctx, AdvanceRequest{SessionToken: started.SessionToken, Input: "x"})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeWebhook))
		require.NotNil(t, res)
		assert.Equal(t, "hook", res.CurrentNodeID)

		sess, err := env.store.GetSession(ctx, started.SessionID)
		require.NoError(t, err)
		assert.Equal(t, schema.SessionStatusActive, sess.Status)
		assert.Equal(t, "hook", sess.CurrentNodeID)
		assert.Equal(t, res.Revision, sess.Revision)

		rec, err := env.store.GetIdempotency(ctx, idempotency.Key(sess.ID, "hook", sess.Revision))
		require.NoError(t, err)
		assert.Equal(t, schema.IdempotencyFailed, rec.Status)
	})
}

// --- Composite ---

func TestComposite_PushAndPop(t *testing.T) {
	parent := flow("parent", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("sub", schema.NodeTypeComposite, map[string]any{
			"composite_flow_id": "child",
			"inputs":            map[string]any{"name": "user.name"},
			"outputs":           map[string]any{"greeting": "temp.greeting"},
		}),
		node("ask", schema.NodeTypeQuestion, map[string]any{"question": "{{temp.greeting}}, ready?"}),
	}, edge("start", "sub"), edge("sub", "ask"))
	child := flow("child", []schema.FlowNode{
		node("c_start", schema.NodeTypeStart, nil),
		node("c_set", schema.NodeTypeAction, map[string]any{
			"actions": []any{
				map[string]any{"type": "set_variable", "variable": "output.greeting", "value": "Hello {{input.name}}"},
			},
		}),
	}, edge("c_start", "c_set"))

	env := newTestEnv(t, []*schema.FlowDefinition{parent, child})
	res, err := env.runtime.StartSession(context.Background(), StartRequest{
		FlowID:       "parent",
		InitialState: map[string]any{"user": map[string]any{"name": "Ana"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "parent", res.Response.CurrentFlowID)
	assert.Equal(t, "ask", res.Response.CurrentNodeID)
	assert.Equal(t, []string{"Hello Ana, ready?"}, res.Response.Messages)
	assert.Equal(t, 4, res.Response.Steps)

	sess, err := env.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.FlowStack)
	assert.Equal(t, map[string]any{}, sess.State[schema.ScopeInput])
	assert.Equal(t, map[string]any{}, sess.State[schema.ScopeOutput])
}

func TestComposite_ReplayedPopKeepsChildOutputs(t *testing.T) {
	parent := flow("parent", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("sub", schema.NodeTypeComposite, map[string]any{
			"composite_flow_id": "child",
			"outputs":           map[string]any{"greeting": "temp.greeting"},
		}),
		node("ask", schema.NodeTypeQuestion, map[string]any{"question": "{{temp.greeting}}, ready?"}),
	}, edge("start", "sub"), edge("sub", "ask"))
	child := flow("child", []schema.FlowNode{
		node("c_start", schema.NodeTypeStart, nil),
		node("c_set", schema.NodeTypeAction, map[string]any{
			"actions": []any{
				map[string]any{"type": "set_variable", "variable": "output.greeting", "value": "Hello child"},
			},
		}),
	}, edge("c_start", "c_set"))

	env := newTestEnv(t, []*schema.FlowDefinition{parent, child})
	env.sessions.failWhen = func(u store.StepUpdate) bool {
		return u.CurrentFlowID == "parent" && u.CurrentNodeID == "ask" && len(u.FlowStack) == 0
	}
	env.sessions.failures = 1
	ctx := context.Background()

	started, err := env.runtime.StartSession(ctx, StartRequest{
		FlowID:       "parent",
		InitialState: map[string]any{schema.ScopeOutput: map[string]any{"greeting": "parent value"}},
	})
	require.Error(t, err)
	require.NotNil(t, started)
	assert.Equal(t, "c_set", started.Response.CurrentNodeID)

	res, err := env.runtime.Advance(ctx, AdvanceRequest{
		SessionToken: started.SessionToken, ExpectedRevision: started.Response.Revision,
	})
	require.NoError(t, err)
	assert.Equal(t, "ask", res.CurrentNodeID)
	assert.Equal(t, []string{"Hello child, ready?"}, res.Messages)

	sess, err := env.store.GetSession(ctx, started.SessionID)
	require.NoError(t, err)
	greeting, _ := expressions.GetPath(sess.State, "temp.greeting")
	assert.Equal(t, "Hello child", greeting)
	assert.Equal(t, map[string]any{"greeting": "parent value"}, sess.State[schema.ScopeOutput])
}

func TestComposite_SubFlowEndCompletesWithoutReturn(t *testing.T) {
	parent := flow("parent", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("sub", schema.NodeTypeComposite, map[string]any{"composite_flow_id": "child"}),
	}, edge("start", "sub"))
	child := flow("child", []schema.FlowNode{
		node("c_start", schema.NodeTypeStart, nil),
		node("c_msg", schema.NodeTypeMessage, map[string]any{"text": "inside"}),
	}, edge("c_start", "c_msg"))

	env := newTestEnv(t, []*schema.FlowDefinition{parent, child})
	res := start(t, env, "parent")
	assert.Equal(t, schema.SessionStatusCompleted, res.Response.SessionStatus)
	assert.Equal(t, []string{"inside"}, res.Response.Messages)
	assert.Equal(t, "parent", res.Response.CurrentFlowID)
}

// --- Auto-advance bound ---

func TestAutoAdvance_StepBound(t *testing.T) {
	def := flow("loop", []schema.FlowNode{
		node("start", schema.NodeTypeStart, nil),
		node("tick", schema.NodeTypeMessage, map[string]any{"text": "tick"}),
		node("tock", schema.NodeTypeMessage, map[string]any{"text": "tock"}),
	}, edge("start", "tick"), edge("tick", "tock"), edge("tock", "tick"))

	env := newTestEnv(t, []*schema.FlowDefinition{def}, withConfig(Config{MaxAutoSteps: 5}))
	res := start(t, env, "loop")

	assert.Equal(t, 5, res.Response.Steps)
	assert.Equal(t, schema.SessionStatusActive, res.Response.SessionStatus)
	assert.EqualValues(t, 6, res.Revision)
	assert.Equal(t, []string{"tick", "tock", "tick", "tock"}, res.Response.Messages)
}

// --- Tracing ---

func TestTracing_RecordsEveryCommittedStep(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")
	_, err := env.runtime.Advance(context.Background(), AdvanceRequest{SessionToken: started.SessionToken, Input: "Ana"})
	require.NoError(t, err)

	recs := env.tracer.all()
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.EqualValues(t, i+1, rec.StepNumber)
		assert.Equal(t, started.SessionID, rec.SessionID)
		assert.NoError(t, rec.Err)
	}
	assert.Equal(t, "ask_name", recs[2].NodeID)
	assert.Equal(t, "ask_color", recs[2].NextNodeID)
}

func TestTracing_DisabledFlowIsNotTraced(t *testing.T) {
	def := profileFlow()
	def.TraceEnabled = false
	env := newTestEnv(t, []*schema.FlowDefinition{def})
	start(t, env, "profile")
	assert.Empty(t, env.tracer.all())
}

func TestGetSessionTrace_AuditsEveryRead(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	tr := tracer.New(env.store, tracer.Options{Masker: masking.New(masking.Options{})})
	env.runtime.tracer = tr

	started := start(t, env, "profile")
	tr.Close()

	ctx := context.Background()
	trace, err := env.runtime.GetSessionTrace(ctx, started.SessionToken, Accessor{
		UserID: "auditor", IPAddress: "10.0.0.1", Reason: "support ticket",
	})
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, trace.SessionID)
	require.Len(t, trace.Steps, 2)
	assert.EqualValues(t, 1, trace.Steps[0].StepNumber)
	assert.EqualValues(t, 2, trace.Steps[1].StepNumber)

	access, err := env.store.ListTraceAccess(ctx, started.SessionID)
	require.NoError(t, err)
	require.Len(t, access, 1)
	assert.Equal(t, "auditor", access[0].AccessedBy)
	assert.Equal(t, "read", access[0].AccessType)
}

// --- Lifecycle ---

func TestAbandonAndDelete(t *testing.T) {
	env := newTestEnv(t, []*schema.FlowDefinition{profileFlow()})
	started := start(t, env, "profile")
	ctx := context.Background()

	sess, err := env.runtime.AbandonSession(ctx, started.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusAbandoned, sess.Status)
	assert.EqualValues(t, started.Revision+1, sess.Revision)

	_, err = env.runtime.AbandonSession(ctx, started.SessionToken)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSessionInactive))

	// History stays readable after the session ended.
	_, err = env.runtime.GetSessionHistory(ctx, started.SessionToken)
	require.NoError(t, err)

	require.NoError(t, env.runtime.DeleteSession(ctx, started.SessionToken))
	_, err = env.runtime.GetSessionHistory(ctx, started.SessionToken)
	assert.True(t, schema.IsNotFound(err))

	types := env.events.types()
	assert.Contains(t, types, schema.EventSessionStatusChanged)
	assert.Equal(t, schema.EventSessionDeleted, types[len(types)-1])
}

// --- Helpers ---

func TestSeedState(t *testing.T) {
	state := seedState(map[string]any{
		"user":    map[string]any{"name": "Ana"},
		"channel": "web",
		"context": map[string]any{"locale": "es"},
	})
	assert.Equal(t, map[string]any{"name": "Ana"}, state[schema.ScopeUser])
	assert.Equal(t, map[string]any{"locale": "es", "channel": "web"}, state[schema.ScopeContext])
	assert.Equal(t, map[string]any{}, state[schema.ScopeTemp])
}
