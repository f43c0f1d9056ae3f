package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/idempotency"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/tracer"
	"github.com/rendis/chatflow/pkg/schema"
)

// Runtime defaults.
const (
	DefaultMaxConflictRetries = 3
	DefaultMaxAutoSteps       = 50
)

// StepTracer samples sessions and records executed steps.
// Satisfied by *tracer.Tracer.
type StepTracer interface {
	ShouldTrace(def *schema.FlowDefinition, sessionToken string) bool
	Record(ctx context.Context, rec tracer.StepRecord)
}

// TraceReader reads persisted steps and audits the read.
type TraceReader interface {
	ListSteps(ctx context.Context, sessionID string) ([]schema.ExecutionStep, error)
	RecordTraceAccess(ctx context.Context, access *schema.TraceAccess) error
}

// EventSource turns session transitions into outbox rows that are enqueued
// with the commit. Satisfied by *outbox.Builder.
type EventSource interface {
	EventsFor(ctx context.Context, transitions ...schema.SessionTransition) ([]schema.OutboxEvent, error)
}

// Config bounds the runtime's retry and auto-advance loops.
type Config struct {
	MaxConflictRetries int
	MaxAutoSteps       int
	ConflictBackoff    BackoffPolicy
}

// DefaultConfig returns the default runtime bounds.
func DefaultConfig() Config {
	return Config{
		MaxConflictRetries: DefaultMaxConflictRetries,
		MaxAutoSteps:       DefaultMaxAutoSteps,
		ConflictBackoff:    ConflictBackoff,
	}
}

// RuntimeDeps are the collaborators of a Runtime. Tracer, Traces, Events,
// OTel and Logger are optional.
type RuntimeDeps struct {
	Sessions *session.Manager
	Resolver GraphResolver
	Guard    *idempotency.Guard
	Executor *Executor
	Tracer   StepTracer
	Traces   TraceReader
	Events   EventSource
	OTel     trace.Tracer
	Logger   *slog.Logger
}

// Runtime drives sessions through their flows one revision-gated step at a
// time. It holds no per-session state; the store is the source of truth.
type Runtime struct {
	sessions *session.Manager
	resolver GraphResolver
	guard    *idempotency.Guard
	executor *Executor
	tracer   StepTracer
	traces   TraceReader
	events   EventSource
	otel     trace.Tracer
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewRuntime creates a Runtime. Zero config fields take their defaults.
func NewRuntime(deps RuntimeDeps, cfg Config) (*Runtime, error) {
	if deps.Sessions == nil || deps.Resolver == nil || deps.Guard == nil || deps.Executor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runtime requires sessions, resolver, guard and executor")
	}
	def := DefaultConfig()
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = def.MaxConflictRetries
	}
	if cfg.MaxAutoSteps <= 0 {
		cfg.MaxAutoSteps = def.MaxAutoSteps
	}
	if cfg.ConflictBackoff.Base <= 0 {
		cfg.ConflictBackoff = def.ConflictBackoff
	}
	if deps.OTel == nil {
		deps.OTel = otel.Tracer("github.com/rendis/chatflow/internal/engine")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runtime{
		sessions: deps.Sessions,
		resolver: deps.Resolver,
		guard:    deps.Guard,
		executor: deps.Executor,
		tracer:   deps.Tracer,
		traces:   deps.Traces,
		events:   deps.Events,
		otel:     deps.OTel,
		logger:   deps.Logger.With(slog.String("module", "engine")),
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// --- Requests and results ---

// StartRequest opens a session on the active version of FlowID.
type StartRequest struct {
	FlowID       string         `json:"flow_id"`
	UserID       string         `json:"user_id,omitempty"`
	InitialState map[string]any `json:"initial_state,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
}

// StartResult reports the new session and what its first run produced.
type StartResult struct {
	SessionID    string         `json:"session_id"`
	SessionToken string         `json:"session_token"`
	Revision     int64          `json:"revision"`
	Response     *AdvanceResult `json:"response"`
}

// AdvanceRequest delivers one inbound event. ExpectedRevision pins the
// revision the input answers; zero pins the revision observed on first load.
type AdvanceRequest struct {
	SessionToken     string `json:"session_token"`
	Input            any    `json:"input,omitempty"`
	InputType        string `json:"input_type,omitempty"`
	ExpectedRevision int64  `json:"expected_revision,omitempty"`
}

// AdvanceResult is the conversation output accumulated across the steps of
// one call, with the session position after the last committed step.
type AdvanceResult struct {
	SessionID     string               `json:"session_id"`
	Messages      []string             `json:"messages"`
	Prompt        *Prompt              `json:"prompt,omitempty"`
	SessionStatus schema.SessionStatus `json:"session_status"`
	CurrentFlowID string               `json:"current_flow_id"`
	CurrentNodeID string               `json:"current_node_id"`
	Revision      int64                `json:"revision"`
	Steps         int                  `json:"steps"`
}

// Accessor identifies who reads a trace.
type Accessor struct {
	UserID    string
	IPAddress string
	UserAgent string
	Reason    string
}

// SessionTrace is the masked step log of a session.
type SessionTrace struct {
	SessionID       string                 `json:"session_id"`
	FlowID          string                 `json:"flow_id"`
	Steps           []schema.ExecutionStep `json:"steps"`
	TotalDurationMS int64                  `json:"total_duration_ms"`
}

// --- Operations ---

// StartSession creates a session at the flow's entry node and advances it to
// the first suspension point. When auto-advance fails after the session was
// created, the partial result is returned with the error.
func (r *Runtime) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	ctx, span := r.otel.Start(ctx, "chatflow.start", trace.WithAttributes(
		attribute.String("chatflow.flow_id", req.FlowID)))
	defer span.End()

	if req.FlowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow_id is required")
	}
	g, err := r.resolver.Resolve(ctx, req.FlowID, "", flowgraph.ResolveOptions{RequireActive: true})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	entry := g.EntryNodeID()
	if entry == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow %q has no entry node", g.FlowID())
	}

	token := req.SessionToken
	if token == "" {
		token = uuid.New().String()
	}
	def := g.Definition()
	ns := session.NewSession{
		ID:           uuid.New().String(),
		FlowID:       g.FlowID(),
		FlowVersion:  g.Version(),
		EntryNodeID:  entry,
		UserID:       req.UserID,
		Token:        token,
		State:        seedState(req.InitialState),
		TraceEnabled: r.tracer != nil && r.tracer.ShouldTrace(def, token),
		TraceLevel:   def.TraceLevel,
	}

	now := r.now().UTC()
	events, err := r.eventsFor(ctx, schema.SessionTransition{
		EventType: schema.EventSessionStarted,
		Session: &schema.Session{
			ID: ns.ID, Token: token, UserID: ns.UserID,
			FlowID: ns.FlowID, FlowVersion: ns.FlowVersion,
			CurrentFlowID: ns.FlowID, CurrentFlowVersion: ns.FlowVersion, CurrentNodeID: entry,
			Status: schema.SessionStatusActive, Revision: 1, StartedAt: now, LastActivityAt: now,
		},
		At: now,
	})
	if err != nil {
		return nil, err
	}
	sess, err := r.sessions.Create(ctx, ns, events)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("chatflow.session_id", sess.ID))

	res := &AdvanceResult{Messages: []string{}}
	snapshot(res, sess)
	res, err = r.autoAdvance(ctx, token, sess, res)
	out := &StartResult{SessionID: sess.ID, SessionToken: token, Revision: res.Revision, Response: res}
	if err != nil {
		recordSpanError(span, err)
	}
	return out, err
}

// Advance consumes one inbound event at the session's current node, then
// auto-advances through non-suspending nodes. The input is only ever
// applied at the pinned revision. A duplicate in flight is waited for up to
// MaxConflictRetries; a session that moved past the revision, or a step
// still in flight after that, yields SESSION_CONCURRENCY.
func (r *Runtime) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	ctx, span := r.otel.Start(ctx, "chatflow.advance")
	defer span.End()

	pinned := req.ExpectedRevision
	if pinned <= 0 {
		sess, err := r.sessions.Load(ctx, req.SessionToken)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		pinned = sess.Revision
	}
	span.SetAttributes(attribute.Int64("chatflow.revision", pinned))

	var first *stepResult
	for attempt := 0; ; attempt++ {
		res, err := r.step(ctx, req.SessionToken, pinned, req.Input, req.InputType, false)
		if err == nil {
			first = res
			break
		}
		if schema.HasCode(err, schema.ErrCodeStepInProgress) && attempt >= r.cfg.MaxConflictRetries {
			err = r.inFlightConflict(ctx, req.SessionToken, pinned, err)
		}
		if !schema.HasCode(err, schema.ErrCodeStepInProgress) {
			recordSpanError(span, err)
			return nil, err
		}
		delay := ComputeBackoff(r.cfg.ConflictBackoff, attempt)
		logging.LogWith(ctx, r.logger).DebugContext(ctx, "step in progress, retrying",
			slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, werr
		}
	}

	res := &AdvanceResult{SessionID: first.session.ID, Messages: []string{}}
	collect(res, first)
	if first.suspended {
		return res, nil
	}
	res, err := r.autoAdvance(ctx, req.SessionToken, first.session, res)
	if err != nil {
		recordSpanError(span, err)
	}
	return res, err
}

// inFlightConflict turns a step still in flight after the retry budget into
// SESSION_CONCURRENCY: another request holds the pinned revision.
func (r *Runtime) inFlightConflict(ctx context.Context, token string, pinned int64, cause error) error {
	sess, err := r.sessions.LoadAny(ctx, token)
	if err != nil {
		return err
	}
	return schema.SessionConcurrency(sess.ID, pinned, sess.Revision).WithCause(cause)
}

// autoAdvance runs arrival steps until a suspension point, completion or the
// step bound. A conflict means another request owns the continuation, so it
// stops quietly with the latest persisted position.
func (r *Runtime) autoAdvance(ctx context.Context, token string, sess *schema.Session, res *AdvanceResult) (*AdvanceResult, error) {
	for sess.Status == schema.SessionStatusActive {
		if res.Steps >= r.cfg.MaxAutoSteps {
			r.logger.WarnContext(ctx, "auto-advance step bound reached",
				slog.String("session_id", sess.ID), slog.Int("steps", res.Steps))
			break
		}
		next, err := r.step(ctx, token, sess.Revision, nil, "", true)
		if err != nil {
			if schema.IsConcurrencyConflict(err) || schema.HasCode(err, schema.ErrCodeStepInProgress) {
				r.logger.InfoContext(ctx, "auto-advance yielded to a concurrent request",
					slog.String("session_id", sess.ID), slog.Int64("revision", sess.Revision))
				if cur, lerr := r.sessions.LoadAny(ctx, token); lerr == nil {
					snapshot(res, cur)
				}
				return res, nil
			}
			return res, err
		}
		collect(res, next)
		if next.suspended {
			break
		}
		sess = next.session
	}
	return res, nil
}

// GetSessionTrace returns the masked steps of a session ordered by step
// number. Every call writes an access audit row, and the trace is withheld
// when the audit cannot be written.
func (r *Runtime) GetSessionTrace(ctx context.Context, token string, who Accessor) (*SessionTrace, error) {
	if r.traces == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "tracing is not configured")
	}
	sess, err := r.sessions.LoadAny(ctx, token)
	if err != nil {
		return nil, err
	}
	steps, err := r.traces.ListSteps(ctx, sess.ID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list trace steps failed").WithCause(err)
	}
	var total int64
	for _, s := range steps {
		total += s.DurationMS
	}

	accessed, _ := json.Marshal(map[string]any{"steps": len(steps), "reason": who.Reason})
	audit := &schema.TraceAccess{
		SessionID:    sess.ID,
		AccessedBy:   who.UserID,
		AccessType:   "read",
		IPAddress:    who.IPAddress,
		UserAgent:    who.UserAgent,
		DataAccessed: accessed,
		AccessedAt:   r.now().UTC(),
	}
	if err := r.traces.RecordTraceAccess(ctx, audit); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "record trace access failed").WithCause(err)
	}

	if steps == nil {
		steps = []schema.ExecutionStep{}
	}
	return &SessionTrace{SessionID: sess.ID, FlowID: sess.FlowID, Steps: steps, TotalDurationMS: total}, nil
}

// GetSessionHistory returns the interaction history of a session in any status.
func (r *Runtime) GetSessionHistory(ctx context.Context, token string) ([]schema.HistoryEntry, error) {
	sess, err := r.sessions.LoadAny(ctx, token)
	if err != nil {
		return nil, err
	}
	return r.sessions.History(ctx, sess.ID)
}

// AbandonSession ends an ACTIVE session as ABANDONED.
func (r *Runtime) AbandonSession(ctx context.Context, token string) (*schema.Session, error) {
	sess, err := r.sessions.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateSessionTransition(sess.Status, schema.SessionStatusAbandoned); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	projected := *sess
	projected.Status = schema.SessionStatusAbandoned
	projected.Revision = sess.Revision + 1
	projected.EndedAt = &now
	events, err := r.eventsFor(ctx, schema.SessionTransition{
		EventType:  schema.EventSessionStatusChanged,
		Session:    &projected,
		FromFlowID: sess.CurrentFlowID,
		FromNodeID: sess.CurrentNodeID,
		FromStatus: sess.Status,
		At:         now,
	})
	if err != nil {
		return nil, err
	}
	return r.sessions.Abandon(ctx, sess, events)
}

// DeleteSession removes a session and its dependent rows.
func (r *Runtime) DeleteSession(ctx context.Context, token string) error {
	sess, err := r.sessions.LoadAny(ctx, token)
	if err != nil {
		return err
	}
	events, err := r.eventsFor(ctx, schema.SessionTransition{
		EventType:  schema.EventSessionDeleted,
		Session:    sess,
		FromFlowID: sess.CurrentFlowID,
		FromNodeID: sess.CurrentNodeID,
		FromStatus: sess.Status,
		At:         r.now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.sessions.Delete(ctx, sess, events)
}

// --- Step cycle ---

type stepResult struct {
	session   *schema.Session
	outcome   *StepOutcome
	suspended bool
}

// step runs one load, guard, handle, commit and trace cycle. pinned > 0
// rejects a session found at another revision.
func (r *Runtime) step(ctx context.Context, token string, pinned int64, input any, inputType string, arrival bool) (*stepResult, error) {
	sess, err := r.sessions.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	if pinned > 0 && sess.Revision != pinned {
		return nil, schema.SessionConcurrency(sess.ID, pinned, sess.Revision)
	}
	ctx = logging.WithStep(ctx, sess.ID, sess.CurrentFlowID, sess.CurrentNodeID)
	log := logging.LogWith(ctx, r.logger)

	g, err := r.resolver.Resolve(ctx, sess.CurrentFlowID, sess.CurrentFlowVersion, flowgraph.ResolveOptions{})
	if err != nil {
		return nil, err
	}
	node, err := g.Node(sess.CurrentNodeID)
	if err != nil {
		return nil, err
	}

	ctx, span := r.otel.Start(ctx, "chatflow.step", trace.WithAttributes(
		attribute.String("chatflow.session_id", sess.ID),
		attribute.String("chatflow.flow_id", sess.CurrentFlowID),
		attribute.String("chatflow.node_id", node.NodeID),
		attribute.String("chatflow.node_type", string(node.NodeType)),
		attribute.Int64("chatflow.revision", sess.Revision),
	))
	defer span.End()

	in := StepInput{
		Session:   sess,
		Graph:     g,
		Node:      node,
		State:     expressions.CloneState(sess.State),
		Input:     input,
		InputType: inputType,
		Arrival:   arrival,
	}

	if arrival && SuspendsOnArrival(node) {
		out, err := r.executor.Execute(ctx, in)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		span.SetAttributes(attribute.Bool("chatflow.suspended", true))
		return &stepResult{session: sess, outcome: out, suspended: true}, nil
	}

	started := r.now().UTC()
	begin, err := r.guard.Begin(ctx, sess.ID, node.NodeID, sess.Revision, idempotency.InputHash(input))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	out, replayed, err := r.run(ctx, in, begin)
	if err != nil {
		if !replayed {
			if ferr := r.guard.Fail(ctx, begin.Key, err.Error(), nil); ferr != nil {
				log.WarnContext(ctx, "idempotency fail not recorded", slog.String("error", ferr.Error()))
			}
			r.trace(ctx, in, nil, "", started, err)
		}
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("chatflow.replayed", replayed),
		attribute.String("chatflow.connection_type", string(out.ConnectionType)))

	upd, transitions, err := r.route(sess, g, node, out, begin.Key)
	if err == nil {
		var events []schema.OutboxEvent
		events, err = r.eventsFor(ctx, transitions...)
		if err == nil {
			var committed *schema.Session
			committed, err = r.sessions.CommitStep(ctx, sess.ID, sess.Revision, upd, events, out.History)
			if err == nil {
				if !replayed {
					if cerr := r.guard.Complete(ctx, begin.Key, out); cerr != nil {
						log.WarnContext(ctx, "idempotency completion not recorded", slog.String("error", cerr.Error()))
					}
				}
				r.trace(ctx, in, out, upd.CurrentNodeID, started, nil)
				log.DebugContext(ctx, "step committed",
					slog.String("connection_type", string(out.ConnectionType)),
					slog.String("next_node_id", upd.CurrentNodeID),
					slog.Int64("revision", committed.Revision))
				return &stepResult{session: committed, outcome: out}, nil
			}
		}
	}

	// The handler ran but nothing was committed. Keep its outcome so a retry
	// at the same revision replays it instead of repeating side effects.
	if !replayed {
		if schema.IsConcurrencyConflict(err) {
			if ferr := r.guard.Fail(ctx, begin.Key, err.Error(), nil); ferr != nil {
				log.WarnContext(ctx, "idempotency fail not recorded", slog.String("error", ferr.Error()))
			}
		} else if cerr := r.guard.Complete(ctx, begin.Key, out); cerr != nil {
			log.WarnContext(ctx, "idempotency completion not recorded", slog.String("error", cerr.Error()))
		}
	}
	recordSpanError(span, err)
	return nil, err
}

// run executes the handler, or replays the outcome cached by a completed
// idempotency record. A node-processing error becomes a FAILURE outcome when
// the node has an exact FAILURE edge.
func (r *Runtime) run(ctx context.Context, in StepInput, begin idempotency.BeginResult) (*StepOutcome, bool, error) {
	if !begin.IsNew && begin.Existing != nil {
		var out StepOutcome
		if err := json.Unmarshal(begin.Existing.ResultData, &out); err != nil {
			return nil, true, schema.NewError(schema.ErrCodeStore, "cached step result is unreadable").WithCause(err)
		}
		if out.State == nil {
			out.State = in.State
		}
		return &out, true, nil
	}

	out, err := r.executor.Execute(ctx, in)
	if err == nil {
		return out, false, nil
	}
	if schema.IsNodeProcessing(err) && in.Graph.HasEdge(in.Node.NodeID, schema.ConnectionFailure) {
		failed := &StepOutcome{State: in.State, Details: errorDetails(err)}
		return failed.fail(err), false, nil
	}
	return nil, false, err
}

// route computes the session update for an outcome: a flow transfer, the
// selected edge, or a terminal transition that pops a composite frame or
// completes the session.
func (r *Runtime) route(sess *schema.Session, g *flowgraph.Graph, node *schema.FlowNode, out *StepOutcome,
	causation string) (store.StepUpdate, []schema.SessionTransition, error) {
	upd := store.StepUpdate{
		CurrentFlowID:      sess.CurrentFlowID,
		CurrentFlowVersion: sess.CurrentFlowVersion,
		CurrentNodeID:      node.NodeID,
		FlowStack:          append([]schema.FlowFrame(nil), sess.FlowStack...),
		State:              out.State,
	}

	if err := r.advanceTo(&upd, g, node, out); err != nil {
		return upd, nil, err
	}
	if upd.Status != nil {
		if err := schema.ValidateSessionTransition(sess.Status, *upd.Status); err != nil {
			return upd, nil, err
		}
	}

	now := r.now().UTC()
	projected := *sess
	projected.CurrentFlowID = upd.CurrentFlowID
	projected.CurrentFlowVersion = upd.CurrentFlowVersion
	projected.CurrentNodeID = upd.CurrentNodeID
	projected.FlowStack = upd.FlowStack
	projected.State = upd.State
	projected.Revision = sess.Revision + 1
	projected.LastActivityAt = now
	if upd.Status != nil {
		projected.Status = *upd.Status
		projected.EndedAt = &now
	}

	var transitions []schema.SessionTransition
	base := schema.SessionTransition{
		Session:     &projected,
		FromFlowID:  sess.CurrentFlowID,
		FromNodeID:  sess.CurrentNodeID,
		FromStatus:  sess.Status,
		CausationID: causation,
		At:          now,
	}
	if upd.CurrentNodeID != sess.CurrentNodeID || upd.CurrentFlowID != sess.CurrentFlowID {
		t := base
		t.EventType = schema.EventNodeChanged
		transitions = append(transitions, t)
	}
	if projected.Status != sess.Status {
		t := base
		t.EventType = schema.EventSessionStatusChanged
		transitions = append(transitions, t)
	}
	return upd, transitions, nil
}

func (r *Runtime) advanceTo(upd *store.StepUpdate, g *flowgraph.Graph, node *schema.FlowNode, out *StepOutcome) error {
	if t := out.Transfer; t != nil {
		upd.FlowStack = append(upd.FlowStack, t.Frame)
		upd.CurrentFlowID = t.FlowID
		upd.CurrentFlowVersion = t.Version
		upd.CurrentNodeID = t.EntryNodeID
		return nil
	}

	if !out.End {
		target, ok, err := g.Outgoing(node.NodeID, out.ConnectionType)
		if err != nil {
			return err
		}
		if ok {
			upd.CurrentNodeID = target
			return nil
		}
	}

	if n := len(upd.FlowStack); n > 0 {
		frame := upd.FlowStack[n-1]
		upd.FlowStack = upd.FlowStack[:n-1]
		// out.State may be cached for replay; pop on a copy.
		upd.State = expressions.CloneState(upd.State)
		popFrame(upd.State, frame)
		upd.CurrentFlowID = frame.ParentFlowID
		upd.CurrentFlowVersion = frame.ParentFlowVersion
		if frame.ReturnNodeID != "" {
			upd.CurrentNodeID = frame.ReturnNodeID
			return nil
		}
		upd.CurrentNodeID = frame.CompositeNodeID
	}

	completed := schema.SessionStatusCompleted
	upd.Status = &completed
	return nil
}

func (r *Runtime) eventsFor(ctx context.Context, transitions ...schema.SessionTransition) ([]schema.OutboxEvent, error) {
	if r.events == nil || len(transitions) == 0 {
		return nil, nil
	}
	events, err := r.events.EventsFor(ctx, transitions...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "build lifecycle events failed").WithCause(err)
	}
	return events, nil
}

func (r *Runtime) trace(ctx context.Context, in StepInput, out *StepOutcome, next string, started time.Time, stepErr error) {
	if r.tracer == nil || !in.Session.TraceEnabled {
		return
	}
	rec := tracer.StepRecord{
		SessionID:   in.Session.ID,
		FlowID:      in.Session.CurrentFlowID,
		NodeID:      in.Node.NodeID,
		NodeType:    in.Node.NodeType,
		StepNumber:  in.Session.Revision,
		Level:       in.Session.TraceLevel,
		StateBefore: in.Session.State,
		Input:       in.Input,
		NextNodeID:  next,
		StartedAt:   started,
		CompletedAt: r.now().UTC(),
		Err:         stepErr,
	}
	if out != nil {
		rec.StateAfter = out.State
		rec.Details = out.Details
		rec.ConnectionType = out.ConnectionType
		if out.Failed && stepErr == nil {
			rec.Err = errors.New(out.Error)
		}
	}
	r.tracer.Record(ctx, rec)
}

// --- Helpers ---

// seedState places scope-named keys of initial into their scope and every
// other key into context.
func seedState(initial map[string]any) map[string]any {
	seed := map[string]any{}
	ctxScope := map[string]any{}
	for k, v := range initial {
		if m, ok := v.(map[string]any); ok && expressions.IsScope(k) {
			seed[k] = m
			continue
		}
		ctxScope[k] = v
	}
	if len(ctxScope) > 0 {
		existing, _ := seed[schema.ScopeContext].(map[string]any)
		merged := make(map[string]any, len(existing)+len(ctxScope))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range ctxScope {
			merged[k] = v
		}
		seed[schema.ScopeContext] = merged
	}
	return expressions.NewState(seed)
}

func collect(res *AdvanceResult, sr *stepResult) {
	res.Messages = append(res.Messages, sr.outcome.Messages...)
	if sr.suspended {
		res.Prompt = sr.outcome.Prompt
	} else {
		res.Steps++
	}
	snapshot(res, sr.session)
}

func snapshot(res *AdvanceResult, sess *schema.Session) {
	res.SessionID = sess.ID
	res.SessionStatus = sess.Status
	res.CurrentFlowID = sess.CurrentFlowID
	res.CurrentNodeID = sess.CurrentNodeID
	res.Revision = sess.Revision
	if sess.Status != schema.SessionStatusActive {
		res.Prompt = nil
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
