// Package session owns the lifecycle of conversation sessions on top of the
// revision-gated store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

// NewSession describes a session to create.
type NewSession struct {
	// ID is generated when empty.
	ID           string
	FlowID       string
	FlowVersion  string
	EntryNodeID  string
	UserID       string
	Token        string
	State        map[string]any
	TraceEnabled bool
	TraceLevel   schema.TraceLevel
}

// Manager loads, creates and commits sessions.
type Manager struct {
	store  store.SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager over s.
func NewManager(s store.SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger, now: time.Now}
}

// Load returns the ACTIVE session with the given token.
func (m *Manager) Load(ctx context.Context, token string) (*schema.Session, error) {
	sess, err := m.LoadAny(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Status != schema.SessionStatusActive {
		return nil, schema.SessionInactive(sess.ID, sess.Status)
	}
	return sess, nil
}

// LoadAny returns the session with the given token regardless of status.
func (m *Manager) LoadAny(ctx context.Context, token string) (*schema.Session, error) {
	sess, err := m.store.GetSessionByToken(ctx, token)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.SessionNotFound(token)
		}
		return nil, wrapStore(err, "load session")
	}
	return sess, nil
}

// Create inserts a session at revision 1 positioned at the entry node and
// enqueues events in the same transaction.
func (m *Manager) Create(ctx context.Context, ns NewSession, events []schema.OutboxEvent) (*schema.Session, error) {
	token := ns.Token
	if token == "" {
		token = uuid.New().String()
	}
	id := ns.ID
	if id == "" {
		id = uuid.New().String()
	}
	level := ns.TraceLevel
	if level == "" {
		level = schema.TraceLevelStandard
	}
	now := m.now().UTC()

	sess := &schema.Session{
		ID:                 id,
		Token:              token,
		UserID:             ns.UserID,
		FlowID:             ns.FlowID,
		FlowVersion:        ns.FlowVersion,
		CurrentFlowID:      ns.FlowID,
		CurrentFlowVersion: ns.FlowVersion,
		CurrentNodeID:      ns.EntryNodeID,
		State:              expressions.NewState(ns.State),
		Status:             schema.SessionStatusActive,
		TraceEnabled:       ns.TraceEnabled,
		TraceLevel:         level,
		StartedAt:          now,
	}
	for i := range events {
		if events[i].SessionID == "" {
			events[i].SessionID = sess.ID
		}
	}

	if err := m.store.CreateSession(ctx, sess, events); err != nil {
		return nil, wrapStore(err, "create session")
	}
	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", sess.ID), slog.String("flow_id", sess.FlowID),
		slog.String("node_id", sess.CurrentNodeID))
	return sess, nil
}

// CommitStep applies one step to the session, gated on expectedRevision.
func (m *Manager) CommitStep(ctx context.Context, sessionID string, expectedRevision int64, update store.StepUpdate,
	events []schema.OutboxEvent, history []schema.HistoryEntry) (*schema.Session, error) {
	if update.At.IsZero() {
		update.At = m.now().UTC()
	}
	sess, err := m.store.CommitStep(ctx, sessionID, expectedRevision, update, events, history)
	if err != nil {
		return nil, wrapStore(err, "commit step")
	}
	return sess, nil
}

// Abandon moves an ACTIVE session to ABANDONED through a regular commit.
func (m *Manager) Abandon(ctx context.Context, sess *schema.Session, events []schema.OutboxEvent) (*schema.Session, error) {
	abandoned := schema.SessionStatusAbandoned
	return m.CommitStep(ctx, sess.ID, sess.Revision, store.StepUpdate{
		CurrentFlowID:      sess.CurrentFlowID,
		CurrentFlowVersion: sess.CurrentFlowVersion,
		CurrentNodeID:      sess.CurrentNodeID,
		FlowStack:          sess.FlowStack,
		State:              sess.State,
		Status:             &abandoned,
	}, events, nil)
}

// Delete removes a session with its history, trace and idempotency rows.
func (m *Manager) Delete(ctx context.Context, sess *schema.Session, events []schema.OutboxEvent) error {
	if err := m.store.DeleteSession(ctx, sess.ID, events); err != nil {
		return wrapStore(err, "delete session")
	}
	m.logger.InfoContext(ctx, "session deleted", slog.String("session_id", sess.ID))
	return nil
}

// History returns the conversation history of a session.
func (m *Manager) History(ctx context.Context, sessionID string) ([]schema.HistoryEntry, error) {
	h, err := m.store.ListHistory(ctx, sessionID)
	if err != nil {
		return nil, wrapStore(err, "list history")
	}
	return h, nil
}

// Stale lists ACTIVE sessions idle since before the given time.
func (m *Manager) Stale(ctx context.Context, idleSince time.Time, limit int) ([]*schema.Session, error) {
	sessions, err := m.store.ListStaleSessions(ctx, idleSince, limit)
	if err != nil {
		return nil, wrapStore(err, "list stale sessions")
	}
	return sessions, nil
}

// wrapStore passes domain errors through and tags everything else STORE_ERROR.
func wrapStore(err error, op string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}
