package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/pkg/schema"
)

const sessionColumns = `id, session_token, user_id, flow_id, flow_version, current_flow_id, current_flow_version,
	current_node_id, flow_stack, state, status, revision, state_hash, trace_enabled, trace_level,
	started_at, last_activity_at, ended_at`

// StateHash returns the SHA-256 of the canonical JSON encoding of state.
// encoding/json sorts map keys, which makes the encoding canonical.
func StateHash(state map[string]any) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CreateSession inserts a session at revision 1 and enqueues events in the
// same transaction.
func (s *LibSQLStore) CreateSession(ctx context.Context, sess *schema.Session, events []schema.OutboxEvent) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Token == "" {
		sess.Token = uuid.New().String()
	}
	if sess.CurrentFlowID == "" {
		sess.CurrentFlowID = sess.FlowID
		sess.CurrentFlowVersion = sess.FlowVersion
	}
	if sess.Status == "" {
		sess.Status = schema.SessionStatusActive
	}
	if sess.TraceLevel == "" {
		sess.TraceLevel = schema.TraceLevelStandard
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	sess.Revision = 1
	sess.StartedAt = timeOrNow(sess.StartedAt)
	sess.LastActivityAt = sess.StartedAt

	hash, err := StateHash(sess.State)
	if err != nil {
		return err
	}
	sess.StateHash = hash

	state, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	stack, err := marshalNullable(sess.FlowStack)
	if err != nil {
		return fmt.Errorf("marshal flow stack: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Token, nullStr(sess.UserID), sess.FlowID, sess.FlowVersion,
			sess.CurrentFlowID, sess.CurrentFlowVersion, nullStr(sess.CurrentNodeID), stack,
			string(state), string(sess.Status), sess.Revision, sess.StateHash,
			boolInt(sess.TraceEnabled), string(sess.TraceLevel),
			dbTime(sess.StartedAt), dbTime(sess.LastActivityAt), nullTime(sess.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// GetSession returns a session by id regardless of status.
func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*schema.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, schema.SessionNotFound(id)
	}
	return sess, err
}

// GetSessionByToken returns a session by its token regardless of status.
func (s *LibSQLStore) GetSessionByToken(ctx context.Context, token string) (*schema.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, schema.SessionNotFound(token)
	}
	return sess, err
}

// CommitStep applies update to the session if it is still at
// expectedRevision, incrementing the revision by exactly one. Outbox events
// and history entries are written in the same transaction.
func (s *LibSQLStore) CommitStep(ctx context.Context, sessionID string, expectedRevision int64, update StepUpdate,
	events []schema.OutboxEvent, history []schema.HistoryEntry) (*schema.Session, error) {

	at := timeOrNow(update.At)
	if update.State == nil {
		update.State = map[string]any{}
	}
	hash, err := StateHash(update.State)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(update.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	stack, err := marshalNullable(update.FlowStack)
	if err != nil {
		return nil, fmt.Errorf("marshal flow stack: %w", err)
	}

	var committed *schema.Session
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		var revision int64
		err := tx.QueryRowContext(ctx, `SELECT status, revision FROM sessions WHERE id = ?`, sessionID).
			Scan(&status, &revision)
		if err == sql.ErrNoRows {
			return schema.SessionNotFound(sessionID)
		}
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if revision != expectedRevision {
			return schema.SessionConcurrency(sessionID, expectedRevision, revision)
		}

		from := schema.SessionStatus(status)
		if from != schema.SessionStatusActive {
			return schema.SessionInactive(sessionID, from)
		}
		to := from
		if update.Status != nil {
			to = *update.Status
		}
		if err := schema.ValidateSessionTransition(from, to); err != nil {
			return err
		}

		var endedAt any
		if to != schema.SessionStatusActive {
			endedAt = dbTime(at)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET
			   current_flow_id = ?, current_flow_version = ?, current_node_id = ?, flow_stack = ?,
			   state = ?, state_hash = ?, status = ?, revision = revision + 1,
			   last_activity_at = ?, ended_at = COALESCE(?, ended_at)
			 WHERE id = ? AND revision = ?`,
			update.CurrentFlowID, update.CurrentFlowVersion, nullStr(update.CurrentNodeID), stack,
			string(state), hash, string(to), dbTime(at), endedAt,
			sessionID, expectedRevision,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var actual int64
			err := tx.QueryRowContext(ctx, `SELECT revision FROM sessions WHERE id = ?`, sessionID).Scan(&actual)
			if err == sql.ErrNoRows {
				return schema.SessionNotFound(sessionID)
			}
			return schema.SessionConcurrency(sessionID, expectedRevision, actual)
		}

		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, sessionID, history, at); err != nil {
			return err
		}

		committed, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// DeleteSession removes a session with its history, trace and idempotency
// rows, enqueueing events in the same transaction.
func (s *LibSQLStore) DeleteSession(ctx context.Context, id string, events []schema.OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return schema.SessionNotFound(id)
		}
		return nil
	})
}

// ListHistory returns a session's conversation history in insertion order.
func (s *LibSQLStore) ListHistory(ctx context.Context, sessionID string) ([]schema.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, node_id, interaction_type, content, created_at
		 FROM conversation_history WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []schema.HistoryEntry
	for rows.Next() {
		var e schema.HistoryEntry
		var itype, content, createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.NodeID, &itype, &content, &createdAt); err != nil {
			return nil, err
		}
		e.InteractionType = schema.InteractionType(itype)
		e.Content = json.RawMessage(content)
		e.CreatedAt = parseDBTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListStaleSessions returns ACTIVE sessions with no activity since inactiveSince.
func (s *LibSQLStore) ListStaleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]*schema.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'ACTIVE' AND last_activity_at < ? ORDER BY last_activity_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, dbTime(inactiveSince))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*schema.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*schema.Session, error) {
	sess := &schema.Session{}
	var (
		userID, nodeID, stack, endedAt         sql.NullString
		state, status, level, started, lastAct string
	)
	err := row.Scan(&sess.ID, &sess.Token, &userID, &sess.FlowID, &sess.FlowVersion,
		&sess.CurrentFlowID, &sess.CurrentFlowVersion, &nodeID, &stack, &state, &status,
		&sess.Revision, &sess.StateHash, &sess.TraceEnabled, &level, &started, &lastAct, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.UserID = userID.String
	sess.CurrentNodeID = nodeID.String
	sess.Status = schema.SessionStatus(status)
	sess.TraceLevel = schema.TraceLevel(level)
	sess.StartedAt = parseDBTime(started)
	sess.LastActivityAt = parseDBTime(lastAct)
	sess.EndedAt = parseNullTime(endedAt)

	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	if stack.Valid && stack.String != "" {
		if err := json.Unmarshal([]byte(stack.String), &sess.FlowStack); err != nil {
			return nil, fmt.Errorf("unmarshal flow stack: %w", err)
		}
	}
	return sess, nil
}

func insertHistory(ctx context.Context, q querier, sessionID string, entries []schema.HistoryEntry, at time.Time) error {
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.SessionID = sessionID
		e.CreatedAt = timeOr(e.CreatedAt, at)
		content := e.Content
		if len(content) == 0 {
			content = json.RawMessage("{}")
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO conversation_history (id, session_id, node_id, interaction_type, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, sessionID, e.NodeID, string(e.InteractionType), string(content), dbTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}
