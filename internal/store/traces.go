package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/pkg/schema"
)

// AppendStep appends a trace step, assigning a dense per-session step number
// as MAX+1 inside the insert transaction.
func (s *LibSQLStore) AppendStep(ctx context.Context, step *schema.ExecutionStep) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	step.StartedAt = timeOrNow(step.StartedAt)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(step_number), 0) + 1 FROM execution_steps WHERE session_id = ?`, step.SessionID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("get next step number: %w", err)
		}
		step.StepNumber = next

		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_steps
			   (id, session_id, flow_id, node_id, node_type, step_number, state_before, state_after,
			    execution_details, connection_type, next_node_id, started_at, completed_at, duration_ms,
			    error_message, error_details)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.SessionID, step.FlowID, step.NodeID, string(step.NodeType), step.StepNumber,
			nullRaw(step.StateBefore), nullRaw(step.StateAfter), nullRaw(step.ExecutionDetails),
			nullStr(string(step.ConnectionType)), nullStr(step.NextNodeID),
			dbTime(step.StartedAt), nullTime(step.CompletedAt), step.DurationMS,
			nullStr(step.ErrorMessage), nullRaw(step.ErrorDetails),
		)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		return nil
	})
}

// ListSteps returns a session's trace ordered by step number.
func (s *LibSQLStore) ListSteps(ctx context.Context, sessionID string) ([]schema.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, flow_id, node_id, node_type, step_number, state_before, state_after,
		        execution_details, connection_type, next_node_id, started_at, completed_at, duration_ms,
		        error_message, error_details
		 FROM execution_steps WHERE session_id = ? ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.ExecutionStep
	for rows.Next() {
		var st schema.ExecutionStep
		var (
			nodeType, startedAt                                  string
			before, after, details, ctype, next, doneAt, errMsg sql.NullString
			errDetails                                           sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.SessionID, &st.FlowID, &st.NodeID, &nodeType, &st.StepNumber,
			&before, &after, &details, &ctype, &next, &startedAt, &doneAt, &st.DurationMS,
			&errMsg, &errDetails); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.StateBefore = rawOrNil(before)
		st.StateAfter = rawOrNil(after)
		st.ExecutionDetails = rawOrNil(details)
		st.ConnectionType = schema.ConnectionType(ctype.String)
		st.NextNodeID = next.String
		st.StartedAt = parseDBTime(startedAt)
		st.CompletedAt = parseNullTime(doneAt)
		st.ErrorMessage = errMsg.String
		st.ErrorDetails = rawOrNil(errDetails)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// RecordTraceAccess appends a trace access audit row.
func (s *LibSQLStore) RecordTraceAccess(ctx context.Context, a *schema.TraceAccess) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.AccessedAt = timeOrNow(a.AccessedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_access_audit
		   (id, session_id, accessed_by, access_type, ip_address, user_agent, data_accessed, accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.AccessedBy, a.AccessType, nullStr(a.IPAddress), nullStr(a.UserAgent),
		nullRaw(a.DataAccessed), dbTime(a.AccessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trace access: %w", err)
	}
	return nil
}

// ListTraceAccess returns the audit rows of a session, oldest first.
func (s *LibSQLStore) ListTraceAccess(ctx context.Context, sessionID string) ([]schema.TraceAccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, accessed_by, access_type, ip_address, user_agent, data_accessed, accessed_at
		 FROM trace_access_audit WHERE session_id = ? ORDER BY accessed_at, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.TraceAccess
	for rows.Next() {
		var a schema.TraceAccess
		var ip, ua, data sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AccessedBy, &a.AccessType, &ip, &ua, &data, &at); err != nil {
			return nil, err
		}
		a.IPAddress = ip.String
		a.UserAgent = ua.String
		a.DataAccessed = rawOrNil(data)
		a.AccessedAt = parseDBTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeSteps deletes trace steps older than their flow's retention period.
func (s *LibSQLStore) PurgeSteps(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, retention_days FROM flows`)
	if err != nil {
		return 0, err
	}
	type retention struct {
		flowID string
		days   int
	}
	var flows []retention
	for rows.Next() {
		var r retention
		if err := rows.Scan(&r.flowID, &r.days); err != nil {
			rows.Close()
			return 0, err
		}
		flows = append(flows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, f := range flows {
		days := f.days
		if days <= 0 {
			days = schema.DefaultRetentionDays
		}
		cutoff := now.AddDate(0, 0, -days)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM execution_steps WHERE flow_id = ? AND started_at < ?`, f.flowID, dbTime(cutoff))
		if err != nil {
			return total, fmt.Errorf("purge steps of flow %s: %w", f.flowID, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
