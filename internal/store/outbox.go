package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/pkg/schema"
)

const outboxColumns = `id, event_type, event_version, source_service, destination, routing_key, payload, headers,
	status, priority, retry_count, max_retries, next_retry_at, last_error, error_details,
	correlation_id, causation_id, session_id, flow_id, user_id, created_at, updated_at, processed_at`

// EnqueueEvents inserts PENDING events outside of a session commit.
func (s *LibSQLStore) EnqueueEvents(ctx context.Context, events []schema.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, events)
	})
}

func insertEvents(ctx context.Context, q querier, events []schema.OutboxEvent) error {
	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Status == "" {
			e.Status = schema.EventStatusPending
		}
		if e.Priority == 0 {
			e.Priority = schema.PriorityNormal
		}
		if e.MaxRetries == 0 {
			e.MaxRetries = schema.DefaultEventMaxRetries
		}
		if e.EventVersion == "" {
			e.EventVersion = "1.0"
		}
		if e.SourceService == "" {
			e.SourceService = "chatflow"
		}
		e.CreatedAt = timeOrNow(e.CreatedAt)
		e.UpdatedAt = e.CreatedAt
		if e.NextRetryAt == nil {
			t := e.CreatedAt
			e.NextRetryAt = &t
		}

		headers, err := marshalNullable(e.Headers)
		if err != nil {
			return fmt.Errorf("marshal event headers: %w", err)
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}

		_, err = q.ExecContext(ctx,
			`INSERT INTO outbox_events (`+outboxColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EventType, e.EventVersion, e.SourceService, e.Destination, nullStr(e.RoutingKey),
			string(payload), headers, string(e.Status), int(e.Priority), e.RetryCount, e.MaxRetries,
			nullTime(e.NextRetryAt), nullStr(e.LastError), nullRaw(e.ErrorDetails),
			nullStr(e.CorrelationID), nullStr(e.CausationID), nullStr(e.SessionID), nullStr(e.FlowID),
			nullStr(e.UserID), dbTime(e.CreatedAt), dbTime(e.UpdatedAt), nullTime(e.ProcessedAt),
		)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*schema.OutboxEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("outbox event", id)
	}
	return e, err
}

// ClaimDueEvents marks up to limit due PENDING events PROCESSING and returns
// them, highest priority first, then oldest first.
func (s *LibSQLStore) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]*schema.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var claimed []*schema.OutboxEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_events
			 WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			 ORDER BY priority DESC, created_at ASC
			 LIMIT ?`, dbTime(now), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_events SET status = 'PROCESSING', updated_at = ? WHERE id = ? AND status = 'PENDING'`,
				dbTime(now), e.ID); err != nil {
				return fmt.Errorf("claim event %s: %w", e.ID, err)
			}
			e.Status = schema.EventStatusProcessing
			e.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkEventPublished records a successful delivery.
func (s *LibSQLStore) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	at = timeOrNow(at)
	return s.transitionEvent(ctx, id, schema.EventStatusPublished,
		`processed_at = ?, last_error = NULL`, dbTime(at))
}

// MarkEventRetry returns an event to PENDING for another attempt at nextRetryAt.
func (s *LibSQLStore) MarkEventRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	return s.transitionEvent(ctx, id, schema.EventStatusPending,
		`retry_count = ?, next_retry_at = ?, last_error = ?`, retryCount, dbTime(nextRetryAt), nullStr(lastErr))
}

// MarkEventDeadLetter parks an event whose retries are exhausted.
func (s *LibSQLStore) MarkEventDeadLetter(ctx context.Context, id string, retryCount int, lastErr string) error {
	return s.transitionEvent(ctx, id, schema.EventStatusDeadLetter,
		`retry_count = ?, next_retry_at = NULL, last_error = ?`, retryCount, nullStr(lastErr))
}

// MarkEventFailed parks an event after a non-retryable failure.
func (s *LibSQLStore) MarkEventFailed(ctx context.Context, id string, lastErr string) error {
	return s.transitionEvent(ctx, id, schema.EventStatusFailed,
		`next_retry_at = NULL, last_error = ?`, nullStr(lastErr))
}

// RetryEvent resets a FAILED or DEAD_LETTER event to PENDING with a fresh retry budget.
func (s *LibSQLStore) RetryEvent(ctx context.Context, id string, at time.Time) error {
	at = timeOrNow(at)
	return s.transitionEvent(ctx, id, schema.EventStatusPending,
		`retry_count = 0, next_retry_at = ?, last_error = NULL`, dbTime(at))
}

// transitionEvent moves an event to status `to` along the transition table,
// applying the extra assignments in sets.
func (s *LibSQLStore) transitionEvent(ctx context.Context, id string, to schema.EventStatus, sets string, args ...any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("outbox event", id)
		}
		if err != nil {
			return err
		}
		from := schema.EventStatus(current)
		if err := schema.ValidateEventTransition(from, to); err != nil {
			return err
		}

		query := `UPDATE outbox_events SET status = ?, updated_at = ?, ` + sets + ` WHERE id = ? AND status = ?`
		full := append([]any{string(to), dbTime(time.Now())}, args...)
		full = append(full, id, current)
		res, err := tx.ExecContext(ctx, query, full...)
		if err != nil {
			return fmt.Errorf("update outbox event: %w", err)
		}
		return checkRowsAffected(res, "outbox event", id)
	})
}

// ListFailedEvents lists FAILED and DEAD_LETTER events, newest first.
func (s *LibSQLStore) ListFailedEvents(ctx context.Context, limit int) ([]*schema.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		 WHERE status IN ('FAILED', 'DEAD_LETTER') ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecoverStuckEvents re-queues PROCESSING events not updated since olderThan,
// left behind by a crashed worker.
func (s *LibSQLStore) RecoverStuckEvents(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING', next_retry_at = ?, updated_at = ?
		 WHERE status = 'PROCESSING' AND updated_at < ?`,
		dbTime(now), dbTime(now), dbTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvent(row rowScanner) (*schema.OutboxEvent, error) {
	e := &schema.OutboxEvent{}
	var (
		routingKey, headers, nextRetry, lastErr, errDetails      sql.NullString
		correlation, causation, sessionID, flowID, userID, doneAt sql.NullString
		payload, status, createdAt, updatedAt                     string
		priority                                                  int
	)
	err := row.Scan(&e.ID, &e.EventType, &e.EventVersion, &e.SourceService, &e.Destination, &routingKey,
		&payload, &headers, &status, &priority, &e.RetryCount, &e.MaxRetries, &nextRetry, &lastErr,
		&errDetails, &correlation, &causation, &sessionID, &flowID, &userID, &createdAt, &updatedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	e.RoutingKey = routingKey.String
	e.Payload = json.RawMessage(payload)
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &e.Headers)
	}
	e.Status = schema.EventStatus(status)
	e.Priority = schema.EventPriority(priority)
	e.NextRetryAt = parseNullTime(nextRetry)
	e.LastError = lastErr.String
	e.ErrorDetails = rawOrNil(errDetails)
	e.CorrelationID = correlation.String
	e.CausationID = causation.String
	e.SessionID = sessionID.String
	e.FlowID = flowID.String
	e.UserID = userID.String
	e.CreatedAt = parseDBTime(createdAt)
	e.UpdatedAt = parseDBTime(updatedAt)
	e.ProcessedAt = parseNullTime(doneAt)
	return e, nil
}
