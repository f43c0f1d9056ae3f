package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/pkg/schema"
)

const subscriptionColumns = `id, name, url, method, headers, timeout_seconds, max_retries, event_types, flow_id,
	status, consecutive_failures, last_success_at, last_failure_at, created_at, updated_at`

// CreateSubscription inserts a webhook subscription. The signing secret is
// not stored here; it lives in the vault under secrets.SubscriptionKey.
func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Method == "" {
		sub.Method = "POST"
	}
	if sub.TimeoutSeconds <= 0 {
		sub.TimeoutSeconds = 30
	}
	if sub.MaxRetries <= 0 {
		sub.MaxRetries = schema.DefaultEventMaxRetries
	}
	if sub.Status == "" {
		sub.Status = schema.SubscriptionActive
	}
	sub.CreatedAt = timeOrNow(sub.CreatedAt)
	sub.UpdatedAt = sub.CreatedAt

	headers, err := marshalNullable(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal subscription headers: %w", err)
	}
	eventTypes, err := marshalNullable(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal subscription event types: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.URL, sub.Method, headers, sub.TimeoutSeconds, sub.MaxRetries, eventTypes,
		nullStr(sub.FlowID), string(sub.Status), sub.ConsecutiveFailures,
		nullTime(sub.LastSuccessAt), nullTime(sub.LastFailureAt), dbTime(sub.CreatedAt), dbTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subscription", id)
	}
	return sub, err
}

func (s *LibSQLStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*schema.WebhookSubscription, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.FlowID != "" {
		where = append(where, "(flow_id IS NULL OR flow_id = ?)")
		args = append(args, filter.FlowID)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*schema.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *LibSQLStore) UpdateSubscriptionStatus(ctx context.Context, id string, status schema.SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), dbTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subscription", id)
}

// RecordDelivery updates a subscription's health counters after a delivery attempt.
func (s *LibSQLStore) RecordDelivery(ctx context.Context, id string, success bool, at time.Time) error {
	at = timeOrNow(at)
	query := `UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1, last_failure_at = ?, updated_at = ? WHERE id = ?`
	if success {
		query = `UPDATE webhook_subscriptions
		SET consecutive_failures = 0, last_success_at = ?, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, dbTime(at), dbTime(at), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subscription", id)
}

func (s *LibSQLStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subscription", id)
}

func scanSubscription(row rowScanner) (*schema.WebhookSubscription, error) {
	sub := &schema.WebhookSubscription{}
	var (
		headers, eventTypes, flowID, lastOK, lastFail sql.NullString
		status, createdAt, updatedAt                  string
	)
	err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Method, &headers, &sub.TimeoutSeconds, &sub.MaxRetries,
		&eventTypes, &flowID, &status, &sub.ConsecutiveFailures, &lastOK, &lastFail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &sub.Headers)
	}
	if eventTypes.Valid && eventTypes.String != "" {
		_ = json.Unmarshal([]byte(eventTypes.String), &sub.EventTypes)
	}
	sub.FlowID = flowID.String
	sub.Status = schema.SubscriptionStatus(status)
	sub.LastSuccessAt = parseNullTime(lastOK)
	sub.LastFailureAt = parseNullTime(lastFail)
	sub.CreatedAt = parseDBTime(createdAt)
	sub.UpdatedAt = parseDBTime(updatedAt)
	return sub, nil
}
