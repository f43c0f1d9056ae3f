package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// InsertIdempotency inserts a PROCESSING record. It reports false when a
// record with the same key already exists.
func (s *LibSQLStore) InsertIdempotency(ctx context.Context, rec *schema.IdempotencyRecord) (bool, error) {
	if rec.Status == "" {
		rec.Status = schema.IdempotencyProcessing
	}
	if rec.Attempts == 0 {
		rec.Attempts = 1
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records
		   (idempotency_key, session_id, node_id, session_revision, status, input_hash, attempts, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.Key, rec.SessionID, rec.NodeID, rec.SessionRevision, string(rec.Status),
		nullStr(rec.InputHash), rec.Attempts, dbTime(rec.CreatedAt), dbTime(rec.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetIdempotency(ctx context.Context, key string) (*schema.IdempotencyRecord, error) {
	rec := &schema.IdempotencyRecord{}
	var (
		status, createdAt, expiresAt       string
		inputHash, result, errMsg, doneAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, session_id, node_id, session_revision, status, input_hash, result_data,
		        error_message, attempts, created_at, completed_at, expires_at
		 FROM idempotency_records WHERE idempotency_key = ?`, key,
	).Scan(&rec.Key, &rec.SessionID, &rec.NodeID, &rec.SessionRevision, &status, &inputHash, &result,
		&errMsg, &rec.Attempts, &createdAt, &doneAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("idempotency record", key)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.IdempotencyStatus(status)
	rec.InputHash = inputHash.String
	rec.ResultData = rawOrNil(result)
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = parseDBTime(createdAt)
	rec.CompletedAt = parseNullTime(doneAt)
	rec.ExpiresAt = parseDBTime(expiresAt)
	return rec, nil
}

// TakeoverIdempotency atomically reclaims a FAILED record or a PROCESSING
// record whose lease expired. It reports whether this caller won the row.
func (s *LibSQLStore) TakeoverIdempotency(ctx context.Context, key, inputHash string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = 'PROCESSING', attempts = attempts + 1, input_hash = ?, error_message = NULL,
		     result_data = NULL, completed_at = NULL, expires_at = ?
		 WHERE idempotency_key = ?
		   AND (status = 'FAILED' OR (status = 'PROCESSING' AND expires_at < ?))`,
		nullStr(inputHash), dbTime(expiresAt), key, dbTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("take over idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteIdempotency moves a PROCESSING record to COMPLETED.
func (s *LibSQLStore) CompleteIdempotency(ctx context.Context, key string, result []byte, at time.Time) error {
	return s.finishIdempotency(ctx, key, schema.IdempotencyCompleted, "", result, at)
}

// FailIdempotency moves a PROCESSING record to FAILED.
func (s *LibSQLStore) FailIdempotency(ctx context.Context, key, errMsg string, result []byte, at time.Time) error {
	return s.finishIdempotency(ctx, key, schema.IdempotencyFailed, errMsg, result, at)
}

func (s *LibSQLStore) finishIdempotency(ctx context.Context, key string, status schema.IdempotencyStatus,
	errMsg string, result []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = ?, result_data = ?, error_message = ?, completed_at = ?
		 WHERE idempotency_key = ? AND status = 'PROCESSING'`,
		string(status), nullRaw(result), nullStr(errMsg), dbTime(timeOrNow(at)), key,
	)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"idempotency record %q is not PROCESSING", key)
	}
	return nil
}

// PurgeIdempotency deletes records that expired before the given time.
func (s *LibSQLStore) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, dbTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
