// Package idempotency guards node steps so that each (session, node,
// revision) side effect runs at most once under retries and races.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// DefaultTTL bounds how long a PROCESSING record blocks other attempts and
// how long results stay replayable.
const DefaultTTL = 24 * time.Hour

// Store is the persistence the guard needs. Satisfied by store.LibSQLStore.
type Store interface {
	InsertIdempotency(ctx context.Context, rec *schema.IdempotencyRecord) (bool, error)
	GetIdempotency(ctx context.Context, key string) (*schema.IdempotencyRecord, error)
	TakeoverIdempotency(ctx context.Context, key, inputHash string, now, expiresAt time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, result []byte, at time.Time) error
	FailIdempotency(ctx context.Context, key, errMsg string, result []byte, at time.Time) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// BeginResult reports whether the caller owns the step. When IsNew is false,
// Existing holds the completed record whose result must be reused.
type BeginResult struct {
	Key      string
	IsNew    bool
	Existing *schema.IdempotencyRecord
}

// Guard hands out step ownership backed by idempotency records.
type Guard struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Key is the hex SHA-256 of "session:node:revision".
func Key(sessionID, nodeID string, revision int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", sessionID, nodeID, revision)))
	return hex.EncodeToString(sum[:])
}

// InputHash fingerprints a step's user input. A nil input hashes to "".
func InputHash(input any) string {
	if input == nil {
		return ""
	}
	b, err := json.Marshal(input)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", input))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StepInProgress reports another live attempt holding the step.
func StepInProgress(key string) *schema.FlowError {
	return schema.NewError(schema.ErrCodeStepInProgress, "step is already being processed").
		WithDetails(map[string]any{"idempotency_key": key})
}

// maxBeginRounds bounds re-reads when a takeover race is lost.
const maxBeginRounds = 3

// Begin claims the step for (sessionID, nodeID, revision).
func (g *Guard) Begin(ctx context.Context, sessionID, nodeID string, revision int64, inputHash string) (BeginResult, error) {
	key := Key(sessionID, nodeID, revision)
	res := BeginResult{Key: key}

	for round := 0; round < maxBeginRounds; round++ {
		now := g.now().UTC()
		inserted, err := g.store.InsertIdempotency(ctx, &schema.IdempotencyRecord{
			Key:             key,
			SessionID:       sessionID,
			NodeID:          nodeID,
			SessionRevision: revision,
			Status:          schema.IdempotencyProcessing,
			InputHash:       inputHash,
			Attempts:        1,
			CreatedAt:       now,
			ExpiresAt:       now.Add(g.ttl),
		})
		if err != nil {
			return res, storeError(err)
		}
		if inserted {
			res.IsNew = true
			return res, nil
		}

		existing, err := g.store.GetIdempotency(ctx, key)
		if schema.IsNotFound(err) {
			continue // purged between insert and read
		}
		if err != nil {
			return res, storeError(err)
		}

		switch existing.Status {
		case schema.IdempotencyCompleted:
			if existing.InputHash != inputHash {
				return res, schema.NewErrorf(schema.ErrCodeSessionConcurrency,
					"revision %d of session %s was already consumed by a different input", revision, sessionID).
					WithDetails(map[string]any{
						"session_id":        sessionID,
						"node_id":           nodeID,
						"expected_revision": revision,
					})
			}
			res.Existing = existing
			return res, nil

		case schema.IdempotencyProcessing:
			if now.Before(existing.ExpiresAt) {
				return res, StepInProgress(key)
			}
		}

		// Expired PROCESSING or FAILED: try to take it over.
		won, err := g.store.TakeoverIdempotency(ctx, key, inputHash, now, now.Add(g.ttl))
		if err != nil {
			return res, storeError(err)
		}
		if won {
			res.IsNew = true
			return res, nil
		}
	}
	return res, StepInProgress(key)
}

// Complete records a successful step result.
func (g *Guard) Complete(ctx context.Context, key string, result any) error {
	b, err := marshalResult(result)
	if err != nil {
		return err
	}
	if err := g.store.CompleteIdempotency(ctx, key, b, g.now().UTC()); err != nil {
		return storeError(err)
	}
	return nil
}

// Fail records a failed step so that a later attempt may retry it.
func (g *Guard) Fail(ctx context.Context, key, errMsg string, result any) error {
	b, err := marshalResult(result)
	if err != nil {
		return err
	}
	if err := g.store.FailIdempotency(ctx, key, errMsg, b, g.now().UTC()); err != nil {
		return storeError(err)
	}
	return nil
}

// PurgeExpired deletes records that expired before now.
func (g *Guard) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := g.store.PurgeIdempotency(ctx, now)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func marshalResult(result any) ([]byte, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to encode step result").WithCause(err)
	}
	return b, nil
}

func storeError(err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, "idempotency store failure").WithCause(err)
}
