package store

import (
	"context"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	FlowStore
	SessionStore
	IdempotencyStore
	TraceStore
	OutboxStore
	SubscriptionStore

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FlowStore persists flow definitions with their nodes and connections.
type FlowStore interface {
	SaveFlow(ctx context.Context, def *schema.FlowDefinition) error
	GetFlow(ctx context.Context, id string) (*schema.FlowDefinition, error)
	PublishFlow(ctx context.Context, id string, at time.Time) error
	SetFlowActive(ctx context.Context, id string, active bool) error
	ListFlows(ctx context.Context, filter FlowFilter) ([]*schema.FlowDefinition, error)
}

// SessionStore is the only write path into session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *schema.Session, events []schema.OutboxEvent) error
	GetSession(ctx context.Context, id string) (*schema.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*schema.Session, error)
	CommitStep(ctx context.Context, sessionID string, expectedRevision int64, update StepUpdate,
		events []schema.OutboxEvent, history []schema.HistoryEntry) (*schema.Session, error)
	DeleteSession(ctx context.Context, id string, events []schema.OutboxEvent) error
	ListHistory(ctx context.Context, sessionID string) ([]schema.HistoryEntry, error)
	ListStaleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]*schema.Session, error)
}

// IdempotencyStore persists (session, node, revision) step guards.
type IdempotencyStore interface {
	InsertIdempotency(ctx context.Context, rec *schema.IdempotencyRecord) (bool, error)
	GetIdempotency(ctx context.Context, key string) (*schema.IdempotencyRecord, error)
	TakeoverIdempotency(ctx context.Context, key, inputHash string, now, expiresAt time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, result []byte, at time.Time) error
	FailIdempotency(ctx context.Context, key, errMsg string, result []byte, at time.Time) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// TraceStore persists execution steps and the trace access audit.
type TraceStore interface {
	AppendStep(ctx context.Context, step *schema.ExecutionStep) error
	ListSteps(ctx context.Context, sessionID string) ([]schema.ExecutionStep, error)
	RecordTraceAccess(ctx context.Context, access *schema.TraceAccess) error
	PurgeSteps(ctx context.Context, now time.Time) (int64, error)
}

// OutboxStore persists outbox events and moves them through delivery states.
type OutboxStore interface {
	EnqueueEvents(ctx context.Context, events []schema.OutboxEvent) error
	GetEvent(ctx context.Context, id string) (*schema.OutboxEvent, error)
	ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]*schema.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id string, at time.Time) error
	MarkEventRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error
	MarkEventDeadLetter(ctx context.Context, id string, retryCount int, lastErr string) error
	MarkEventFailed(ctx context.Context, id string, lastErr string) error
	RetryEvent(ctx context.Context, id string, at time.Time) error
	ListFailedEvents(ctx context.Context, limit int) ([]*schema.OutboxEvent, error)
	RecoverStuckEvents(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// SubscriptionStore persists webhook subscriptions and their health counters.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*schema.WebhookSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status schema.SubscriptionStatus) error
	RecordDelivery(ctx context.Context, id string, success bool, at time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
}
