package schema

import (
	"encoding/json"
	"time"
)

// Lifecycle event types published through the outbox.
const (
	EventSessionStarted       = "session_started"
	EventNodeChanged          = "node_changed"
	EventSessionStatusChanged = "session_status_changed"
	EventSessionDeleted       = "session_deleted"
)

// LifecycleEventTypes lists every event type a subscription may filter on.
func LifecycleEventTypes() []string {
	return []string{EventSessionStarted, EventNodeChanged, EventSessionStatusChanged, EventSessionDeleted}
}

// Outbox destination prefixes.
const (
	DestinationWebhook  = "webhook:"
	DestinationInternal = "internal:"
	DestinationRedis    = "redis:"
)

// EventStatus represents the delivery state of an outbox event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusPublished  EventStatus = "PUBLISHED"
	EventStatusFailed     EventStatus = "FAILED"
	EventStatusDeadLetter EventStatus = "DEAD_LETTER"
)

// EventPriority orders delivery; higher values are claimed first.
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 5
	PriorityHigh     EventPriority = 8
	PriorityCritical EventPriority = 10
)

func (p EventPriority) String() string {
	switch {
	case p >= PriorityCritical:
		return "CRITICAL"
	case p >= PriorityHigh:
		return "HIGH"
	case p >= PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// DefaultEventMaxRetries bounds delivery attempts of an outbox event.
const DefaultEventMaxRetries = 3

// OutboxEvent is a durable, at-least-once delivery record.
type OutboxEvent struct {
	ID            string            `json:"id"`
	EventType     string            `json:"event_type"`
	EventVersion  string            `json:"event_version"`
	SourceService string            `json:"source_service"`
	Destination   string            `json:"destination"`
	RoutingKey    string            `json:"routing_key,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Status        EventStatus       `json:"status"`
	Priority      EventPriority     `json:"priority"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	ErrorDetails  json.RawMessage   `json:"error_details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	FlowID        string            `json:"flow_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
}

// SubscriptionStatus is the state of a webhook subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPaused   SubscriptionStatus = "PAUSED"
	SubscriptionDisabled SubscriptionStatus = "DISABLED"
)

// UnhealthyFailureThreshold is the consecutive failure count at which a
// subscription stops being reported healthy.
const UnhealthyFailureThreshold = 5

// WebhookSubscription registers an external endpoint for lifecycle events.
type WebhookSubscription struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	URL                 string             `json:"url"`
	Secret              string             `json:"secret,omitempty"`
	Method              string             `json:"method"`
	Headers             map[string]string  `json:"headers,omitempty"`
	TimeoutSeconds      int                `json:"timeout_seconds"`
	MaxRetries          int                `json:"max_retries"`
	EventTypes          []string           `json:"event_types,omitempty"`
	FlowID              string             `json:"flow_id,omitempty"`
	Status              SubscriptionStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastSuccessAt       *time.Time         `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time         `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Healthy reports whether the subscription is below the failure threshold.
func (s *WebhookSubscription) Healthy() bool {
	return s.ConsecutiveFailures < UnhealthyFailureThreshold
}

// Matches reports whether the subscription wants events of eventType for flowID.
func (s *WebhookSubscription) Matches(eventType, flowID string) bool {
	if s.Status != SubscriptionActive {
		return false
	}
	if s.FlowID != "" && s.FlowID != flowID {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// SessionTransition describes one session change that produces lifecycle
// events. FromNodeID/FromStatus are empty for session_started.
type SessionTransition struct {
	EventType   string
	Session     *Session
	FromFlowID  string
	FromNodeID  string
	FromStatus  SessionStatus
	CausationID string
	At          time.Time
}
