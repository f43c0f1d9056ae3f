// Package outbox turns session transitions into durable lifecycle events and
// delivers them to webhook subscribers, the in-process bus and Redis.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

// Payload is the JSON body of every lifecycle event.
type Payload struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	FlowID    string         `json:"flow_id"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// BuilderConfig selects the optional non-webhook destinations.
type BuilderConfig struct {
	// InternalTopic adds an internal:<topic> row per transition when set.
	InternalTopic string
	// RedisList adds a redis:<list> row per transition when set.
	RedisList string
}

// SubscriptionLister lists webhook subscriptions.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]*schema.WebhookSubscription, error)
}

// Builder produces outbox rows for session transitions. It satisfies the
// engine's EventSource.
type Builder struct {
	subs SubscriptionLister
	cfg  BuilderConfig
}

// NewBuilder creates a Builder. subs may be nil when no webhook
// subscriptions are used.
func NewBuilder(subs SubscriptionLister, cfg BuilderConfig) *Builder {
	return &Builder{subs: subs, cfg: cfg}
}

// EventsFor loads the ACTIVE subscriptions once and builds the rows of every
// transition.
func (b *Builder) EventsFor(ctx context.Context, transitions ...schema.SessionTransition) ([]schema.OutboxEvent, error) {
	if len(transitions) == 0 {
		return nil, nil
	}
	var subs []*schema.WebhookSubscription
	if b.subs != nil {
		var err error
		subs, err = b.subs.ListSubscriptions(ctx, store.SubscriptionFilter{Status: schema.SubscriptionActive})
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
	}
	var out []schema.OutboxEvent
	for _, t := range transitions {
		events, err := Build(t, subs, b.cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

// Build returns the rows for one transition: one per matching subscription,
// plus the configured internal and redis destinations.
func Build(t schema.SessionTransition, subs []*schema.WebhookSubscription, cfg BuilderConfig) ([]schema.OutboxEvent, error) {
	if t.Session == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transition %q has no session", t.EventType)
	}
	sess := t.Session
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	body, err := json.Marshal(Payload{
		EventType: t.EventType,
		Timestamp: at,
		SessionID: sess.ID,
		FlowID:    sess.FlowID,
		UserID:    sess.UserID,
		Data:      eventData(t),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t.EventType, err)
	}

	priority := schema.PriorityNormal
	if t.EventType == schema.EventSessionStatusChanged {
		priority = schema.PriorityHigh
	}
	row := func(destination string, maxRetries int) schema.OutboxEvent {
		return schema.OutboxEvent{
			EventType:     t.EventType,
			Destination:   destination,
			RoutingKey:    t.EventType,
			Payload:       body,
			Priority:      priority,
			MaxRetries:    maxRetries,
			CorrelationID: sess.ID + ":" + t.EventType,
			CausationID:   t.CausationID,
			SessionID:     sess.ID,
			FlowID:        sess.FlowID,
			UserID:        sess.UserID,
			CreatedAt:     at,
		}
	}

	var events []schema.OutboxEvent
	for _, sub := range subs {
		if !sub.Matches(t.EventType, sess.FlowID) {
			continue
		}
		events = append(events, row(schema.DestinationWebhook+sub.ID, sub.MaxRetries))
	}
	if cfg.InternalTopic != "" {
		events = append(events, row(schema.DestinationInternal+cfg.InternalTopic, 0))
	}
	if cfg.RedisList != "" {
		events = append(events, row(schema.DestinationRedis+cfg.RedisList, 0))
	}
	return events, nil
}

func eventData(t schema.SessionTransition) map[string]any {
	sess := t.Session
	data := map[string]any{
		"revision":        sess.Revision,
		"status":          string(sess.Status),
		"current_flow_id": sess.CurrentFlowID,
		"current_node_id": sess.CurrentNodeID,
	}
	switch t.EventType {
	case schema.EventSessionStarted:
		data["flow_version"] = sess.FlowVersion
	case schema.EventNodeChanged:
		data["from_flow_id"] = t.FromFlowID
		data["from_node_id"] = t.FromNodeID
	case schema.EventSessionStatusChanged:
		data["from_status"] = string(t.FromStatus)
		data["to_status"] = string(sess.Status)
	case schema.EventSessionDeleted:
		data["from_status"] = string(t.FromStatus)
	}
	return data
}
