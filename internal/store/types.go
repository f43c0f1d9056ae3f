package store

import (
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// FlowFilter controls ListFlows.
type FlowFilter struct {
	Name          string
	PublishedOnly bool
	ActiveOnly    bool
	Limit         int
}

// StepUpdate carries the fields a committed step may change.
// A nil Status keeps the current status. A zero At means now.
type StepUpdate struct {
	CurrentFlowID      string
	CurrentFlowVersion string
	CurrentNodeID      string
	FlowStack          []schema.FlowFrame
	State              map[string]any
	Status             *schema.SessionStatus
	At                 time.Time
}

// SubscriptionFilter controls ListSubscriptions.
type SubscriptionFilter struct {
	Status schema.SubscriptionStatus
	FlowID string
}
