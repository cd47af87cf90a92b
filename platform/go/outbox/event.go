// Package outbox persists cross-service facts next to the domain write that produced them
// and dispatches them asynchronously with at-least-once semantics.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of an outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// Event is a fact waiting to be announced.
type Event struct {
	ID            uuid.UUID         `json:"event_id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Record is a stored Event with its delivery bookkeeping.
type Record struct {
	Event
	Status       Status
	Attempts     int
	AvailableAt  time.Time
	DispatchedAt *time.Time
	LastError    *string
}

// NewEvent marshals payload and stamps a fresh id.
func NewEvent(tenantID, aggregateType, aggregateID, eventType string, payload any, headers map[string]string) (Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return Event{}, fmt.Errorf("outbox: event type is required")
	}
	if strings.TrimSpace(aggregateType) == "" || strings.TrimSpace(aggregateID) == "" {
		return Event{}, fmt.Errorf("outbox: aggregate type and id are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		Headers:       headers,
		OccurredAt:    time.Now().UTC(),
	}, nil
}
