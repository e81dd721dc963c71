package engine

import (
	"context"
	"time"
)

// EventType names an engine notification.
type EventType string

const (
	EventInstanceTriggered EventType = "instance.triggered"
	EventInstanceStatus    EventType = "instance.status"
	EventStageStarted      EventType = "stage.started"
	EventStageSucceeded    EventType = "stage.succeeded"
	EventStageFailed       EventType = "stage.failed"
	EventStageRetrying     EventType = "stage.retrying"
	EventStageSkipped      EventType = "stage.skipped"
	EventStageRecovered    EventType = "stage.recovered"
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalRecorded  EventType = "approval.recorded"
	EventApprovalResolved  EventType = "approval.resolved"
	EventApprovalEscalated EventType = "approval.escalated"
)

// Event is emitted to the Notifier after the state change it describes has
// been committed.
type Event struct {
	// ID is unique per committed change and stable across redelivery.
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	InstanceID string         `json:"instance_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	GateID     string         `json:"gate_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier receives engine events. Delivery is best effort: Send must not
// block the engine and its failures are not reported back.
type Notifier interface {
	Send(ctx context.Context, event Event)
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, event Event)

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, Event) {}

// MultiNotifier fans events out to several notifiers in order.
type MultiNotifier []Notifier

// Send implements Notifier.
func (m MultiNotifier) Send(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Send(ctx, event)
		}
	}
}
