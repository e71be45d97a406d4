// Package events implements the typed fan-out event bus: every state
// transition in the Coordinator is published as
// an Event, and each subscriber owns its own bounded queue so that a
// slow subscriber never backs up a fast one.
package events

import (
	"context"
	"time"
)

// Event is a single state-transition notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Well-known event types emitted by the Coordinator, Agent Manager,
// Workflow Engine, and Scheduler.
const (
	EventAgentRegistered   = "agent.registered"
	EventAgentUnregistered = "agent.unregistered"
	EventAgentStatusUpdate = "agent.status_updated"
	EventAgentLost         = "agent.lost"

	EventTaskSubmitted = "task.submitted"
	EventTaskAssigned  = "task.assigned"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskTimeout   = "task.timeout"
	EventTaskCancelled = "task.cancelled"

	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"

	EventScheduleFired = "schedule.fired"

	EventAgentInstanceStarted   = "agent_instance.started"
	EventAgentInstanceStopped   = "agent_instance.stopped"
	EventAgentInstanceCompleted = "agent_instance.completed"
	EventAgentInstanceFailed    = "agent_instance.failed"
)

// Handler processes one Event. It must not block for long; the bus
// invokes handlers on goroutines it owns, but a handler that never
// returns will leak that goroutine.
type Handler func(ctx context.Context, e *Event)

// Subscription represents one registered handler; Unsubscribe removes it.
type Subscription interface {
	Unsubscribe()
}

// Bus is the typed fan-out event bus interface. Implementations: an
// in-memory bus (default, see memory.go) and an optional NATS-backed
// bus for deployments that want external subscribers.
type Bus interface {
	// Publish fans Event out to every subscriber whose pattern matches
	// e.Type. Never blocks on a slow subscriber.
	Publish(ctx context.Context, e *Event) error

	// Subscribe registers handler for every event whose type matches
	// pattern. Patterns support NATS-style wildcards: "*" matches one
	// token, ">" matches the remainder. Tokens are "."-delimited.
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// QueueSubscribe registers handler as part of a named queue group:
	// only one member of the group receives each matching event,
	// chosen round-robin.
	QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error)

	// Request publishes e and waits (up to timeout) for exactly one
	// reply published to e's ephemeral inbox subject.
	Request(ctx context.Context, e *Event, timeout time.Duration) (*Event, error)

	// Close shuts the bus down and releases its subscribers.
	Close() error

	// IsConnected reports whether the bus's transport (if any) is
	// currently usable.
	IsConnected() bool
}

// NewEvent builds an Event with a fresh timestamp and id.
func NewEvent(id, eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
