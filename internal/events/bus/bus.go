// Package bus provides the lifecycle event bus abstraction for agentmux.
//
// Components publish small structured events (agent status changes, task
// transitions, kill switch activation) to dotted subjects. In-process
// deployments use the memory bus; multi-process deployments can point at a
// NATS server instead.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Common subjects.
const (
	SubjectAgentLifecycle = "agent.lifecycle" // agent.lifecycle.<status>
	SubjectTaskEvents     = "task"            // task.<transition>
	SubjectKillSwitch     = "killswitch"      // killswitch.<activated|deactivated>
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles a delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events to subjects and delivers them to subscribers.
// Subject patterns support NATS-style wildcards: * matches one token, >
// matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
