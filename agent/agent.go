package agent

import (
	"context"
	"time"
)

// Publisher delivers outbound messages to the transport.
//
// Publish reports success as a boolean and never panics; transport errors
// are logged by the implementation. broker.Client satisfies Publisher.
type Publisher interface {
	// Publish sends msg using its type tag as the routing key.
	Publish(ctx context.Context, msg Message) bool
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg Message) bool

// Publish calls f(ctx, msg).
func (f PublisherFunc) Publish(ctx context.Context, msg Message) bool {
	return f(ctx, msg)
}

// StateSink persists runtime status snapshots.
//
// The heartbeat loop calls SaveAgentState once per interval. Repeated
// failures stop the runtime, so implementations should return an error
// only when the backing store is unreachable.
type StateSink interface {
	SaveAgentState(ctx context.Context, status Status) error
}

// IdleHook runs on the dispatch goroutine each time a poll interval passes
// without an inbound message. It is never called concurrently with itself.
type IdleHook func(ctx context.Context) error

// BackgroundLoop is long-running domain work started with the runtime and
// cancelled when it stops.
type BackgroundLoop func(ctx context.Context) error

// State is the lifecycle state of a Runtime.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a Runtime.
type Status struct {
	AgentID       string        `json:"agent_id"`
	Name          string        `json:"name"`
	State         string        `json:"state"`
	Processed     int64         `json:"processed"`
	Errors        int64         `json:"errors"`
	ActiveTasks   int           `json:"active_tasks"`
	InboxDepth    int           `json:"inbox_depth"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitzero"`
	Uptime        time.Duration `json:"uptime"`
	HandledTypes  []MessageType `json:"handled_types"`
}
