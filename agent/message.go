package agent

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of message tags exchanged between agents.
// The string form doubles as the default broker routing key.
type MessageType string

const (
	TypeCommand      MessageType = "command"
	TypeResponse     MessageType = "response"
	TypeBroadcast    MessageType = "broadcast"
	TypeAlert        MessageType = "alert"
	TypeLog          MessageType = "log"
	TypeMetric       MessageType = "metric"
	TypeStatusUpdate MessageType = "status_update"
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskUpdate   MessageType = "task_update"
	TypeTaskComplete MessageType = "task_complete"
	TypeError        MessageType = "error"
)

var allMessageTypes = []MessageType{
	TypeCommand,
	TypeResponse,
	TypeBroadcast,
	TypeAlert,
	TypeLog,
	TypeMetric,
	TypeStatusUpdate,
	TypeTaskRequest,
	TypeTaskUpdate,
	TypeTaskComplete,
	TypeError,
}

// AllMessageTypes returns every known message type in declaration order.
func AllMessageTypes() []MessageType {
	return slices.Clone(allMessageTypes)
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return slices.Contains(allMessageTypes, t)
}

func (t MessageType) String() string { return string(t) }

// Priority is advisory; brokers may reorder messages regardless of it.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is within the known priority range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// DefaultTTLSeconds is the time-to-live stamped on messages built with NewMessage.
const DefaultTTLSeconds = 3600

// Header carries routing and correlation data for a Message.
type Header struct {
	ID              string      `json:"message_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Type            MessageType `json:"message_type"`
	Priority        Priority    `json:"priority"`
	SourceAgentID   string      `json:"source_agent_id"`
	TargetAgentIDs  []string    `json:"target_agent_ids,omitempty"`
	IsBroadcast     bool        `json:"is_broadcast"`
	CorrelationID   string      `json:"correlation_id,omitempty"`
	ParentMessageID string      `json:"parent_message_id,omitempty"`
	RequiresAck     bool        `json:"requires_ack"`
	TTLSeconds      *int        `json:"ttl_seconds,omitempty"`
}

// Message is the envelope exchanged between agents.
//
// Messages are values: the With* helpers return modified copies and never
// touch the receiver, so a Message can be shared between goroutines once
// built. Callers must not mutate Payload maps they did not create.
type Message struct {
	Header  Header         `json:"header"`
	Payload map[string]any `json:"payload"`
}

// NewMessage creates a message with a fresh ID, the current UTC timestamp,
// normal priority, RequiresAck set and the default TTL.
func NewMessage(msgType MessageType, source string, payload map[string]any) Message {
	ttl := DefaultTTLSeconds
	return Message{
		Header: Header{
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			Type:          msgType,
			Priority:      PriorityNormal,
			SourceAgentID: source,
			RequiresAck:   true,
			TTLSeconds:    &ttl,
		},
		Payload: copyPayload(payload),
	}
}

// NewErrorMessage builds the ERROR message used to route handler and loop failures.
func NewErrorMessage(source, errorType, errorMessage string, context map[string]any) Message {
	msg := NewMessage(TypeError, source, map[string]any{
		"error_type":    errorType,
		"error_message": errorMessage,
		"context":       copyPayload(context),
	})
	msg.Header.Priority = PriorityHigh
	return msg
}

// NewLogMessage builds a LOG message. Log messages never require acknowledgment.
func NewLogMessage(source, level, text string) Message {
	msg := NewMessage(TypeLog, source, map[string]any{
		"level":   level,
		"message": text,
		"source":  source,
	})
	msg.Header.Priority = PriorityLow
	msg.Header.RequiresAck = false
	return msg
}

// NewAlertMessage builds a HIGH priority ALERT broadcast.
func NewAlertMessage(source, title, description string, details map[string]any) Message {
	msg := NewMessage(TypeAlert, source, map[string]any{
		"title":       title,
		"description": description,
		"details":     copyPayload(details),
	})
	msg.Header.Priority = PriorityHigh
	msg.Header.IsBroadcast = true
	msg.Header.RequiresAck = false
	return msg
}

// NewResponse builds a RESPONSE addressed to the sender of req and correlated with it.
func NewResponse(req Message, source string, payload map[string]any) Message {
	msg := NewMessage(TypeResponse, source, payload)
	msg.Header.CorrelationID = req.Header.ID
	msg.Header.ParentMessageID = req.Header.ID
	msg.Header.RequiresAck = false
	if req.Header.SourceAgentID != "" {
		msg.Header.TargetAgentIDs = []string{req.Header.SourceAgentID}
	}
	return msg
}

// Validate checks the header invariants.
func (m Message) Validate() error {
	if m.Header.ID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	if !m.Header.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Header.Type)
	}
	if m.Header.Priority != 0 && !m.Header.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, m.Header.Priority)
	}
	if m.Header.IsBroadcast && len(m.Header.TargetAgentIDs) > 0 {
		return fmt.Errorf("%w: broadcast message must not name targets", ErrInvalidMessage)
	}
	if m.Header.TTLSeconds != nil && *m.Header.TTLSeconds < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidMessage)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Header.TargetAgentIDs = slices.Clone(m.Header.TargetAgentIDs)
	if m.Header.TTLSeconds != nil {
		ttl := *m.Header.TTLSeconds
		out.Header.TTLSeconds = &ttl
	}
	out.Payload = copyPayload(m.Payload)
	return out
}

// WithCorrelationID returns a copy correlated with the given message id.
func (m Message) WithCorrelationID(id string) Message {
	out := m.Clone()
	out.Header.CorrelationID = id
	return out
}

// WithTargets returns a copy addressed to the given agents. Addressing a
// message clears its broadcast flag.
func (m Message) WithTargets(targets ...string) Message {
	out := m.Clone()
	out.Header.TargetAgentIDs = slices.Clone(targets)
	out.Header.IsBroadcast = false
	return out
}

// WithPriority returns a copy with the given priority.
func (m Message) WithPriority(p Priority) Message {
	out := m.Clone()
	out.Header.Priority = p
	return out
}

// WithPayload returns a copy with key set in the payload.
func (m Message) WithPayload(key string, value any) Message {
	out := m.Clone()
	if out.Payload == nil {
		out.Payload = make(map[string]any, 1)
	}
	out.Payload[key] = value
	return out
}

// PayloadString returns the payload value for key when it is a string.
func (m Message) PayloadString(key, defaultValue string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return defaultValue
}

// Expired reports whether the message outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	if m.Header.TTLSeconds == nil || m.Header.Timestamp.IsZero() {
		return false
	}
	return now.After(m.Header.Timestamp.Add(time.Duration(*m.Header.TTLSeconds) * time.Second))
}

// String returns a short representation for logs.
func (m Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Source:%s}", m.Header.ID, m.Header.Type, m.Header.SourceAgentID)
}

// copyPayload deep copies nested maps and slices produced by the codecs.
func copyPayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	case map[string]string:
		return maps.Clone(val)
	default:
		return v
	}
}
