package agent

import "errors"

var (
	// ErrNotRunning is returned by Deliver when the runtime is not accepting messages.
	ErrNotRunning = errors.New("agent runtime not running")

	// ErrStopped is returned by Start once the runtime has been stopped. A
	// stopped runtime cannot be restarted.
	ErrStopped = errors.New("agent runtime stopped")

	// ErrPublishFailed is returned by Send and Broadcast when the publisher rejects a message.
	ErrPublishFailed = errors.New("publish failed")

	// ErrInvalidMessage is returned for malformed messages.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessageType is returned by New when the registry names an unknown type.
	ErrUnknownMessageType = errors.New("unknown message type")
)
