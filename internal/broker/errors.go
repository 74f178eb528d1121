package broker

import "errors"

var (
	// ErrClosed is returned once Close has been called on a client
	ErrClosed = errors.New("broker client closed")

	// ErrNotConnected is returned when an operation needs a live connection
	ErrNotConnected = errors.New("broker not connected")

	// ErrDecode wraps every failure to turn a delivery body into a message
	ErrDecode = errors.New("decode message")

	// ErrAckModeMismatch is returned when a queue is consumed with both
	// manual and automatic acknowledgment
	ErrAckModeMismatch = errors.New("queue already consumed with a different ack mode")

	// ErrClientExists is returned by Registry.Add for a duplicate name
	ErrClientExists = errors.New("broker client already registered")
)
