package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Handler processes one inbound message. A returned error is converted into
// an ERROR message and routed through the runtime's error handler.
type Handler func(ctx context.Context, msg Message) error

// Registry maps each message type to its handler. The runtime dispatches on
// the header's type tag and drops messages whose type has no entry.
type Registry map[MessageType]Handler

// Types returns the registered message types sorted by name.
func (r Registry) Types() []MessageType {
	return slices.Sorted(maps.Keys(r))
}

func (r Registry) validate() error {
	for t, h := range r {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
		}
		if h == nil {
			return fmt.Errorf("nil handler for message type %q", t)
		}
	}
	return nil
}

// merge returns a new registry holding base overridden by override.
func merge(base, override Registry) Registry {
	out := make(Registry, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

// Deduper remembers which message ids were already handled.
// *dedupe.Cache satisfies it.
type Deduper interface {
	// CheckAndMark marks key and reports whether it was already marked.
	CheckAndMark(key string) bool
	Forget(key string)
}

// Deduplicate wraps h so that a message id is handled at most once while it
// is remembered by seen. A failed or panicking attempt is forgotten so the redelivery
// that follows it runs the handler again.
func Deduplicate(h Handler, seen Deduper) Handler {
	return func(ctx context.Context, msg Message) error {
		id := msg.Header.ID
		if id == "" {
			return h(ctx, msg)
		}
		if seen.CheckAndMark(id) {
			return nil
		}
		handled := false
		defer func() {
			if !handled {
				seen.Forget(id)
			}
		}()
		if err := h(ctx, msg); err != nil {
			return err
		}
		handled = true
		return nil
	}
}
