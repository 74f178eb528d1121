// Package agent provides the runtime every sentinel agent runs on.
//
// A Runtime pulls messages off an inbound queue, dispatches each one to the
// handler registered for its type as an independently supervised task, runs
// an idle hook between messages, heartbeats on a fixed interval and drains
// in-flight work when stopped.
//
// # Basic Usage
//
// Build a registry of handlers keyed by message type and start a runtime:
//
//	registry := agent.Registry{
//	    agent.TypeCommand: func(ctx context.Context, msg agent.Message) error {
//	        // act on the command
//	        return nil
//	    },
//	}
//
//	rt, err := agent.New("monitor-1", "monitor", registry,
//	    agent.WithPublisher(client),
//	    agent.WithStateSink(store),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := rt.Start(ctx); err != nil {
//	    return err
//	}
//	defer rt.Stop(context.Background())
//
// Inbound messages are handed to the runtime with Deliver, usually from a
// broker subscription callback. Handlers reply with Send or Broadcast.
//
// # Messages
//
// Message values are immutable once built; the With* helpers return copies:
//
//	msg := agent.NewMessage(agent.TypeCommand, rt.ID(), map[string]any{"command": "flush"}).
//	    WithPriority(agent.PriorityHigh)
//	id, err := rt.Send(ctx, "logger-1", msg)
//
// Delivery is at-least-once. Wrap handlers with Deduplicate when a repeated
// message must not repeat its effects.
package agent
