package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sentinel"
	"github.com/aixgo-dev/sentinel/agent"
	"github.com/aixgo-dev/sentinel/internal/broker"
	"github.com/aixgo-dev/sentinel/pkg/logging"
)

const cliQueue = "agent_queue_cli"

var (
	publishType      string
	publishSource    string
	publishTargets   []string
	publishBroadcast bool
	publishPayload   string
	publishPriority  int
	publishTimeout   time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one message to the agent exchange",
	Example: `  sentinel publish --type command --target logger-1 --payload '{"command":"flush_logs"}'
  sentinel publish --type alert --broadcast --payload '{"title":"disk full"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		msg, err := buildMessage()
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}

		bc := cfg.Broker
		bc.Queue = cliQueue
		bc.MaxRetries = 1
		client, err := sentinel.NewBrokerClient("cli", bc, broker.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
		defer cancel()

		if !client.Connect(ctx) {
			return errors.New("cannot connect to broker")
		}
		if !client.Publish(ctx, msg) {
			return errors.New("publish failed")
		}

		color.Green("published %s %s", msg.Header.Type, msg.Header.ID)
		return nil
	},
}

func buildMessage() (agent.Message, error) {
	msgType := agent.MessageType(publishType)
	if !msgType.Valid() {
		return agent.Message{}, fmt.Errorf("unknown message type %q", publishType)
	}

	var payload map[string]any
	if publishPayload != "" {
		if err := json.Unmarshal([]byte(publishPayload), &payload); err != nil {
			return agent.Message{}, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	msg := agent.NewMessage(msgType, publishSource, payload)
	if publishPriority != 0 {
		msg = msg.WithPriority(agent.Priority(publishPriority))
	}
	switch {
	case publishBroadcast:
		msg.Header.IsBroadcast = true
		msg.Header.RequiresAck = false
	case len(publishTargets) > 0:
		msg = msg.WithTargets(publishTargets...)
	}
	return msg, msg.Validate()
}

func init() {
	f := publishCmd.Flags()
	f.StringVarP(&publishType, "type", "t", string(agent.TypeCommand), "message type")
	f.StringVar(&publishSource, "source", "sentinel-cli", "source agent id")
	f.StringSliceVar(&publishTargets, "target", nil, "target agent id (repeatable)")
	f.BoolVar(&publishBroadcast, "broadcast", false, "send to every agent")
	f.StringVarP(&publishPayload, "payload", "p", "", "JSON object payload")
	f.IntVar(&publishPriority, "priority", 0, "priority 1 (low) to 4 (critical)")
	f.DurationVar(&publishTimeout, "timeout", 10*time.Second, "connect and publish timeout")
	publishCmd.MarkFlagsMutuallyExclusive("target", "broadcast")
	rootCmd.AddCommand(publishCmd)
}
