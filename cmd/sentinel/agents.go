package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sentinel"
	"github.com/aixgo-dev/sentinel/pkg/store"
)

var logsLimit int64

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent status snapshots stored in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		states, err := s.ListAgentStates(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			color.Yellow("no agents reported state")
			return nil
		}

		cyan := color.New(color.FgCyan)
		green := color.New(color.FgGreen)
		red := color.New(color.FgRed)

		_, _ = cyan.Printf("%d agent(s)\n\n", len(states))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tPROCESSED\tERRORS\tTASKS\tLAST HEARTBEAT")
		for _, st := range states {
			state := green.Sprint(st.State)
			if st.State != "running" {
				state = red.Sprint(st.State)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				st.AgentID, st.Name, state, st.Processed, st.Errors, st.ActiveTasks,
				since(st.LastHeartbeat))
		}
		return w.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <agent-id>",
	Short: "Show the most recent logs collected by a logger agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		entries, err := s.RecentLogs(cmd.Context(), args[0], logsLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			level := strings.ToUpper(e.Level)
			switch e.Level {
			case "error", "critical":
				level = color.RedString(level)
			case "warning", "warn":
				level = color.YellowString(level)
			}
			fmt.Printf("%s %-8s %-20s %s\n", e.Timestamp.Format(time.RFC3339), level, e.Source, e.Message)
		}
		return nil
	},
}

func openStore(cmd *cobra.Command) (*store.RedisStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis.addr is not configured")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	return sentinel.NewStore(ctx, cfg.Redis)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func init() {
	logsCmd.Flags().Int64VarP(&logsLimit, "limit", "n", 50, "number of entries")
	rootCmd.AddCommand(agentsCmd, logsCmd)
}
