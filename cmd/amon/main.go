// Command amon is the CLI surface over the agent runtime: the automation
// daemon, TaskGraph runs, and hook inspection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/daemon"
	"github.com/haasonsaas/amon/internal/hooks"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/tools"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "amon",
		Short:         "Local agent runtime: task graphs, hooks, schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDaemonCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newCancelCommand())
	root.AddCommand(newHooksCommand())
	return root
}

func loadEnvironment() (string, config.Config, error) {
	home, err := config.Home()
	if err != nil {
		return "", config.Config{}, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return "", config.Config{}, err
	}
	return home, cfg, nil
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the automation daemon (scheduler, jobs, hooks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, cfg, err := loadEnvironment()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := daemon.New(home, cfg, daemon.WithLogger(logger))
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func newRunAPI(projectID string) (*runtime.API, error) {
	home, cfg, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	layout := config.NewLayout(home)
	projectDir := layout.ProjectDir(projectID)
	if _, err := os.Stat(projectDir); err != nil {
		return nil, fmt.Errorf("unknown project: %s", projectID)
	}

	client, err := llm.Build(cfg)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(
		tools.WithPolicy(tools.ToolPolicy{Deny: cfg.Policy.Deny, Ask: cfg.Policy.Ask, Allow: cfg.Policy.Allow}),
		tools.WithWorkspaceGuard(tools.NewWorkspaceGuard(projectDir)),
		tools.WithAuditSink(tools.FileAuditSink{Path: layout.AuditLogPath()}),
	)
	tools.RegisterBuiltins(registry, tools.NewWorkspaceGuard(projectDir))

	dispatch := func(call tools.ToolCall) tools.ToolResult {
		return registry.Call(context.Background(), call, false)
	}
	return runtime.NewAPI(projectID, projectDir, client, dispatch, nil), nil
}

func newRunCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Start a TaskGraph run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newRunAPI(projectID)
			if err != nil {
				return err
			}
			runID, err := api.StartRun(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project") //nolint:errcheck
	return cmd
}

func newStatusCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the durable state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newRunAPI(projectID)
			if err != nil {
				return err
			}
			state, err := api.StatusRun(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %s\n", state.RunID, state.Status)
			for nodeID, node := range state.Nodes {
				fmt.Printf("  %s: %s\n", nodeID, node.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project") //nolint:errcheck
	return cmd
}

func newCancelCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a running TaskGraph run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newRunAPI(projectID)
			if err != nil {
				return err
			}
			status, err := api.CancelRun(args[0])
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project") //nolint:errcheck
	return cmd
}

func newHooksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hooks",
		Short: "List loaded hook definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _, err := loadEnvironment()
			if err != nil {
				return err
			}
			layout := config.NewLayout(home)
			for _, hook := range hooks.LoadHooks(layout.HooksDir(), nil) {
				state := "enabled"
				if !hook.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s\t%s\t%v → %s\n", hook.HookID, state, hook.EventTypes, hook.Action.Type)
			}
			return nil
		},
	}
}
