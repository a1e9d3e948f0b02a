package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevir/cadence/internal/agent"
	"github.com/sevir/cadence/internal/delivery/terminal"
	"github.com/sevir/cadence/internal/handler"
	"github.com/sevir/cadence/pkg/models"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [--] <prompt>",
		Short: "Run one task in the terminal and answer its questions on stdin",
		Example: `  cadence run --script demo.yaml
  cadence run --command claude -- "add a README"`,
		RunE: runRun,
	}
	cmd.Flags().String("script", "", "Run a scripted engine from this YAML file")
	cmd.Flags().String("command", "", "Run this agent CLI as the engine")
	cmd.Flags().StringSlice("arg", nil, "Extra argument for the agent CLI (repeatable)")
	cmd.Flags().String("engine", "", "Engine name (script, process)")
	cmd.Flags().String("workdir", "", "Working directory for the task")
	cmd.Flags().StringSlice("tag", nil, "Tag for the task (repeatable)")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v == "" {
		// The terminal is the task's output; keep logs to problems.
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "console"

	script, _ := cmd.Flags().GetString("script")
	command, _ := cmd.Flags().GetString("command")
	engineName, _ := cmd.Flags().GetString("engine")
	if command != "" {
		cfg.Engine.Command = command
		if engineName == "" {
			engineName = agent.EngineProcess
		}
	}
	if script != "" && engineName == "" {
		engineName = agent.EngineScript
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && script == "" {
		return fmt.Errorf("a prompt or --script is required")
	}
	if script != "" {
		data, err := os.ReadFile(script)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		script = string(data)
	}

	workDir, _ := cmd.Flags().GetString("workdir")
	extra, _ := cmd.Flags().GetStringSlice("arg")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	noColor, _ := cmd.Flags().GetBool("no-color")

	rt, err := newRuntime(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	}()

	input, err := terminal.NewLineReader(os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	colorEnabled := !noColor && terminal.IsTerminal(os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := rt.orch.Spawn(ctx, models.SpawnRequest{
		Prompt:  prompt,
		Engine:  engineName,
		WorkDir: workDir,
		Script:  script,
		Args:    extra,
		Tags:    tags,
	}, func(task *models.Task, deps handler.Deps) (handler.ExecutionHandler, error) {
		return handler.NewTerminal(task, cmd.OutOrStdout(), input, colorEnabled, deps), nil
	})
	if err != nil {
		_ = input.Close()
		return err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel("interrupted")
		<-h.Done()
	}

	task := h.Task()
	switch task.Status {
	case models.TaskStatusCompleted:
		return nil
	case models.TaskStatusCancelled:
		return fmt.Errorf("task %s cancelled: %s", task.ID, task.Error)
	default:
		return fmt.Errorf("task %s %s: %s", task.ID, task.Status, task.Error)
	}
}
