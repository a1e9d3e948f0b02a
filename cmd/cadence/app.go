package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/agent"
	"github.com/sevir/cadence/internal/config"
	"github.com/sevir/cadence/internal/handler"
	"github.com/sevir/cadence/internal/logging"
	"github.com/sevir/cadence/internal/orchestrator"
	"github.com/sevir/cadence/internal/question"
	"github.com/sevir/cadence/internal/server"
	"github.com/sevir/cadence/internal/telemetry"
)

// runtime is everything a command needs to run tasks.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	ledger   *question.SQLiteLedger
	tracing  *telemetry.Tracing
	orch     *orchestrator.Orchestrator
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Path = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, nil
}

func newRuntime(cfg *config.Config, logOut io.Writer) (*runtime, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: logOut,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.MustNewMetrics(reg)

	rt := &runtime{cfg: cfg, logger: logger, registry: reg}

	rt.tracing, err = telemetry.NewTracing(context.Background(), telemetry.TracingOptions{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Output:         logOut,
		Global:         true,
	})
	if err != nil {
		return nil, err
	}

	var ledger question.Ledger
	if cfg.Store.LedgerPath != "" {
		rt.ledger, err = question.OpenSQLiteLedger(cfg.Store.LedgerPath)
		if err != nil {
			_ = rt.tracing.Shutdown(context.Background())
			return nil, err
		}
		ledger = rt.ledger
	}

	engines := agent.NewRegistry(cfg.Engine.Default)
	args := cfg.Engine.Args
	if len(args) == 0 {
		args = agent.DefaultClaudeArgs()
	}
	engines.Register(agent.EngineProcess, agent.ProcessFactory(agent.ProcessConfig{
		Command: cfg.Engine.Command,
		Args:    args,
		LogDir:  cfg.Engine.LogDir,
		Logger:  logging.Component(logger, "process"),
	}))
	if err := engines.Validate(engines.Default()); err != nil {
		rt.release(context.Background())
		return nil, err
	}

	deps := handler.Deps{
		Execution:       cfg.Execution(),
		QuestionTimeout: time.Duration(cfg.Coordination.QuestionTimeout),
		CloseGrace:      time.Duration(cfg.Coordination.CloseGrace),
		SinkBuffer:      cfg.Coordination.SinkBuffer,
		Usage:           telemetry.Multi{metrics, telemetry.LogSink{Logger: logging.Component(logger, "usage")}},
		Metrics:         metrics,
		Ledger:          ledger,
		Logger:          logging.Component(logger, "handler"),
		Tracer:          rt.tracing.Tracer(),
	}

	rt.orch, err = orchestrator.New(orchestrator.Config{
		StorePath: cfg.Store.Path,
		Engines:   engines,
		Handler:   deps,
		Logger:    logging.Component(logger, "orchestrator"),
	})
	if err != nil {
		rt.release(context.Background())
		return nil, err
	}
	return rt, nil
}

// history returns the ledger as a question history, or nil without one.
func (rt *runtime) history() server.QuestionHistory {
	if rt.ledger == nil {
		return nil
	}
	return rt.ledger
}

func (rt *runtime) release(ctx context.Context) error {
	var err error
	if rt.ledger != nil {
		err = rt.ledger.Close()
	}
	return errors.Join(err, rt.tracing.Shutdown(ctx))
}

// Close stops running tasks, flushes spans and releases storage.
func (rt *runtime) Close(ctx context.Context) error {
	err := errors.Join(rt.orch.Shutdown(ctx), rt.release(ctx))
	_ = rt.logger.Sync()
	return err
}
