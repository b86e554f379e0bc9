package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	hooks "github.com/goliatone/go-hooks"
	"github.com/goliatone/go-hooks/adapters/gologger"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/jobs"
)

type rootOptions struct {
	configPath  string
	environment string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Webhook ingestion with idempotent, retried job execution",
		Long: `hooks accepts signed webhooks, records each event once per idempotency
key and runs the configured handler for it on a work queue with retries.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "hooks.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.environment, "env", "", "override the configured environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newReplayCmd(opts),
	)
	return cmd
}

// loadConfig layers defaults, the YAML file (when present) and the flag
// overrides.
func (o *rootOptions) loadConfig(ctx context.Context) (core.Config, error) {
	var loader core.RawConfigLoader
	if path := strings.TrimSpace(o.configPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			loader = core.YAMLConfigLoader{Path: path}
		}
	}
	runtime := core.Config{Environment: strings.TrimSpace(o.environment)}
	return core.LoadConfig(ctx, core.NewCfgxConfigProvider(loader), core.GoOptionsResolver{}, runtime)
}

// session carries what every subcommand needs: the resolved config, the
// zap-backed logger and the assembled runtime.
type session struct {
	cfg      core.Config
	provider *gologger.Provider
	logger   core.Logger
	metrics  *core.MemoryMetrics
	runtime  *hooks.Runtime
}

func (o *rootOptions) open(ctx context.Context, extra ...hooks.Option) (*session, error) {
	cfg, err := o.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	provider, logger, err := gologger.New(cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics := core.NewMemoryMetrics()
	opts := append([]hooks.Option{
		hooks.WithLoggerProvider(provider),
		hooks.WithMetricsRecorder(metrics),
		hooks.WithHandler(jobs.LogHandlerName, jobs.LogHandler(provider.GetLogger("handlers"))),
	}, extra...)
	rt, err := hooks.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, provider: provider, logger: logger, metrics: metrics, runtime: rt}, nil
}

func (s *session) close() {
	if counters := s.metrics.Snapshot(); len(counters) > 0 {
		s.logger.Info("hooks metrics", "counters", counters)
	}
	if err := s.runtime.Close(); err != nil {
		s.logger.Error("runtime close failed", "error", err)
	}
	if syncer, ok := s.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
