package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/exprtools/internal/config"
	"github.com/harun/exprtools/internal/logger"
	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/pkg/loader"
	"github.com/harun/exprtools/pkg/registry"
	"github.com/harun/exprtools/pkg/toolexecutor"
	"github.com/harun/exprtools/pkg/watcher"
)

// app wires the components shared by every command
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	loader   *loader.Loader
	executor *toolexecutor.ToolExecutor
	watcher  *watcher.DescriptorWatcher
}

// newApp loads configuration, applies command line overrides and builds the
// loader and executor over the process-wide registry
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	if f := cmd.Flag("tools-dir"); f != nil && f.Changed {
		cfg.Descriptors.Dir = toolsDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Output:    cmd.ErrOrStderr(),
		Redaction: cfg.Logging.Redaction,
		Secrets:   []string{cfg.Gateway.SharedSecret},
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   log.GetZerolog(),
		metrics:  metrics.NewMetrics(),
		registry: registry.Default(),
	}

	a.loader = loader.New(os.DirFS(cfg.Descriptors.Dir),
		loader.WithRegistry(a.registry),
		loader.WithLogger(a.logger),
		loader.WithMetrics(a.metrics),
		loader.WithConcurrency(cfg.Descriptors.Concurrency),
		loader.WithExtensions(cfg.Descriptors.Extensions...),
	)

	a.executor = toolexecutor.New(a.registry,
		toolexecutor.WithLogger(a.logger),
		toolexecutor.WithMetrics(a.metrics),
		toolexecutor.WithTimeout(cfg.Executor.Timeout),
		toolexecutor.WithMaxOutputSize(cfg.Executor.MaxOutputSize),
		toolexecutor.WithPolicy(&toolexecutor.ToolPolicy{
			Allow: cfg.Executor.Policy.Allow,
			Deny:  cfg.Executor.Policy.Deny,
		}),
	)

	return a, nil
}

// load replaces the registry contents with the configured descriptors
func (a *app) load(ctx context.Context) (*loader.Report, error) {
	if info, err := os.Stat(a.cfg.Descriptors.Dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("descriptor directory %s does not exist", a.cfg.Descriptors.Dir)
	}

	return a.loader.Reload(ctx)
}

// loadSources registers only the given sources, named as paths inside the
// descriptor directory or relative to the working directory
func (a *app) loadSources(ctx context.Context, paths []string) (*loader.Report, error) {
	merged := &loader.Report{}
	for _, p := range paths {
		report, err := a.loader.LoadSource(ctx, a.sourceName(p))
		if err != nil {
			return nil, err
		}
		merged.Sources = append(merged.Sources, report.Sources...)
		merged.Registered = append(merged.Registered, report.Registered...)
		merged.Failures = append(merged.Failures, report.Failures...)
		merged.Warnings = append(merged.Warnings, report.Warnings...)
	}
	return merged, nil
}

// sourceName maps a command line path to its fs.FS name under the
// descriptor directory
func (a *app) sourceName(p string) string {
	dir := a.cfg.Descriptors.Dir
	if rel, err := filepath.Rel(dir, p); err == nil && filepath.IsLocal(rel) {
		if _, statErr := os.Stat(p); statErr == nil {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// startWatcher starts hot reload when enabled in the configuration
func (a *app) startWatcher() error {
	if !a.cfg.Watch.Enabled {
		return nil
	}

	w, err := watcher.New(watcher.Config{
		Dir:                a.cfg.Descriptors.Dir,
		StabilityThreshold: a.cfg.Watch.StabilityThreshold,
		PollSchedule:       a.cfg.Watch.PollSchedule,
		DisableNotify:      a.cfg.Watch.DisableNotify,
		Logger:             &a.logger,
	}, a.loader)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	a.watcher = w
	return nil
}

// Close stops background work and flushes the log file
func (a *app) Close() {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to stop watcher")
		}
	}
	a.executor.Close()
	_ = a.log.Close()
}
