package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/httpapi"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/session"
)

// sessionRetention is how long finished blocks stay listed in memory; their
// results outlive them in the store.
const sessionRetention = 6 * time.Hour

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runner   *Runner
	Hub      *marker.Hub
	Markers  *marker.Writer
	Browser  *display.Browser
	Store    results.Store
	Metrics  *observability.Metrics

	// Cleanup aborts running blocks, then releases the marker line, the hub
	// and the result store.
	Cleanup func(ctx context.Context) error
}

type BuildOptions struct {
	// Registerer defaults to the global Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts BuildOptions) (*BuildResult, error) {
	logger = observability.OrNop(logger)

	var metrics *observability.Metrics
	if opts.Registerer != nil {
		metrics = observability.NewMetricsWith(opts.Registerer, cfg.MetricsNamespace)
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	// The task files are checked once at startup so a broken install fails
	// here instead of on the first RUN.
	if _, err := config.LoadTask(cfg.TaskConfigDir, cfg.Language); err != nil {
		return nil, fmt.Errorf("task configuration: %w", err)
	}

	store, err := results.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("result store init failed: %w", err)
	}

	hub := marker.NewHub(logger)
	writer, err := marker.Open(ctx, MarkerOptions(cfg), hub, logger, metrics)
	if err != nil {
		hub.Close()
		_ = store.Close()
		return nil, fmt.Errorf("marker writer init failed: %w", err)
	}

	sessions := session.NewManager(sessionRetention)
	sessions.SetEvictHook(func(s *session.Session) {
		logger.Debug("session evicted", zap.String("session_id", s.ID), zap.String("status", string(s.Status)))
	})
	sessions.StartJanitor(ctx, time.Minute)

	var (
		browser *display.Browser
		surface Surface
	)
	switch cfg.Display {
	case display.BackendHeadless:
		surface = display.NewHeadless(logger)
	default:
		browser = display.NewBrowser(nil, logger)
		surface = browser
	}

	runner := NewRunner(RunnerConfig{
		TaskConfigDir:   cfg.TaskConfigDir,
		DefaultLanguage: cfg.Language,
		Backend:         cfg.Display,
		LogicInterval:   cfg.LogicInterval,
		FrameInterval:   cfg.FrameInterval(),
	}, surface, writer, store, sessions, metrics, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Runner:   runner,
		Store:    store,
		Markers:  hub,
		Display:  browser,
		Metrics:  metrics,
		Gatherer: opts.Gatherer,
		Logger:   logger,
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := runner.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close marker line: %w", err))
		}
		hub.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close result store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runner:   runner,
		Hub:      hub,
		Markers:  writer,
		Browser:  browser,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// MarkerOptions maps the marker settings of cfg onto writer options.
func MarkerOptions(cfg config.Config) marker.Options {
	return marker.Options{
		Encoding:   marker.Encoding(cfg.MarkerSerialEncoding),
		PulseWidth: cfg.MarkerPulseWidth,
		Serial: marker.SerialOptions{
			Enabled:      cfg.MarkerSerialEnabled,
			Port:         cfg.MarkerSerialPort,
			Baud:         cfg.MarkerSerialBaud,
			OpenAttempts: cfg.MarkerOpenAttempts,
		},
	}
}
