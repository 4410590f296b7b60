package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkengine/tknet/internal/config"
	"github.com/tkengine/tknet/internal/db"
	"github.com/tkengine/tknet/internal/journal"
	"github.com/tkengine/tknet/internal/metrics"
	"github.com/tkengine/tknet/internal/repo"
)

// observers owns the metrics endpoint and the session journal of a command.
// They outlive the session loop so that the events emitted while it shuts
// down are still recorded.
type observers struct {
	lifecycle metrics.Lifecycles
	messages  metrics.Messages

	cancel context.CancelFunc
	wg     sync.WaitGroup
	dbs    []*sql.DB
}

func startObservers(cfg *config.Config, logger *slog.Logger, source string) (*observers, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &observers{cancel: cancel}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hooks, err := metrics.NewPrometheusHooks(reg, source)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	o.lifecycle = append(o.lifecycle, hooks)
	o.messages = append(o.messages, hooks)

	if cfg.Journal.Path != "" {
		if err := o.startJournal(ctx, cfg, logger, source); err != nil {
			o.stop()
			return nil, err
		}
	}

	if cfg.Metrics.Addr != "" {
		o.serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)
	}

	return o, nil
}

func (o *observers) startJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger, source string) error {
	db.RegisterPragmaHook(cfg.Journal.CacheSizeMB * 1024)
	rdb, wdb, err := db.OpenReadWrite(ctx, cfg.Journal.Path, db.OpenOptions{})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	o.dbs = append(o.dbs, rdb, wdb)

	sessionsRepo := repo.New(wdb)
	open, err := repo.New(rdb).ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	if len(open) > 0 {
		logger.Warn("Journal has sessions that were never closed", slog.Int("sessions", len(open)))
	}

	rec := journal.NewRecorder(sessionsRepo, journal.RecorderOptions{
		Logger:        logger.With(slog.String("component", "journal")),
		Source:        source,
		BufferSize:    cfg.Journal.BufferSize,
		FlushInterval: cfg.Journal.FlushInterval,
	})
	o.lifecycle = append(o.lifecycle, rec)
	o.messages = append(o.messages, rec)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := rec.Run(ctx); err != nil {
			logger.Error("Unable to run session journal", slog.Any("err", err))
		}
	}()
	return nil
}

func (o *observers) serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()

		logger.Info("Serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Unable to serve metrics", slog.Any("err", err))
		}
	}()
	go func() {
		defer o.wg.Done()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Unable to stop metrics server", slog.Any("err", err))
		}
	}()
}

func (o *observers) stop() {
	o.cancel()
	o.wg.Wait()
	for _, d := range o.dbs {
		d.Close()
	}
}
