package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vantrack/internal/config"
	"vantrack/internal/geocode"
	"vantrack/internal/history"
	"vantrack/internal/location"
	"vantrack/internal/logging"
	"vantrack/internal/metrics"
	"vantrack/internal/notify"
	"vantrack/internal/orchestrator"
	"vantrack/internal/publisher"
	"vantrack/internal/routecalc"
	"vantrack/internal/routestore"
	"vantrack/internal/storage"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.NewStructuredLogger(os.Stdout, logLevel(cfg.LogLevel))

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Persisted route state: Postgres when configured, in-memory otherwise
	var store storage.Storage
	if cfg.DatabaseURL != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer pg.Close()
		store = pg
		logger.Info("route state persisted to postgres")
	} else {
		store = storage.NewMemory()
		logger.Warn("no DATABASE_URL set, route state will not survive restarts")
	}

	// Trip archive: SQLite when a path is configured, log-only otherwise
	var sink history.Sink = history.LogSink{Logger: logger}
	if cfg.HistoryDBPath != "" {
		archive, err := history.OpenSQLiteArchive(cfg.HistoryDBPath)
		if err != nil {
			log.Fatalf("history archive error: %v", err)
		}
		defer archive.Close()
		sink = archive
	}

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS is optional: without it snapshots and events stay in-process
	var pub *publisher.NATSPublisher
	var notifier notify.Notifier = notify.Noop{}
	var snapshotPub orchestrator.Publisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		notifier = notify.NewNATSNotifier(pub.Conn(), cfg.NATSSubjectPrefix, logger)
		snapshotPub = pub
	}

	routeStore := routestore.New(routestore.Config{
		Storage:          store,
		History:          sink,
		Notifier:         notifier,
		Logger:           logger,
		Metrics:          mcol,
		DebounceWindow:   cfg.StartDebounce,
		StaleAfter:       cfg.StaleAfter,
		LivenessInterval: cfg.LivenessInterval,
	})

	source := location.NewPushSource()
	sampler := location.NewSampler(location.Config{
		Source:            source,
		Logger:            logger,
		Metrics:           mcol,
		MaxAccuracyMeters: cfg.MaxAccuracyMeters,
		MaxSpeedKmh:       cfg.MaxSpeedKmh,
		MinDistanceMeters: cfg.MinDistanceMeters,
		HeartbeatInterval: cfg.Heartbeat,
	})

	calculator := routecalc.New(routecalc.Config{
		Logger:          logger,
		Metrics:         mcol,
		AverageSpeedKmh: cfg.AverageSpeedKmh,
		RecalcInterval:  cfg.RecalcInterval,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:           routeStore,
		Sampler:         sampler,
		Calculator:      calculator,
		Geocoder:        geocode.NewHTTPGeocoder(cfg.GeocoderURL, 8*time.Second, logger),
		Publisher:       snapshotPub,
		Notifier:        notifier,
		Logger:          logger,
		Metrics:         mcol,
		SchoolName:      cfg.SchoolName,
		SchoolAddress:   cfg.SchoolAddress,
		RefreshInterval: cfg.RefreshInterval,
	})

	// A trip may have survived a restart; re-attach capture to it
	if route := routeStore.ActiveRoute(ctx); route != nil {
		logger.Info("resuming active route", slog.String("route_id", route.ID))
		go func() {
			if err := orch.StartDataCapture(ctx); err != nil {
				logging.LogError(logger, "resume data capture", err)
			}
		}()
	}

	app := &application{
		cfg:     cfg,
		logger:  logger,
		store:   routeStore,
		orch:    orch,
		sampler: sampler,
		source:  source,
		metrics: mcol,
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      app.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("api listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	orch.StopDataCapture()
	logger.Info("shutdown complete")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
