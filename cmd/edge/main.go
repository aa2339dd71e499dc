// Command edge runs the attendance daemon on a scanning device: HTTP scan
// intake, the queued scan consumer and the periodic sync with the central
// store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"edgeattend/internal/attendance"
	"edgeattend/internal/config"
	"edgeattend/internal/faceclient"
	"edgeattend/internal/httpapi"
	"edgeattend/internal/queue"
	"edgeattend/internal/roster"
	"edgeattend/internal/scan"
	"edgeattend/internal/store"
	"edgeattend/internal/syncengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		logger.Fatal(ctx, "invalid config", slog.Error(err))
	}
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "edge daemon failed", slog.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger slog.Logger) (err error) {
	var closers []io.Closer
	defer func() {
		var errs *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				errs = multierror.Append(errs, cerr)
			}
		}
		if cerr := errs.ErrorOrNil(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	buf, err := store.OpenBuffer(cfg.BufferPath, logger.Named("buffer"))
	if err != nil {
		return xerrors.Errorf("open local buffer: %w", err)
	}
	closers = append(closers, buf)

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	closers = append(closers, db)
	central := store.NewCentral(db, cfg.CentralTimeout, logger.Named("central"))
	if !central.Connect(ctx) {
		logger.Warn(ctx, "central store unreachable, starting offline")
	}

	var rdb *store.Redis
	if cfg.CacheBackend == config.BackendRedis || cfg.QueueBackend == config.BackendRedis {
		rdb, err = store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		closers = append(closers, rdb)
		if !rdb.Healthy(ctx) {
			logger.Warn(ctx, "redis not reachable yet", slog.F("addr", cfg.RedisAddr))
		}
	}

	var cache attendance.LockedKeyedCache = attendance.NewMemoryCache()
	if cfg.CacheBackend == config.BackendRedis {
		cache = store.NewRedisKeyedCache(rdb.Client, "edgeattend", logger.Named("rediscache"))
	}
	var events queue.Queue = queue.NewInMemory(64)
	if cfg.QueueBackend == config.BackendRedis {
		events = queue.NewRedisQueue(rdb.Client, cfg.QueueKey, logger.Named("queue"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ledgerMetrics, err := attendance.NewMetrics(reg)
	if err != nil {
		return xerrors.Errorf("register ledger metrics: %w", err)
	}
	syncMetrics, err := syncengine.NewMetrics(reg)
	if err != nil {
		return xerrors.Errorf("register sync metrics: %w", err)
	}

	workers, err := roster.New(central, cfg.RosterCacheTTL, logger.Named("roster"))
	if err != nil {
		return err
	}
	defer workers.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceMatchThreshold, cfg.FaceSkip)
	if err := face.Health(ctx); err != nil {
		logger.Warn(ctx, "face service not available, image scans will fail until it is", slog.Error(err))
	}

	ledger := attendance.NewLedger(attendance.Options{
		Authority:         attendance.NewAuthority(central, buf, logger.Named("authority")),
		Cache:             cache,
		SuppressionWindow: cfg.DuplicateWindow,
		Location:          loc,
		DeviceID:          cfg.DeviceID,
		Logger:            logger.Named("ledger"),
		Metrics:           ledgerMetrics,
	})
	processor := scan.NewProcessor(scan.Options{
		Ledger:        ledger,
		Identifier:    face,
		Roster:        workers,
		AutoTimeOut:   cfg.AutoTimeOut,
		ConfirmWindow: cfg.TimeOutConfirmation,
		Logger:        logger.Named("scan"),
	})
	engine := syncengine.New(syncengine.Options{
		Buffer:           buf,
		Central:          central,
		Locks:            cache,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		Logger:           logger.Named("sync"),
		Metrics:          syncMetrics,
	})
	sched := syncengine.NewScheduler(engine, cfg.SyncInterval, nil, logger.Named("scheduler"))
	central.OnReconnect(func() {
		workers.Clear()
		sched.Trigger()
	})
	// Drain whatever an earlier run left behind.
	sched.Trigger()

	apiOpts := httpapi.Options{
		Scans:           processor,
		Sync:            engine,
		Buffer:          buf,
		Central:         central,
		Events:          events,
		Gatherer:        reg,
		DeviceID:        cfg.DeviceID,
		JWTIssuer:       cfg.JWTIssuer,
		JWTSigningKey:   cfg.JWTSigningKey,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	}
	if rdb != nil {
		apiOpts.Redis = rdb
	}
	srv := httpapi.Server(":"+cfg.HTTPPort, httpapi.Router(apiOpts))

	logger.Info(ctx, "edge daemon starting",
		slog.F("device_id", cfg.DeviceID),
		slog.F("central_online", central.IsConnected()),
		slog.F("cache", cfg.CacheBackend),
		slog.F("queue", cfg.QueueBackend),
		slog.F("timezone", loc.String()),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sched.Run(egCtx)
	})
	eg.Go(func() error {
		return processor.Consume(egCtx, events)
	})
	eg.Go(func() error {
		logger.Info(egCtx, "http server listening", slog.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(ctx, "shutting down")
		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
