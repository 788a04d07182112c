package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/config"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/dispatch"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/eta"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/fare"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/geo"
	httpapi "github.com/hedibennis17-tech/kulooc-sub001/internal/http"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/ingest"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/logging"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/match"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/payments"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/retry"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("PG_DSN not set, using in-memory store")
	}

	scorer := match.NewScorer(match.Weights{
		Distance: cfg.MatchWeightDistance,
		Idle:     cfg.MatchWeightIdle,
		Rating:   cfg.MatchWeightRating,
	}, cfg.DistanceCapKm, cfg.MaxRadiusKm)
	fares := fare.NewCalculator(logger)
	pinger := dispatch.NewPinger(store, retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}, logger)
	engine := dispatch.NewEngine(store, scorer, fares, pinger, logger, dispatch.Config{
		OfferTTL: cfg.OfferTTL,
	})

	wsReg := dispatch.NewWSRegistry(logger)
	var notifier dispatch.Notifier = wsReg
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushDispatcher(wsReg, dispatch.NewFCMDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	engine.SetNotifier(notifier)
	engine.SetSettlement(payments.NewStripeClient())

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		events := ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer events.Close()
		engine.SetEvents(events)
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIdx = geo.NewMemoryIndex()
	}
	engine.SetGeoIndex(geoIdx)

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("using OSRM for trip durations", "endpoint", cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(etaClient, eta.NewCache(cfg.ETACacheTTL), cfg.DefaultSpeedMps)

	sweep := dispatch.NewSweepJob(engine, cfg.SweepInterval, cfg.SweepBatchSize, logger)

	srv := httpapi.NewServer(cfg, httpapi.Deps{
		Store:  store,
		Engine: engine,
		Sweep:  sweep,
		Fares:  fares,
		ETA:    estimator,
		GeoIdx: geoIdx,
		Kafka:  producer,
		WSReg:  wsReg,
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweep.Run(ctx)

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
