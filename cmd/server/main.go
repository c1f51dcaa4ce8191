package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ridecore/internal/app"
	"ridecore/internal/config"
	"ridecore/internal/domain"
	"ridecore/internal/events"
	"ridecore/internal/handler"
	"ridecore/internal/logging"
	"ridecore/internal/maps"
	"ridecore/internal/metrics"
	internalRedis "ridecore/internal/redis"
	"ridecore/internal/repository/postgres"
	"ridecore/internal/service"
)

const (
	startupTimeout     = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
	assignmentPrefetch = 16
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// Initialize New Relic FIRST (before database so we can instrument DB).
	nrApp := newRelic(cfg.NewRelic, logger)
	if nrApp != nil {
		defer nrApp.Shutdown(shutdownTimeout)
	}

	db, err := app.NewDatabase(startCtx, cfg.Database, nrApp)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to postgres", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	redisClient, err := app.NewRedisClient(startCtx, cfg.Redis, nrApp)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var sender events.Sender = events.NewLogSender(logger)
	var broker *events.Broker
	if cfg.RabbitMQ.URL != "" {
		broker, err = events.Dial(startCtx, cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer broker.Close()
		sender = broker
		logger.Info("connected to rabbitmq", "exchange", cfg.RabbitMQ.Exchange)
	} else {
		logger.Warn("RABBITMQ_URL not set, events are only logged")
	}
	dispatcher := events.NewDispatcher(sender, cfg.RabbitMQ.PublishQueueSize, logger, events.WithDispatcherMetrics(m))

	geocoder, router, err := newMapsProvider(cfg, logger)
	if err != nil {
		return err
	}

	wired := wireServer(db, redisClient, nrApp, cfg, logger, wiring{
		metrics:    m,
		registry:   reg,
		dispatcher: dispatcher,
		geocoder:   geocoder,
		router:     router,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := wired.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if broker != nil {
		deliveries, err := broker.Consume(cfg.RabbitMQ.AssignmentQueue, string(domain.EventDriverAssigned), assignmentPrefetch)
		if err != nil {
			return fmt.Errorf("consume assignments: %w", err)
		}
		consumer := events.NewAssignmentConsumer(wired.drivers, internalRedis.NewDeduper(redisClient, 0), logger)
		g.Go(func() error {
			return consumer.Run(gctx, deliveries)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := wired.server.Shutdown(shutdownCtx)
		if cerr := dispatcher.Close(shutdownCtx); cerr != nil {
			logger.Warn("event queue not fully drained", "error", cerr)
		}
		return err
	})

	return g.Wait()
}

func newRelic(cfg config.NewRelicConfig, logger *slog.Logger) *newrelic.Application {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return nil
	}
	nrApp, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		logger.Warn("failed to initialize New Relic", "error", err)
		return nil
	}
	logger.Info("New Relic enabled", "app", cfg.AppName)
	return nrApp
}

// newMapsProvider returns the Google Maps client, or the offline fallbacks
// when no API key is configured.
func newMapsProvider(cfg *config.Config, logger *slog.Logger) (service.Geocoder, service.Router, error) {
	if cfg.Maps.APIKey == "" {
		logger.Warn("GOOGLE_MAPS_API_KEY not set, using straight-line routes and coordinate-only locations")
		return service.CoordinateGeocoder{}, service.NewStraightLineRouter(cfg.Intake.AverageSpeedKmh), nil
	}

	opts := []maps.Option{maps.WithLanguage(cfg.Maps.Language)}
	if cfg.Maps.Region != "" {
		opts = append(opts, maps.WithRegion(cfg.Maps.Region))
	}
	client, err := maps.NewClient(cfg.Maps.APIKey, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create maps client: %w", err)
	}
	return client, client, nil
}

type wiring struct {
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	dispatcher *events.Dispatcher
	geocoder   service.Geocoder
	router     service.Router
}

type wiredServer struct {
	server  *http.Server
	drivers *service.DriverService
}

// wireServer wires all dependencies and returns the HTTP server.
func wireServer(
	db *sql.DB,
	redisClient *redis.Client,
	nrApp *newrelic.Application,
	cfg *config.Config,
	logger *slog.Logger,
	w wiring,
) wiredServer {
	// Initialize Redis stores.
	locationStore := internalRedis.NewLocationStore(redisClient, cfg.Drivers.LocationMaxAge)
	cacheStore := internalRedis.NewCacheStore(redisClient)
	intakeStore := internalRedis.NewIntakeStore(redisClient, cfg.Intake.SessionTTL)
	sessionStore := internalRedis.NewSessionStore(redisClient)
	offerStore := internalRedis.NewOfferStore(redisClient)

	locker := service.NewLocalTripLocker()
	if cfg.Locks.Distributed {
		locker = service.ChainLockers(locker, internalRedis.NewLockStore(redisClient, cfg.Locks.TTL))
	}

	// Initialize repositories.
	tripRepo := postgres.NewTripRepository(db)
	driverRepo := postgres.NewDriverRepository(db)

	// Initialize services.
	fares := service.NewFareCalculator(cfg.Fares, w.metrics)
	tripService := service.NewTripService(tripRepo, fares, w.dispatcher,
		service.WithTripLocker(locker),
		service.WithTripMetrics(w.metrics),
	)
	intakeService := service.NewIntakeService(intakeStore, tripService, w.geocoder, w.router, fares, w.metrics)
	driverService := service.NewDriverService(service.DriverDeps{
		Sessions:   sessionStore,
		DriverRepo: driverRepo,
		Trips:      tripService,
		Offers:     offerStore,
		Locations:  locationStore,
		Publisher:  w.dispatcher,
		Profiles:   cacheStore,
		Metrics:    w.metrics,
	})

	// Initialize handlers.
	intakeHandler := handler.NewIntakeHandler(intakeService, logger)
	tripHandler := handler.NewTripHandler(tripService, driverService, logger)
	driverHandler := handler.NewDriverHandler(driverService, locationStore, logger)

	// Create router.
	router := app.NewRouter(app.RouterDeps{
		IntakeHandler:  intakeHandler,
		TripHandler:    tripHandler,
		DriverHandler:  driverHandler,
		RedisClient:    redisClient,
		NewRelicApp:    nrApp,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{Registry: w.registry}),
		HealthChecks: map[string]app.HealthCheck{
			"postgres": db.PingContext,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	return wiredServer{
		server: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		drivers: driverService,
	}
}
