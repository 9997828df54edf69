package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, closers, err := build(ctx, cfg, logger)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("ride-dispatch stopped")
}

// build wires the core from configuration. Every optional backend falls back
// to its in-process implementation when not configured.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (http.Handler, []io.Closer, error) {
	var closers []io.Closer

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, ps)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return nil, closers, err
			}
			logger.Info("migrations applied")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set; using in-memory store")
		store = storage.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc)
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, closers, models.Dependency("redis ping", err)
		}
		locator = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		locator = geo.NewIndex()
	}

	var router eta.Router
	switch {
	case cfg.OSRMEndpoint != "":
		router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	case cfg.GoogleMapsAPIKey != "":
		gr, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, closers, err
		}
		router = gr
	}
	estimator := eta.NewEstimator(router, cfg.ETACacheTTL, logger)

	ws := dispatch.NewWSRegistry(logger)
	chain := dispatch.Fallback{ws}
	if cfg.AMQPURL != "" {
		an, err := dispatch.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, an)
		chain = append(chain, an)
	}
	if cfg.PushEndpoint != "" {
		chain = append(chain, dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey))
	}

	pay := payments.ByMethod{models.PaymentCash: payments.Cash{}}
	if cfg.StripeAPIKey != "" {
		sp := payments.NewStripeProcessor(cfg.StripeAPIKey)
		pay[models.PaymentCard] = sp
		pay[models.PaymentWallet] = sp
	}

	var pub events.Publisher = events.Nop{}
	var stream httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, kp)
		pub = kp
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, lp)
		stream = lp
	}

	mcfg := matcher.Config{
		RadiusMeters:           cfg.MatchRadiusMeters,
		MaxResults:             cfg.MatchMaxResults,
		EscalationRadiusMeters: cfg.EscalationRadius,
		EscalationMaxResults:   cfg.EscalationMaxResults,
		Fanout:                 cfg.DispatchFanout,
		Timeout:                cfg.DispatchTimeout,
		MaxRounds:              cfg.MaxDispatchRounds,
	}
	engine := matcher.New(directory.GeoDirectory{Locator: locator, Store: store}, store, chain, estimator, mcfg, logger)
	engine.Events = pub

	zr := zones.NewResolver(store, cfg.InterRegionalPerKm, cfg.ZoneCacheTTL, logger)
	ctl := booking.NewController(store, engine, zr, chain, pay, booking.DefaultPricing(cfg.PaymentCurrency, cfg.DefaultCommissionRate), logger)
	ctl.Events = pub
	ctl.AcceptRadiusMeters = cfg.AcceptRadiusMeters

	applier := ingest.NewApplier(store, locator, logger)
	return httpapi.NewServer(ctl, zr, applier, stream, ws, logger), closers, nil
}
