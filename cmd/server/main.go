package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/booking-engine/internal/audit"
	"github.com/example/booking-engine/internal/auth"
	"github.com/example/booking-engine/internal/booking"
	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/config"
	"github.com/example/booking-engine/internal/eta"
	"github.com/example/booking-engine/internal/gateway"
	"github.com/example/booking-engine/internal/geo"
	httpapi "github.com/example/booking-engine/internal/http"
	"github.com/example/booking-engine/internal/ingest"
	"github.com/example/booking-engine/internal/logging"
	"github.com/example/booking-engine/internal/matcher"
	"github.com/example/booking-engine/internal/notify"
	"github.com/example/booking-engine/internal/payments"
	"github.com/example/booking-engine/internal/policy"
	"github.com/example/booking-engine/internal/pricing"
	"github.com/example/booking-engine/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// storage
	var (
		store      storage.Store
		auditStore audit.Store = audit.SlogStore{Logger: logging.Component(logger, "audit")}
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "versions", applied)
		}
		store, auditStore = ps, ps
	} else {
		logger.Warn("PG_DSN not set; using in-memory storage")
		store = storage.NewMemoryStore()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var workers geo.Geo = geo.NewIndex()
	if rdb != nil {
		workers = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaWorkerTopic, cfg.KafkaTrackingTopic)
		closers = append(closers, producer.Close)
	}

	catalog, err := pricing.Load(cfg.CatalogPath, cfg.TaxRate)
	if err != nil {
		return err
	}

	var gw payments.Gateway = payments.DemoGateway{}
	if cfg.PaymentProvider == "stripe" {
		gw = payments.NewBreakerGateway(payments.NewStripeGateway(cfg.StripeAPIKey, ""), logging.Component(logger, "payments"))
	}

	tokens, err := captoken.NewAuthority([]byte(cfg.TrackingSecret), captoken.WithTTL(cfg.TrackingTokenTTL))
	if err != nil {
		return err
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	auditLog := audit.NewLogger(auditStore, logging.Component(logger, "audit"), cfg.AuditBufferSize)
	closers = append(closers, auditLog.Close)

	// real-time gateway
	nodeID := cfg.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host + "-" + uuid.NewString()[:8]
	}
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	bus := gateway.NewBus(logging.Component(logger, "bus"))
	if rdb != nil {
		relay := gateway.NewRedisRelay(rdb, cfg.RedisRoomsKey, nodeID, logging.Component(logger, "relay"))
		bus.SetRelay(relay)
		go func() {
			if err := relay.Run(busCtx, bus); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("room relay stopped", "error", err)
			}
		}()
	}
	go bus.Run(busCtx)

	var throttle ingest.Throttle = ingest.NewMemoryThrottle(cfg.TrackingPersistEvery)
	if rdb != nil {
		throttle = ingest.RedisThrottle{Client: rdb, Interval: cfg.TrackingPersistEvery}
	}
	var sampleSink ingest.SampleSink = ingest.LogSink{Logger: logging.Component(logger, "tracking")}
	if producer != nil {
		sampleSink = producer
	}
	samples := ingest.NewSampleRecorder(sampleSink, throttle, logging.Component(logger, "tracking"), 0)
	closers = append(closers, func() error { samples.Close(); return nil })
	chat := gateway.NewChatPersister(store, logging.Component(logger, "chat"), cfg.ChatPersistQueueLength, 4)
	closers = append(closers, func() error { chat.Close(); return nil })

	verifier := auth.NewJWTVerifier(cfg.SessionSecret)
	ws := gateway.New(bus, gateway.Options{
		Verifier:        verifier,
		SessionCookie:   cfg.SessionCookie,
		Tokens:          tokens,
		Conversations:   store,
		Messages:        chat,
		Samples:         samples,
		Origins:         gateway.OriginPolicy{Allowed: cfg.AllowedOrigins, Production: cfg.Production()},
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		Logger:          logging.Component(logger, "gateway"),
	})

	// notifications
	sinks := []notify.Sink{{Name: "gateway", Notifier: notify.GatewayNotifier{Pusher: ws}}}
	if cfg.RabbitURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.RabbitURL, cfg.NotificationExchange)
		if err != nil {
			return err
		}
		closers = append(closers, pub.Close)
		sinks = append(sinks, notify.Sink{Name: "amqp", Notifier: pub})
	}
	if cfg.FCMEndpoint != "" {
		sinks = append(sinks, notify.Sink{Name: "fcm", Notifier: notify.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey)})
	}
	if len(sinks) == 1 {
		sinks = append(sinks, notify.Sink{Name: "log", Notifier: notify.LogNotifier{Logger: logging.Component(logger, "notify")}})
	}
	dispatcher := notify.NewDispatcher(logging.Component(logger, "notify"), 3*time.Second, sinks...)
	closers = append(closers, func() error { dispatcher.Wait(); return nil })

	svc := booking.NewService(booking.Deps{
		Store: store,
		Matcher: &matcher.Service{
			Geo:      workers,
			Schedule: store,
			ETA:      est,
			TopN:     cfg.MatcherTopN,
			RadiusM:  cfg.MatcherRadiusM,
		},
		Catalog:  catalog,
		Payments: payments.NewService(store, store, gw),
		Notifier: dispatcher,
		Audit:    auditLog,
		Policy: policy.Static{P: policy.Policy{
			RebookWindow:      time.Duration(cfg.RebookWindowDays) * 24 * time.Hour,
			MaxFutureDays:     cfg.RebookMaxFutureDays,
			MinLead:           cfg.RebookMinLead,
			DefaultStrictSame: cfg.DefaultStrictSame,
		}},
		Tokens:   tokens,
		Logger:   logging.Component(logger, "booking"),
		TokenTTL: cfg.TrackingTokenTTL,
	})

	deps := httpapi.Deps{
		Bookings:      svc,
		Geo:           workers,
		Gateway:       ws,
		Verifier:      verifier,
		SessionCookie: cfg.SessionCookie,
		Ready: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logging.Component(logger, "http"),
	}
	if producer != nil {
		deps.Workers = producer
	}
	api := httpapi.NewServer(deps)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("booking engine listening", "addr", cfg.HTTPAddr, "node", nodeID, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	return nil
}
