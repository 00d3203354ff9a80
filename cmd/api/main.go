package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/storefront-orders/internal/api"
	"github.com/safar/storefront-orders/internal/auth"
	"github.com/safar/storefront-orders/internal/config"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/logging"
	"github.com/safar/storefront-orders/internal/metrics"
	"github.com/safar/storefront-orders/internal/notify"
	"github.com/safar/storefront-orders/internal/order"
	"github.com/safar/storefront-orders/internal/payment"
	"github.com/safar/storefront-orders/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNewLogger(cfg.Log.Service, cfg.Log.Env, cfg.Log.Level)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid_config", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server_exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("database_connected")

	m := metrics.New(prometheus.DefaultRegisterer)

	gateway, err := newGateway(cfg)
	if err != nil {
		return err
	}

	sink, closeSink := newSink(cfg, logger)
	defer closeSink()

	dispatcher := notify.NewDispatcher(sink, notify.DispatcherConfig{
		QueueSize:   cfg.Notify.QueueSize,
		Workers:     cfg.Notify.Workers,
		TaskTimeout: cfg.Notify.TaskTimeout,
	}, logger, m)

	repo := store.New(db)
	svc := order.NewService(order.Dependencies{
		Catalog: repo,
		Repo:    repo,
		Gateway: gateway,
		Verifiers: []payment.WebhookVerifier{
			payment.NewRazorpayWebhookVerifier(cfg.Razorpay.WebhookSecret, cfg.Payment.MinorUnitFactor),
			payment.NewStripeWebhookVerifier(cfg.Stripe.WebhookSecret, cfg.Payment.MinorUnitFactor),
		},
		Notifier:      dispatcher,
		Logger:        logger,
		Metrics:       m,
		WebhookPolicy: order.WebhookPolicy(cfg.Webhook.Policy),
	})

	handler := api.NewHandler(svc, auth.NewAuthenticator(cfg.Auth.JWTSecret, 0), api.Options{
		Logger:       logger,
		Metrics:      m,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handler.Routes(map[string]http.Handler{
			"GET /metrics": metrics.Handler(),
			"GET /healthz": healthz(db.PingContext),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	dispatcher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http_server_starting",
			zap.String("addr", server.Addr),
			zap.String("payment_provider", gateway.Name()),
			zap.String("webhook_policy", cfg.Webhook.Policy),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(logger, shutdownTimeout, server, dispatcher)
	})

	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type stopper interface {
	Stop(ctx context.Context) error
}

// shutdown stops accepting requests and waits for in-flight handlers before
// draining the dispatcher, since handlers enqueue notifications into it.
func shutdown(logger *zap.Logger, timeout time.Duration, server shutdowner, dispatcher stopper) error {
	logger.Info("http_server_stopping")
	serverCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	serverErr := server.Shutdown(serverCtx)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()
	return errors.Join(serverErr, dispatcher.Stop(stopCtx))
}

func newGateway(cfg *config.Config) (payment.Gateway, error) {
	opts := payment.GatewayOptions{
		MinorUnitFactor: cfg.Payment.MinorUnitFactor,
		Timeout:         cfg.Payment.GatewayTimeout,
	}

	switch cfg.Payment.Provider {
	case config.ProviderRazorpay:
		opts.BaseURL = cfg.Razorpay.BaseURL
		opts.Currency = cfg.Razorpay.Currency
		return payment.NewRazorpayGateway(payment.RazorpayConfig{
			KeyID:          cfg.Razorpay.KeyID,
			KeySecret:      cfg.Razorpay.KeySecret,
			GatewayOptions: opts,
		}), nil
	case config.ProviderStripe:
		opts.BaseURL = cfg.Stripe.BaseURL
		opts.Currency = cfg.Stripe.Currency
		return payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:      cfg.Stripe.SecretKey,
			GatewayOptions: opts,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.Payment.Provider)
	}
}

func newSink(cfg *config.Config, logger *zap.Logger) (notify.Sink, func()) {
	if !cfg.Kafka.Enabled() {
		return notify.NewLogSink(logger), func() {}
	}

	sink := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic))
	logger.Info("kafka_notifications_enabled",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.NotificationTopic),
	)
	return sink, func() {
		if err := sink.Close(); err != nil {
			logger.Warn("kafka_writer_close_failed", zap.Error(err))
		}
	}
}

func healthz(ping func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
