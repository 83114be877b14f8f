// Command paywalld serves the paywall HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/api"
	audithook "github.com/xraph/paywall/audit_hook"
	rediscache "github.com/xraph/paywall/cache/redis"
	"github.com/xraph/paywall/observability"
	"github.com/xraph/paywall/provider/intersend"
	"github.com/xraph/paywall/provider/paypal"
	"github.com/xraph/paywall/receipt"
	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/store/memory"
	"github.com/xraph/paywall/store/mongo"
	"github.com/xraph/paywall/store/postgres"
	"github.com/xraph/paywall/store/sqlite"
)

func main() {
	cfg, err := LoadConfig(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "paywalld: config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("paywalld exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []paywall.Option{
		paywall.WithLogger(logger),
		paywall.WithCacheTTL(cfg.CacheTTL),
		paywall.WithIntentTimeout(cfg.IntentTimeout),
		paywall.WithSweepInterval(cfg.SweepInterval),
		paywall.WithPlugin(audithook.New(audithook.LogRecorder(logger),
			audithook.WithLogger(logger),
			audithook.SkipActions(cfg.SkippedAuditActions()...),
		)),
		paywall.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
	}

	var limiter api.Limiter = api.NewMemoryLimiter()
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, paywall.WithCache(rediscache.New(rdb)))
		limiter = api.NewRedisLimiter(rdb)
	}

	if cfg.PayPalClientID != "" {
		opts = append(opts, paywall.WithProvider(paypal.New(paypal.Config{
			BaseURL:   cfg.PayPalBaseURL,
			ClientID:  cfg.PayPalClientID,
			Secret:    cfg.PayPalSecret,
			WebhookID: cfg.PayPalWebhookID,
			ReturnURL: cfg.PayPalReturnURL,
			CancelURL: cfg.PayPalCancelURL,
			BrandName: cfg.AppName,
		})))
	}
	if cfg.InterSendAPIKey != "" {
		opts = append(opts, paywall.WithProvider(intersend.New(intersend.Config{
			BaseURL:        cfg.InterSendBaseURL,
			APIKey:         cfg.InterSendAPIKey,
			MerchantID:     cfg.InterSendMerchantID,
			CallbackURL:    cfg.InterSendCallbackURL,
			CallbackSecret: cfg.InterSendSecret,
			Rate:           cfg.InterSendRate,
		})))
	}
	// The engine owns the store from here on and closes it in Stop.
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if cfg.SendGridKey != "" {
		mailer := receipt.NewSendGridMailer(cfg.SendGridKey, cfg.SendGridHost, cfg.AppName, cfg.FromEmail)
		opts = append(opts, paywall.WithPlugin(receipt.New(st, mailer, receipt.WithLogger(logger))))
	}

	engine := paywall.New(st, opts...)
	if len(engine.Methods()) == 0 {
		logger.Warn("no payment provider configured; purchases will be rejected")
	}
	if err := engine.Start(ctx); err != nil {
		_ = st.Close()
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Error("engine stop", "error", err)
		}
	}()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.ReconcileCron, func() {
		if _, err := engine.Reconcile(ctx, time.Now().Add(-cfg.ReconcileSince)); err != nil {
			logger.Error("scheduled reconcile failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", cfg.ReconcileCron, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	gin.SetMode(gin.ReleaseMode)
	server := api.New(engine, api.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, 0),
		api.WithLogger(logger),
		api.WithLimiter(limiter),
		api.WithCheckoutLimit(cfg.CheckoutLimit, time.Minute),
		api.WithAllowOrigins(cfg.Origins()...),
		api.WithGatherer(reg),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("paywalld listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "methods", engine.Methods())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.StoreDSN)
	case "postgres":
		return postgres.Open(cfg.StoreDSN)
	case "mongo":
		return mongo.Open(cfg.StoreDSN, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
