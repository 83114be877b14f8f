package paywall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/paywall/cache"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
	"github.com/xraph/paywall/provider"
	"github.com/xraph/paywall/store"
)

// Defaults applied by New.
const (
	DefaultIntentTimeout = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPollInterval  = 2 * time.Second
	DefaultCacheTTL      = 30 * time.Second
	DefaultGrantAttempts = 5
	DefaultGrantBackoff  = 100 * time.Millisecond
)

// Paywall is the entitlement engine and payment orchestrator.
type Paywall struct {
	store     store.Store
	cache     cache.Cache
	providers map[payment.Method]provider.Provider
	plugins   *plugin.Registry
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	intentTimeout time.Duration
	sweepInterval time.Duration
	pollInterval  time.Duration
	cacheTTL      time.Duration
	grantAttempts uint
	grantBackoff  time.Duration
	autoMigrate   bool
}

// New creates a new Paywall instance.
func New(s store.Store, opts ...Option) *Paywall {
	p := &Paywall{
		store:         s,
		cache:         cache.NewMemory(),
		providers:     make(map[payment.Method]provider.Provider),
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           func() time.Time { return time.Now().UTC() },
		stopChan:      make(chan struct{}),
		intentTimeout: DefaultIntentTimeout,
		sweepInterval: DefaultSweepInterval,
		pollInterval:  DefaultPollInterval,
		cacheTTL:      DefaultCacheTTL,
		grantAttempts: DefaultGrantAttempts,
		grantBackoff:  DefaultGrantBackoff,
		autoMigrate:   true,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Option configures a Paywall instance.
type Option func(*Paywall)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Paywall) {
		p.logger = logger
		p.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(pl plugin.Plugin) Option {
	return func(p *Paywall) {
		_ = p.plugins.Register(pl) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProvider enables a payment method.
func WithProvider(prov provider.Provider) Option {
	return func(p *Paywall) {
		p.providers[prov.Method()] = prov
	}
}

// WithCache replaces the in-process profile cache.
func WithCache(c cache.Cache) Option {
	return func(p *Paywall) {
		p.cache = c
	}
}

// WithCacheTTL sets how long profile snapshots are cached. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Paywall) {
		p.cacheTTL = ttl
	}
}

// WithIntentTimeout sets how long a pending payment may stay unresolved.
func WithIntentTimeout(d time.Duration) Option {
	return func(p *Paywall) {
		p.intentTimeout = d
	}
}

// WithSweepInterval sets how often stale intents are expired.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Paywall) {
		p.sweepInterval = d
	}
}

// WithPollInterval sets the status polling cadence used by Await.
func WithPollInterval(d time.Duration) Option {
	return func(p *Paywall) {
		p.pollInterval = d
	}
}

// WithGrantRetry configures retries for entitlement merges after a
// successful payment.
func WithGrantRetry(attempts uint, initial time.Duration) Option {
	return func(p *Paywall) {
		p.grantAttempts = attempts
		p.grantBackoff = initial
	}
}

// WithAutoMigrate controls whether Start migrates the store. Enabled by default.
func WithAutoMigrate(enabled bool) Option {
	return func(p *Paywall) {
		p.autoMigrate = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Paywall) {
		p.now = now
	}
}

// Store returns the underlying store.
func (p *Paywall) Store() store.Store { return p.store }

// Plugins returns the plugin registry.
func (p *Paywall) Plugins() *plugin.Registry { return p.plugins }

// Methods lists the configured payment methods.
func (p *Paywall) Methods() []payment.Method {
	methods := make([]payment.Method, 0, len(p.providers))
	for m := range p.providers {
		methods = append(methods, m)
	}
	return methods
}

// Start migrates the store and begins background workers.
func (p *Paywall) Start(ctx context.Context) error {
	if p.autoMigrate {
		if err := p.store.Migrate(ctx); err != nil {
			return err
		}
	}

	p.plugins.EmitInit(ctx, p)

	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepWorker()
	}

	p.logger.Info("paywall started",
		"providers", len(p.providers),
		"intent_timeout", p.intentTimeout,
		"sweep_interval", p.sweepInterval,
		"cache_ttl", p.cacheTTL,
	)

	return nil
}

// Stop shuts down background workers and closes the store.
func (p *Paywall) Stop() error {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	ctx := context.Background()
	p.plugins.EmitShutdown(ctx)

	return p.store.Close()
}

// sweepWorker periodically expires stale intents.
func (p *Paywall) sweepWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.sweepInterval)
			n, err := p.ExpireStale(ctx)
			cancel()
			if err != nil {
				p.logger.Error("failed to expire stale payments", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("expired stale payments", "count", n)
			}
		}
	}
}
