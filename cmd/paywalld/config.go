package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is read from paywall.env and the environment. Environment
// variables win.
type Config struct {
	Addr           string        `mapstructure:"PAYWALL_ADDR"`
	LogLevel       string        `mapstructure:"PAYWALL_LOG_LEVEL"`
	AllowedOrigins string        `mapstructure:"PAYWALL_ALLOWED_ORIGINS"`
	JWTSecret      string        `mapstructure:"PAYWALL_JWT_SECRET"`
	JWTIssuer      string        `mapstructure:"PAYWALL_JWT_ISSUER"`
	ShutdownGrace  time.Duration `mapstructure:"PAYWALL_SHUTDOWN_GRACE"`
	AuditSkip      string        `mapstructure:"PAYWALL_AUDIT_SKIP"` // comma-separated actions

	StoreDriver string `mapstructure:"PAYWALL_STORE"` // memory, sqlite, postgres, mongo
	StoreDSN    string `mapstructure:"PAYWALL_STORE_DSN"`
	MongoDB     string `mapstructure:"PAYWALL_MONGO_DATABASE"`

	RedisAddr      string        `mapstructure:"PAYWALL_REDIS_ADDR"`
	CacheTTL       time.Duration `mapstructure:"PAYWALL_CACHE_TTL"`
	CheckoutLimit  int           `mapstructure:"PAYWALL_CHECKOUT_LIMIT"`
	IntentTimeout  time.Duration `mapstructure:"PAYWALL_INTENT_TIMEOUT"`
	SweepInterval  time.Duration `mapstructure:"PAYWALL_SWEEP_INTERVAL"`
	ReconcileCron  string        `mapstructure:"PAYWALL_RECONCILE_CRON"`
	ReconcileSince time.Duration `mapstructure:"PAYWALL_RECONCILE_WINDOW"`

	PayPalBaseURL   string `mapstructure:"PAYPAL_BASE_URL"`
	PayPalClientID  string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalSecret    string `mapstructure:"PAYPAL_SECRET"`
	PayPalWebhookID string `mapstructure:"PAYPAL_WEBHOOK_ID"`
	PayPalReturnURL string `mapstructure:"PAYPAL_RETURN_URL"`
	PayPalCancelURL string `mapstructure:"PAYPAL_CANCEL_URL"`

	InterSendBaseURL     string `mapstructure:"INTERSEND_BASE_URL"`
	InterSendAPIKey      string `mapstructure:"INTERSEND_API_KEY"`
	InterSendMerchantID  string `mapstructure:"INTERSEND_MERCHANT_ID"`
	InterSendCallbackURL string `mapstructure:"INTERSEND_CALLBACK_URL"`
	InterSendSecret      string `mapstructure:"INTERSEND_CALLBACK_SECRET"`
	InterSendRate        int64  `mapstructure:"INTERSEND_RATE"`

	SendGridKey  string `mapstructure:"SENDGRID_API_KEY"`
	SendGridHost string `mapstructure:"SENDGRID_HOST"`
	AppName      string `mapstructure:"PAYWALL_APP_NAME"`
	FromEmail    string `mapstructure:"PAYWALL_FROM_EMAIL"`
}

var defaults = map[string]any{
	"PAYWALL_ADDR":             ":8080",
	"PAYWALL_LOG_LEVEL":        "info",
	"PAYWALL_JWT_ISSUER":       "paywall",
	"PAYWALL_SHUTDOWN_GRACE":   10 * time.Second,
	"PAYWALL_STORE":            "memory",
	"PAYWALL_MONGO_DATABASE":   "paywall",
	"PAYWALL_CACHE_TTL":        30 * time.Second,
	"PAYWALL_CHECKOUT_LIMIT":   10,
	"PAYWALL_INTENT_TIMEOUT":   15 * time.Minute,
	"PAYWALL_SWEEP_INTERVAL":   time.Minute,
	"PAYWALL_RECONCILE_CRON":   "*/15 * * * *",
	"PAYWALL_RECONCILE_WINDOW": 24 * time.Hour,
	"INTERSEND_RATE":           120,
	"PAYWALL_APP_NAME":         "Paywall",
	"PAYWALL_FROM_EMAIL":       "noreply@localhost",
}

// LoadConfig reads path/paywall.env if present, then the environment.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("paywall")
	v.SetConfigType("env")
	v.AutomaticEnv()

	var cfg Config
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Unmarshal only sees keys viper knows about.
	for _, key := range configKeys() {
		if err := v.BindEnv(key); err != nil {
			return cfg, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server must not start with. A
// payment provider is only enabled together with the secret that
// authenticates its webhooks.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("PAYWALL_JWT_SECRET is required")
	}
	if c.PayPalClientID != "" && c.PayPalWebhookID == "" {
		return errors.New("PAYPAL_WEBHOOK_ID is required when PayPal is enabled")
	}
	if c.InterSendAPIKey != "" && c.InterSendSecret == "" {
		return errors.New("INTERSEND_CALLBACK_SECRET is required when InterSend is enabled")
	}
	return nil
}

func configKeys() []string {
	return []string{
		"PAYWALL_ADDR", "PAYWALL_LOG_LEVEL", "PAYWALL_ALLOWED_ORIGINS",
		"PAYWALL_JWT_SECRET", "PAYWALL_JWT_ISSUER", "PAYWALL_SHUTDOWN_GRACE",
		"PAYWALL_AUDIT_SKIP",
		"PAYWALL_STORE", "PAYWALL_STORE_DSN", "PAYWALL_MONGO_DATABASE",
		"PAYWALL_REDIS_ADDR", "PAYWALL_CACHE_TTL", "PAYWALL_CHECKOUT_LIMIT",
		"PAYWALL_INTENT_TIMEOUT", "PAYWALL_SWEEP_INTERVAL",
		"PAYWALL_RECONCILE_CRON", "PAYWALL_RECONCILE_WINDOW",
		"PAYPAL_BASE_URL", "PAYPAL_CLIENT_ID", "PAYPAL_SECRET",
		"PAYPAL_WEBHOOK_ID", "PAYPAL_RETURN_URL", "PAYPAL_CANCEL_URL",
		"INTERSEND_BASE_URL", "INTERSEND_API_KEY", "INTERSEND_MERCHANT_ID",
		"INTERSEND_CALLBACK_URL", "INTERSEND_CALLBACK_SECRET", "INTERSEND_RATE",
		"SENDGRID_API_KEY", "SENDGRID_HOST", "PAYWALL_APP_NAME", "PAYWALL_FROM_EMAIL",
	}
}

// Origins splits the comma-separated CORS origin list.
func (c Config) Origins() []string { return splitList(c.AllowedOrigins) }

// SkippedAuditActions lists audit actions to leave out of the trail.
func (c Config) SkippedAuditActions() []string { return splitList(c.AuditSkip) }

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
