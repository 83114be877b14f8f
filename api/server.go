// Package api exposes Paywall over HTTP with gin.
//
// Viewers authenticate with HS256 bearer tokens whose subject is the user
// id. Access checks, previews and catalog reads also accept anonymous
// callers; everything that changes state requires a token.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/paywall"
)

// Defaults applied by New.
const (
	DefaultCheckoutLimit   = 10
	DefaultCheckoutWindow  = time.Minute
	DefaultMaxWebhookBytes = 1 << 20

	// MaxPageSize caps the limit query parameter on list endpoints.
	MaxPageSize = 500
)

// Server routes HTTP requests to a Paywall engine.
type Server struct {
	engine   *paywall.Paywall
	tokens   *TokenManager
	limiter  Limiter
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	allowOrigins    []string
	checkoutLimit   int
	checkoutWindow  time.Duration
	maxWebhookBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLimiter sets the checkout rate limiter. Without one checkout is not
// rate limited.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithCheckoutLimit allows n purchase attempts per caller per window.
func WithCheckoutLimit(n int, window time.Duration) Option {
	return func(s *Server) {
		s.checkoutLimit = n
		s.checkoutWindow = window
	}
}

// WithAllowOrigins sets the CORS origins. Empty allows any origin.
func WithAllowOrigins(origins ...string) Option {
	return func(s *Server) { s.allowOrigins = origins }
}

// WithGatherer sets the source served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMaxWebhookBytes caps webhook request bodies.
func WithMaxWebhookBytes(n int64) Option {
	return func(s *Server) { s.maxWebhookBytes = n }
}

// New returns a server for engine authenticating with tokens.
func New(engine *paywall.Paywall, tokens *TokenManager, opts ...Option) *Server {
	s := &Server{
		engine:          engine,
		tokens:          tokens,
		logger:          slog.Default(),
		gatherer:        prometheus.DefaultGatherer,
		checkoutLimit:   DefaultCheckoutLimit,
		checkoutWindow:  DefaultCheckoutWindow,
		maxWebhookBytes: DefaultMaxWebhookBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin router.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())

	config := cors.DefaultConfig()
	if len(s.allowOrigins) > 0 {
		config.AllowOrigins = s.allowOrigins
		config.AllowCredentials = true
	} else {
		config.AllowAllOrigins = true
	}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", headerRequestID}
	config.ExposeHeaders = []string{headerRequestID}
	config.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	r.Use(cors.New(config))

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	{
		// Webhooks authenticate with provider signatures, not bearer tokens.
		api.POST("/webhooks/:method", s.webhook)

		public := api.Group("")
		public.Use(s.authenticate(false))
		{
			public.GET("/courses", s.listCourses)
			public.GET("/courses/:courseID", s.getCourse)
			public.GET("/courses/:courseID/units/:unitID/access", s.checkAccess)
			public.GET("/courses/:courseID/units/:unitID/preview", s.previewBudget)
		}

		user := api.Group("")
		user.Use(s.authenticate(true))
		{
			user.POST("/courses", s.createCourse)
			user.PUT("/courses/:courseID", s.updateCourse)
			user.POST("/me", s.register)
			user.GET("/me", s.me)
			user.GET("/me/purchases", s.myPurchases)
			user.POST("/enrollments", s.enroll)
			user.POST("/purchases", s.rateLimit("checkout", s.checkoutLimit, s.checkoutWindow), s.purchase)
			user.GET("/purchases/:txnID", s.refreshPurchase)
		}

		admin := api.Group("/admin")
		admin.Use(s.authenticate(true))
		{
			admin.GET("/payments", s.listPayments)
			admin.POST("/reconcile", s.reconcile)
			admin.PUT("/users/:userID/role", s.setRole)
		}
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	if err := s.engine.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
