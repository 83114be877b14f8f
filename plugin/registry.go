package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
)

// DefaultHookTimeout bounds how long a single plugin call may run.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emitting skips plugins that don't care.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit             []OnInit
	onShutdown         []OnShutdown
	onUserRegistered   []OnUserRegistered
	onCourseCreated    []OnCourseCreated
	onCourseUpdated    []OnCourseUpdated
	onEnrolled         []OnEnrolled
	onAccessChecked    []OnAccessChecked
	onAccessDenied     []OnAccessDenied
	onPaymentSubmitted []OnPaymentSubmitted
	onPaymentCompleted []OnPaymentCompleted
	onPaymentFailed    []OnPaymentFailed
	onPaymentExpired   []OnPaymentExpired
	onGrantApplied     []OnGrantApplied
	onGrantFailed      []OnGrantFailed
	onReconciled       []OnReconciled
	onWebhookReceived  []OnWebhookReceived
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-call hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnUserRegistered); ok {
		r.onUserRegistered = append(r.onUserRegistered, v)
	}
	if v, ok := p.(OnCourseCreated); ok {
		r.onCourseCreated = append(r.onCourseCreated, v)
	}
	if v, ok := p.(OnCourseUpdated); ok {
		r.onCourseUpdated = append(r.onCourseUpdated, v)
	}
	if v, ok := p.(OnEnrolled); ok {
		r.onEnrolled = append(r.onEnrolled, v)
	}
	if v, ok := p.(OnAccessChecked); ok {
		r.onAccessChecked = append(r.onAccessChecked, v)
	}
	if v, ok := p.(OnAccessDenied); ok {
		r.onAccessDenied = append(r.onAccessDenied, v)
	}
	if v, ok := p.(OnPaymentSubmitted); ok {
		r.onPaymentSubmitted = append(r.onPaymentSubmitted, v)
	}
	if v, ok := p.(OnPaymentCompleted); ok {
		r.onPaymentCompleted = append(r.onPaymentCompleted, v)
	}
	if v, ok := p.(OnPaymentFailed); ok {
		r.onPaymentFailed = append(r.onPaymentFailed, v)
	}
	if v, ok := p.(OnPaymentExpired); ok {
		r.onPaymentExpired = append(r.onPaymentExpired, v)
	}
	if v, ok := p.(OnGrantApplied); ok {
		r.onGrantApplied = append(r.onGrantApplied, v)
	}
	if v, ok := p.(OnGrantFailed); ok {
		r.onGrantFailed = append(r.onGrantFailed, v)
	}
	if v, ok := p.(OnReconciled); ok {
		r.onReconciled = append(r.onReconciled, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnUserRegistered", reflect.TypeOf((*OnUserRegistered)(nil)).Elem()},
	{"OnCourseCreated", reflect.TypeOf((*OnCourseCreated)(nil)).Elem()},
	{"OnCourseUpdated", reflect.TypeOf((*OnCourseUpdated)(nil)).Elem()},
	{"OnEnrolled", reflect.TypeOf((*OnEnrolled)(nil)).Elem()},
	{"OnAccessChecked", reflect.TypeOf((*OnAccessChecked)(nil)).Elem()},
	{"OnAccessDenied", reflect.TypeOf((*OnAccessDenied)(nil)).Elem()},
	{"OnPaymentSubmitted", reflect.TypeOf((*OnPaymentSubmitted)(nil)).Elem()},
	{"OnPaymentCompleted", reflect.TypeOf((*OnPaymentCompleted)(nil)).Elem()},
	{"OnPaymentFailed", reflect.TypeOf((*OnPaymentFailed)(nil)).Elem()},
	{"OnPaymentExpired", reflect.TypeOf((*OnPaymentExpired)(nil)).Elem()},
	{"OnGrantApplied", reflect.TypeOf((*OnGrantApplied)(nil)).Elem()},
	{"OnGrantFailed", reflect.TypeOf((*OnGrantFailed)(nil)).Elem()},
	{"OnReconciled", reflect.TypeOf((*OnReconciled)(nil)).Elem()},
	{"OnWebhookReceived", reflect.TypeOf((*OnWebhookReceived)(nil)).Elem()},
}

// implementedInterfaces returns the hook names the plugin implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, pw interface{}) {
	r.mu.RLock()
	hooks := r.onInit
	r.mu.RUnlock()
	emit(ctx, r, "OnInit", hooks, func(p OnInit) error { return p.OnInit(ctx, pw) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	hooks := r.onShutdown
	r.mu.RUnlock()
	emit(ctx, r, "OnShutdown", hooks, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitUserRegistered emits a user registered event.
func (r *Registry) EmitUserRegistered(ctx context.Context, prof *profile.Profile) {
	r.mu.RLock()
	hooks := r.onUserRegistered
	r.mu.RUnlock()
	emit(ctx, r, "OnUserRegistered", hooks, func(p OnUserRegistered) error { return p.OnUserRegistered(ctx, prof) })
}

// EmitCourseCreated emits a course created event.
func (r *Registry) EmitCourseCreated(ctx context.Context, c *catalog.Course) {
	r.mu.RLock()
	hooks := r.onCourseCreated
	r.mu.RUnlock()
	emit(ctx, r, "OnCourseCreated", hooks, func(p OnCourseCreated) error { return p.OnCourseCreated(ctx, c) })
}

// EmitCourseUpdated emits a course updated event.
func (r *Registry) EmitCourseUpdated(ctx context.Context, c *catalog.Course) {
	r.mu.RLock()
	hooks := r.onCourseUpdated
	r.mu.RUnlock()
	emit(ctx, r, "OnCourseUpdated", hooks, func(p OnCourseUpdated) error { return p.OnCourseUpdated(ctx, c) })
}

// EmitEnrolled emits an enrollment event.
func (r *Registry) EmitEnrolled(ctx context.Context, userID id.UserID, courseID id.CourseID) {
	r.mu.RLock()
	hooks := r.onEnrolled
	r.mu.RUnlock()
	emit(ctx, r, "OnEnrolled", hooks, func(p OnEnrolled) error { return p.OnEnrolled(ctx, userID, courseID) })
}

// EmitAccessChecked emits an access decision, and a denial event when it
// does not allow access.
func (r *Registry) EmitAccessChecked(ctx context.Context, userID id.UserID, d *entitlement.Decision) {
	r.mu.RLock()
	checked := r.onAccessChecked
	denied := r.onAccessDenied
	r.mu.RUnlock()

	emit(ctx, r, "OnAccessChecked", checked, func(p OnAccessChecked) error { return p.OnAccessChecked(ctx, userID, d) })
	if !d.Allowed {
		emit(ctx, r, "OnAccessDenied", denied, func(p OnAccessDenied) error { return p.OnAccessDenied(ctx, userID, d) })
	}
}

// EmitPaymentSubmitted emits a payment submitted event.
func (r *Registry) EmitPaymentSubmitted(ctx context.Context, rec *payment.Record) {
	r.mu.RLock()
	hooks := r.onPaymentSubmitted
	r.mu.RUnlock()
	emit(ctx, r, "OnPaymentSubmitted", hooks, func(p OnPaymentSubmitted) error { return p.OnPaymentSubmitted(ctx, rec) })
}

// EmitPaymentCompleted emits a payment completed event.
func (r *Registry) EmitPaymentCompleted(ctx context.Context, rec *payment.Record) {
	r.mu.RLock()
	hooks := r.onPaymentCompleted
	r.mu.RUnlock()
	emit(ctx, r, "OnPaymentCompleted", hooks, func(p OnPaymentCompleted) error { return p.OnPaymentCompleted(ctx, rec) })
}

// EmitPaymentFailed emits a payment failed event.
func (r *Registry) EmitPaymentFailed(ctx context.Context, rec *payment.Record) {
	r.mu.RLock()
	hooks := r.onPaymentFailed
	r.mu.RUnlock()
	emit(ctx, r, "OnPaymentFailed", hooks, func(p OnPaymentFailed) error { return p.OnPaymentFailed(ctx, rec) })
}

// EmitPaymentExpired emits a payment expired event.
func (r *Registry) EmitPaymentExpired(ctx context.Context, rec *payment.Record) {
	r.mu.RLock()
	hooks := r.onPaymentExpired
	r.mu.RUnlock()
	emit(ctx, r, "OnPaymentExpired", hooks, func(p OnPaymentExpired) error { return p.OnPaymentExpired(ctx, rec) })
}

// EmitGrantApplied emits a grant applied event.
func (r *Registry) EmitGrantApplied(ctx context.Context, rec *payment.Record, g profile.Grant) {
	r.mu.RLock()
	hooks := r.onGrantApplied
	r.mu.RUnlock()
	emit(ctx, r, "OnGrantApplied", hooks, func(p OnGrantApplied) error { return p.OnGrantApplied(ctx, rec, g) })
}

// EmitGrantFailed emits a grant failed event.
func (r *Registry) EmitGrantFailed(ctx context.Context, rec *payment.Record, cause error) {
	r.mu.RLock()
	hooks := r.onGrantFailed
	r.mu.RUnlock()
	emit(ctx, r, "OnGrantFailed", hooks, func(p OnGrantFailed) error { return p.OnGrantFailed(ctx, rec, cause) })
}

// EmitReconciled emits a reconciliation summary.
func (r *Registry) EmitReconciled(ctx context.Context, scanned, repaired, failed int, elapsed time.Duration) {
	r.mu.RLock()
	hooks := r.onReconciled
	r.mu.RUnlock()
	emit(ctx, r, "OnReconciled", hooks, func(p OnReconciled) error {
		return p.OnReconciled(ctx, scanned, repaired, failed, elapsed)
	})
}

// EmitWebhookReceived emits a webhook received event.
func (r *Registry) EmitWebhookReceived(ctx context.Context, provider payment.Method, payload []byte) {
	r.mu.RLock()
	hooks := r.onWebhookReceived
	r.mu.RUnlock()
	emit(ctx, r, "OnWebhookReceived", hooks, func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, provider, payload)
	})
}

// emit runs fn for every hook. Failures are logged and never propagate:
// plugins must not break the purchase pipeline.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
