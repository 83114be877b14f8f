// Package observability provides a metrics extension for Paywall that records
// lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
	"github.com/xraph/paywall/profile"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin             = (*MetricsExtension)(nil)
	_ plugin.OnInit             = (*MetricsExtension)(nil)
	_ plugin.OnUserRegistered   = (*MetricsExtension)(nil)
	_ plugin.OnCourseCreated    = (*MetricsExtension)(nil)
	_ plugin.OnEnrolled         = (*MetricsExtension)(nil)
	_ plugin.OnAccessChecked    = (*MetricsExtension)(nil)
	_ plugin.OnPaymentSubmitted = (*MetricsExtension)(nil)
	_ plugin.OnPaymentCompleted = (*MetricsExtension)(nil)
	_ plugin.OnPaymentFailed    = (*MetricsExtension)(nil)
	_ plugin.OnPaymentExpired   = (*MetricsExtension)(nil)
	_ plugin.OnGrantApplied     = (*MetricsExtension)(nil)
	_ plugin.OnGrantFailed      = (*MetricsExtension)(nil)
	_ plugin.OnReconciled       = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Paywall plugin to automatically track purchase metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Catalog metrics
	UsersRegistered Counter
	CoursesCreated  Counter
	Enrollments     Counter

	// Access metrics
	AccessChecks           Counter
	AccessDeniedEnrollment Counter
	AccessDeniedPurchase   Counter

	// Payment metrics
	PaymentSubmitted Counter
	PaymentCompleted Counter
	PaymentFailed    Counter
	PaymentExpired   Counter
	PaymentAmount    Histogram

	// Grant metrics
	GrantApplied Counter
	GrantFailed  Counter
	UnitsGranted Counter

	// Reconciliation metrics
	ReconcileScanned  Counter
	ReconcileRepaired Counter
	ReconcileFailed   Counter
	ReconcileLatency  Histogram

	// Provider metrics
	WebhookReceived Counter
	WebhookBytes    Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		UsersRegistered: factory.Counter("paywall.users.registered"),
		CoursesCreated:  factory.Counter("paywall.courses.created"),
		Enrollments:     factory.Counter("paywall.enrollments"),

		AccessChecks:           factory.Counter("paywall.access.checks"),
		AccessDeniedEnrollment: factory.Counter("paywall.access.denied.enrollment"),
		AccessDeniedPurchase:   factory.Counter("paywall.access.denied.purchase"),

		PaymentSubmitted: factory.Counter("paywall.payment.submitted"),
		PaymentCompleted: factory.Counter("paywall.payment.completed"),
		PaymentFailed:    factory.Counter("paywall.payment.failed"),
		PaymentExpired:   factory.Counter("paywall.payment.expired"),
		PaymentAmount:    factory.Histogram("paywall.payment.amount_minor"),

		GrantApplied: factory.Counter("paywall.grant.applied"),
		GrantFailed:  factory.Counter("paywall.grant.failed"),
		UnitsGranted: factory.Counter("paywall.grant.units"),

		ReconcileScanned:  factory.Counter("paywall.reconcile.scanned"),
		ReconcileRepaired: factory.Counter("paywall.reconcile.repaired"),
		ReconcileFailed:   factory.Counter("paywall.reconcile.failed"),
		ReconcileLatency:  factory.Histogram("paywall.reconcile.latency_ms"),

		WebhookReceived: factory.Counter("paywall.webhook.received"),
		WebhookBytes:    factory.Histogram("paywall.webhook.bytes"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

// OnUserRegistered implements plugin.OnUserRegistered.
func (m *MetricsExtension) OnUserRegistered(_ context.Context, _ *profile.Profile) error {
	m.UsersRegistered.Inc()
	return nil
}

// OnCourseCreated implements plugin.OnCourseCreated.
func (m *MetricsExtension) OnCourseCreated(_ context.Context, _ *catalog.Course) error {
	m.CoursesCreated.Inc()
	return nil
}

// OnEnrolled implements plugin.OnEnrolled.
func (m *MetricsExtension) OnEnrolled(_ context.Context, _ id.UserID, _ id.CourseID) error {
	m.Enrollments.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Access hooks
// ──────────────────────────────────────────────────

// OnAccessChecked implements plugin.OnAccessChecked.
func (m *MetricsExtension) OnAccessChecked(_ context.Context, _ id.UserID, d *entitlement.Decision) error {
	m.AccessChecks.Inc()
	switch d.Reason {
	case entitlement.ReasonRequiresEnrollment:
		m.AccessDeniedEnrollment.Inc()
	case entitlement.ReasonRequiresPurchase:
		m.AccessDeniedPurchase.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSubmitted implements plugin.OnPaymentSubmitted.
func (m *MetricsExtension) OnPaymentSubmitted(_ context.Context, _ *payment.Record) error {
	m.PaymentSubmitted.Inc()
	return nil
}

// OnPaymentCompleted implements plugin.OnPaymentCompleted.
func (m *MetricsExtension) OnPaymentCompleted(_ context.Context, r *payment.Record) error {
	m.PaymentCompleted.Inc()
	m.PaymentAmount.Observe(float64(r.Amount.Amount))
	return nil
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (m *MetricsExtension) OnPaymentFailed(_ context.Context, _ *payment.Record) error {
	m.PaymentFailed.Inc()
	return nil
}

// OnPaymentExpired implements plugin.OnPaymentExpired.
func (m *MetricsExtension) OnPaymentExpired(_ context.Context, _ *payment.Record) error {
	m.PaymentExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnGrantApplied implements plugin.OnGrantApplied.
func (m *MetricsExtension) OnGrantApplied(_ context.Context, _ *payment.Record, g profile.Grant) error {
	m.GrantApplied.Inc()
	m.UnitsGranted.Add(float64(len(g.AddUnits)))
	return nil
}

// OnGrantFailed implements plugin.OnGrantFailed.
func (m *MetricsExtension) OnGrantFailed(_ context.Context, _ *payment.Record, _ error) error {
	m.GrantFailed.Inc()
	return nil
}

// OnReconciled implements plugin.OnReconciled.
func (m *MetricsExtension) OnReconciled(_ context.Context, scanned, repaired, failed int, elapsed time.Duration) error {
	m.ReconcileScanned.Add(float64(scanned))
	m.ReconcileRepaired.Add(float64(repaired))
	m.ReconcileFailed.Add(float64(failed))
	m.ReconcileLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _ payment.Method, payload []byte) error {
	m.WebhookReceived.Inc()
	m.WebhookBytes.Observe(float64(len(payload)))
	return nil
}
