// Package plugin provides an extensible plugin system for Paywall.
// Plugins can hook into lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. pw is the *paywall.Paywall.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, pw interface{}) error
}

// OnShutdown is called when the engine is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// User and catalog hooks
// ──────────────────────────────────────────────────

// OnUserRegistered is called after a profile is created.
type OnUserRegistered interface {
	Plugin
	OnUserRegistered(ctx context.Context, p *profile.Profile) error
}

// OnCourseCreated is called after a course is authored.
type OnCourseCreated interface {
	Plugin
	OnCourseCreated(ctx context.Context, c *catalog.Course) error
}

// OnCourseUpdated is called after a course is edited.
type OnCourseUpdated interface {
	Plugin
	OnCourseUpdated(ctx context.Context, c *catalog.Course) error
}

// OnEnrolled is called after a free enrollment is granted.
type OnEnrolled interface {
	Plugin
	OnEnrolled(ctx context.Context, userID id.UserID, courseID id.CourseID) error
}

// ──────────────────────────────────────────────────
// Access hooks
// ──────────────────────────────────────────────────

// OnAccessChecked is called for every access decision.
type OnAccessChecked interface {
	Plugin
	OnAccessChecked(ctx context.Context, userID id.UserID, d *entitlement.Decision) error
}

// OnAccessDenied is called when a decision denies access.
type OnAccessDenied interface {
	Plugin
	OnAccessDenied(ctx context.Context, userID id.UserID, d *entitlement.Decision) error
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSubmitted is called once the provider has accepted an intent.
type OnPaymentSubmitted interface {
	Plugin
	OnPaymentSubmitted(ctx context.Context, r *payment.Record) error
}

// OnPaymentCompleted is called after a completed payment has been granted.
type OnPaymentCompleted interface {
	Plugin
	OnPaymentCompleted(ctx context.Context, r *payment.Record) error
}

// OnPaymentFailed is called when the provider reports a failure.
type OnPaymentFailed interface {
	Plugin
	OnPaymentFailed(ctx context.Context, r *payment.Record) error
}

// OnPaymentExpired is called when a pending payment times out.
type OnPaymentExpired interface {
	Plugin
	OnPaymentExpired(ctx context.Context, r *payment.Record) error
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnGrantApplied is called when a payment's entitlement lands on the profile.
type OnGrantApplied interface {
	Plugin
	OnGrantApplied(ctx context.Context, r *payment.Record, g profile.Grant) error
}

// OnGrantFailed is called when a completed payment could not be applied.
type OnGrantFailed interface {
	Plugin
	OnGrantFailed(ctx context.Context, r *payment.Record, err error) error
}

// OnReconciled is called after a reconciliation pass.
type OnReconciled interface {
	Plugin
	OnReconciled(ctx context.Context, scanned, repaired, failed int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called when a provider notification arrives.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, provider payment.Method, payload []byte) error
}
