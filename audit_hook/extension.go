// Package audithook bridges Paywall lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time, or use LogRecorder to write events to a slog handler.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
	"github.com/xraph/paywall/profile"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin             = (*Extension)(nil)
	_ plugin.OnUserRegistered   = (*Extension)(nil)
	_ plugin.OnCourseCreated    = (*Extension)(nil)
	_ plugin.OnCourseUpdated    = (*Extension)(nil)
	_ plugin.OnEnrolled         = (*Extension)(nil)
	_ plugin.OnAccessDenied     = (*Extension)(nil)
	_ plugin.OnPaymentSubmitted = (*Extension)(nil)
	_ plugin.OnPaymentCompleted = (*Extension)(nil)
	_ plugin.OnPaymentFailed    = (*Extension)(nil)
	_ plugin.OnPaymentExpired   = (*Extension)(nil)
	_ plugin.OnGrantApplied     = (*Extension)(nil)
	_ plugin.OnGrantFailed      = (*Extension)(nil)
	_ plugin.OnReconciled       = (*Extension)(nil)
	_ plugin.OnWebhookReceived  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes audit events to logger under the "audit" message.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, ev *AuditEvent) error {
		level := slog.LevelInfo
		switch ev.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"outcome", ev.Outcome,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	})
}

// Extension bridges Paywall lifecycle events to an audit trail backend.
type Extension struct {
	recorder   Recorder
	only       map[string]bool // nil: every action
	skip       map[string]bool
	categories map[string]bool // nil: every category
	logger     *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// User and catalog hooks
// ──────────────────────────────────────────────────

// OnUserRegistered implements plugin.OnUserRegistered.
func (e *Extension) OnUserRegistered(ctx context.Context, p *profile.Profile) error {
	return e.record(ctx, ActionUserRegistered, SeverityInfo, OutcomeSuccess,
		ResourceProfile, p.ID.String(), CategoryCatalog, nil,
		"role", string(p.Role),
	)
}

// OnCourseCreated implements plugin.OnCourseCreated.
func (e *Extension) OnCourseCreated(ctx context.Context, c *catalog.Course) error {
	return e.record(ctx, ActionCourseCreated, SeverityInfo, OutcomeSuccess,
		ResourceCourse, c.ID.String(), CategoryCatalog, nil,
		"instructor_id", c.InstructorID.String(),
		"units", len(c.Units),
		"published", c.Published,
	)
}

// OnCourseUpdated implements plugin.OnCourseUpdated.
func (e *Extension) OnCourseUpdated(ctx context.Context, c *catalog.Course) error {
	return e.record(ctx, ActionCourseUpdated, SeverityInfo, OutcomeSuccess,
		ResourceCourse, c.ID.String(), CategoryCatalog, nil,
		"units", len(c.Units),
		"published", c.Published,
	)
}

// OnEnrolled implements plugin.OnEnrolled.
func (e *Extension) OnEnrolled(ctx context.Context, userID id.UserID, courseID id.CourseID) error {
	return e.record(ctx, ActionEnrolled, SeverityInfo, OutcomeSuccess,
		ResourceCourse, courseID.String(), CategoryEntitlement, nil,
		"user_id", userID.String(),
	)
}

// ──────────────────────────────────────────────────
// Access hooks
// ──────────────────────────────────────────────────

// OnAccessDenied implements plugin.OnAccessDenied. Allowed decisions are
// not audited.
func (e *Extension) OnAccessDenied(ctx context.Context, userID id.UserID, d *entitlement.Decision) error {
	kv := []any{"user_id", userID.String(), "reason", string(d.Reason)}
	if d.Price != nil {
		kv = append(kv, "price", d.Price.String())
	}
	return e.record(ctx, ActionAccessDenied, SeverityInfo, OutcomeFailure,
		ResourceUnit, d.UnitID.String(), CategoryAccess, nil,
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSubmitted implements plugin.OnPaymentSubmitted.
func (e *Extension) OnPaymentSubmitted(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentSubmitted, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		paymentMeta(r)...,
	)
}

// OnPaymentCompleted implements plugin.OnPaymentCompleted.
func (e *Extension) OnPaymentCompleted(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentCompleted, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		paymentMeta(r)...,
	)
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (e *Extension) OnPaymentFailed(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentFailed, SeverityWarning, OutcomeFailure,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		append(paymentMeta(r), "failure_reason", r.FailureReason)...,
	)
}

// OnPaymentExpired implements plugin.OnPaymentExpired.
func (e *Extension) OnPaymentExpired(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentExpired, SeverityWarning, OutcomeFailure,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		paymentMeta(r)...,
	)
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnGrantApplied implements plugin.OnGrantApplied.
func (e *Extension) OnGrantApplied(ctx context.Context, r *payment.Record, g profile.Grant) error {
	return e.record(ctx, ActionGrantApplied, SeverityInfo, OutcomeSuccess,
		ResourceProfile, r.UserID.String(), CategoryEntitlement, nil,
		"payment_id", r.ID.String(),
		"course_id", g.AddCourse.String(),
		"units", len(g.AddUnits),
		"amount", g.Amount,
	)
}

// OnGrantFailed implements plugin.OnGrantFailed. The money was taken but
// the profile was not updated, so the event is critical.
func (e *Extension) OnGrantFailed(ctx context.Context, r *payment.Record, err error) error {
	return e.record(ctx, ActionGrantFailed, SeverityCritical, OutcomeFailure,
		ResourceProfile, r.UserID.String(), CategoryEntitlement, err,
		"payment_id", r.ID.String(),
		"item_id", r.ItemID.String(),
	)
}

// OnReconciled implements plugin.OnReconciled. Quiet passes are skipped.
func (e *Extension) OnReconciled(ctx context.Context, scanned, repaired, failed int, elapsed time.Duration) error {
	if repaired == 0 && failed == 0 {
		return nil
	}
	outcome := OutcomeSuccess
	if failed > 0 {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionReconciled, SeverityInfo, outcome,
		ResourcePayment, "", CategoryPayment, nil,
		"scanned", scanned,
		"repaired", repaired,
		"failed", failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, provider payment.Method, payload []byte) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, "", CategoryIntegration, nil,
		"provider", string(provider),
		"bytes", len(payload),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func paymentMeta(r *payment.Record) []any {
	return []any{
		"user_id", r.UserID.String(),
		"provider", string(r.Provider),
		"item_kind", string(r.ItemKind),
		"item_id", r.ItemID.String(),
		"amount", r.Amount.String(),
	}
}

// record builds and sends an audit event if it passes the filters.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if !e.wants(action, category) {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
