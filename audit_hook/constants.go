package audithook

// Action constants for audit events.
const (
	// User and catalog actions
	ActionUserRegistered = "user.registered"
	ActionCourseCreated  = "course.created"
	ActionCourseUpdated  = "course.updated"
	ActionEnrolled       = "course.enrolled"

	// Access actions
	ActionAccessDenied = "access.denied"

	// Payment actions
	ActionPaymentSubmitted = "payment.submitted"
	ActionPaymentCompleted = "payment.completed"
	ActionPaymentFailed    = "payment.failed"
	ActionPaymentExpired   = "payment.expired"

	// Grant actions
	ActionGrantApplied = "grant.applied"
	ActionGrantFailed  = "grant.failed"
	ActionReconciled   = "payments.reconciled"

	// Provider actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceProfile = "profile"
	ResourceCourse  = "course"
	ResourceUnit    = "unit"
	ResourcePayment = "payment"
	ResourceWebhook = "webhook"
)

// Category constants for audit events.
const (
	CategoryCatalog     = "catalog"
	CategoryAccess      = "access"
	CategoryPayment     = "payment"
	CategoryEntitlement = "entitlement"
	CategoryIntegration = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
