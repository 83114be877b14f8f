package paywall

import (
	"errors"
	"fmt"

	"github.com/xraph/paywall/entitlement"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("paywall: not found")
	ErrAlreadyExists = errors.New("paywall: already exists")
	ErrInvalidInput  = errors.New("paywall: invalid input")
	ErrForbidden     = errors.New("paywall: forbidden")

	// Entitlement engine preconditions (caller bugs)
	ErrInvalidCursor   = entitlement.ErrInvalidCursor
	ErrUnitNotInCourse = entitlement.ErrUnitNotInCourse
	ErrUnknownUnitKind = entitlement.ErrUnknownUnitKind

	// Catalog errors
	ErrCourseNotFound = errors.New("paywall: course not found")
	ErrUnitNotFound   = errors.New("paywall: content unit not found")
	ErrInvalidCourse  = errors.New("paywall: invalid course")

	// Profile errors
	ErrProfileNotFound = errors.New("paywall: profile not found")
	ErrInvalidRole     = errors.New("paywall: invalid role")

	// Enrollment errors
	ErrEnrollmentRequiresPurchase = errors.New("paywall: course requires purchase to enroll")
	ErrEnrollmentRequired         = errors.New("paywall: enroll in the course before buying its units")

	// Checkout errors
	ErrUnauthenticated                = errors.New("paywall: unauthenticated")
	ErrNotPurchasable                 = errors.New("paywall: item is not purchasable")
	ErrAlreadyPurchased               = errors.New("paywall: item already purchased")
	ErrDuplicatePurchaseInProgress    = errors.New("paywall: purchase already in progress")
	ErrPaymentInitiationFailed        = errors.New("paywall: payment initiation failed")
	ErrPaymentProviderError           = errors.New("paywall: payment failed at provider")
	ErrPurchaseSucceededButNotApplied = errors.New("paywall: purchase succeeded but entitlement not applied")

	// Payment ledger errors
	ErrPaymentNotFound    = errors.New("paywall: payment not found")
	ErrPaymentFinalized   = errors.New("paywall: payment already finalized")
	ErrPurchaseInProgress = errors.New("paywall: pending payment exists for item")

	// Provider errors
	ErrProviderNotConfigured = errors.New("paywall: provider not configured")
	ErrProviderWebhook       = errors.New("paywall: webhook validation failed")

	// Store errors
	ErrEntitlementWriteConflict = errors.New("paywall: entitlement write conflict")
	ErrStoreNotReady            = errors.New("paywall: store not ready")
	ErrStoreClosed              = errors.New("paywall: store is closed")
	ErrTransactionFailed        = errors.New("paywall: transaction failed")
	ErrMigrationFailed          = errors.New("paywall: migration failed")

	// Cache errors
	ErrCacheMiss = errors.New("paywall: cache miss")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("paywall: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "paywall: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("paywall: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns nil when no errors were collected.
func (e MultiError) ErrOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsPreconditionViolation returns true for entitlement engine contract
// violations. These are defects in the caller and must never be shown raw.
func IsPreconditionViolation(err error) bool {
	return errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrUnitNotInCourse) ||
		errors.Is(err, ErrUnknownUnitKind)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEntitlementWriteConflict) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrPaymentInitiationFailed)
}

// IsUserFacing reports whether err is an expected outcome that can be shown
// to the viewer as-is. Precondition violations and store failures are not.
func IsUserFacing(err error) bool {
	var verr ValidationError
	switch {
	case err == nil, IsPreconditionViolation(err):
		return false
	case errors.As(err, &verr):
		return true
	}
	for _, target := range []error{
		ErrUnauthenticated, ErrForbidden, ErrNotPurchasable, ErrAlreadyPurchased,
		ErrDuplicatePurchaseInProgress, ErrPaymentInitiationFailed,
		ErrPaymentProviderError, ErrPurchaseSucceededButNotApplied,
		ErrEnrollmentRequiresPurchase, ErrEnrollmentRequired, ErrProviderNotConfigured,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return IsNotFound(err)
}

// Affordance names the action a user-facing client should offer for err.
type Affordance string

const (
	AffordanceNone           Affordance = ""
	AffordanceSignIn         Affordance = "sign_in"
	AffordanceRetryPurchase  Affordance = "retry_purchase"
	AffordanceWait           Affordance = "wait"
	AffordanceContactSupport Affordance = "contact_support"
	AffordanceFixInput       Affordance = "fix_input"
	AffordancePurchase       Affordance = "purchase"
	AffordanceEnroll         Affordance = "enroll"
)

// AffordanceFor maps checkout and enrollment errors to a retry affordance.
func AffordanceFor(err error) Affordance {
	var verr ValidationError
	switch {
	case err == nil:
		return AffordanceNone
	case errors.Is(err, ErrUnauthenticated):
		return AffordanceSignIn
	case errors.Is(err, ErrPurchaseSucceededButNotApplied):
		return AffordanceContactSupport
	case errors.Is(err, ErrDuplicatePurchaseInProgress):
		return AffordanceWait
	case errors.Is(err, ErrPaymentInitiationFailed), errors.Is(err, ErrPaymentProviderError):
		return AffordanceRetryPurchase
	case errors.Is(err, ErrEnrollmentRequiresPurchase):
		return AffordancePurchase
	case errors.Is(err, ErrEnrollmentRequired):
		return AffordanceEnroll
	case errors.As(err, &verr):
		return AffordanceFixInput
	default:
		return AffordanceNone
	}
}
