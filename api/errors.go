package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/paywall"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string             `json:"error"`
	Code       string             `json:"code"`
	Affordance paywall.Affordance `json:"affordance,omitempty"`
	Outcome    any                `json:"outcome,omitempty"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Code: code})
}

// statusOf maps an engine error to an HTTP status and a stable code.
func statusOf(err error) (int, string) {
	var verr paywall.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, paywall.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, paywall.ErrInvalidRole), errors.Is(err, paywall.ErrInvalidCourse):
		return http.StatusBadRequest, "invalid_input"
	case paywall.IsPreconditionViolation(err):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, paywall.ErrProviderWebhook):
		return http.StatusBadRequest, "webhook_rejected"
	case errors.Is(err, paywall.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, paywall.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, paywall.ErrEnrollmentRequiresPurchase):
		return http.StatusPaymentRequired, "requires_purchase"
	case errors.Is(err, paywall.ErrEnrollmentRequired):
		return http.StatusConflict, "requires_enrollment"
	case paywall.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, paywall.ErrAlreadyPurchased):
		return http.StatusConflict, "already_purchased"
	case errors.Is(err, paywall.ErrDuplicatePurchaseInProgress), errors.Is(err, paywall.ErrPurchaseInProgress):
		return http.StatusConflict, "purchase_in_progress"
	case errors.Is(err, paywall.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, paywall.ErrNotPurchasable):
		return http.StatusUnprocessableEntity, "not_purchasable"
	case errors.Is(err, paywall.ErrProviderNotConfigured):
		return http.StatusUnprocessableEntity, "method_unavailable"
	case errors.Is(err, paywall.ErrPaymentInitiationFailed):
		return http.StatusBadGateway, "initiation_failed"
	case errors.Is(err, paywall.ErrPaymentProviderError):
		return http.StatusBadGateway, "payment_failed"
	case errors.Is(err, paywall.ErrPurchaseSucceededButNotApplied):
		return http.StatusInternalServerError, "not_applied"
	case paywall.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err as a JSON error. Messages of errors that are not meant
// for viewers are replaced with a generic one and logged instead.
func (s *Server) fail(c *gin.Context, err error, outcome any) {
	status, code := statusOf(err)
	msg := err.Error()
	if !paywall.IsUserFacing(err) && status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", c.GetString(ctxRequestID),
			"path", c.FullPath(),
			"error", err,
		)
		msg = http.StatusText(status)
	} else if paywall.IsPreconditionViolation(err) {
		s.logger.Warn("precondition violated",
			"request_id", c.GetString(ctxRequestID),
			"path", c.FullPath(),
			"error", err,
		)
		msg = "invalid request"
	}

	body := errorBody{Error: msg, Code: code, Affordance: paywall.AffordanceFor(err)}
	if outcome != nil {
		body.Outcome = outcome
	}
	c.AbortWithStatusJSON(status, body)
}
