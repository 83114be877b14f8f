package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
)

// ──────────────────────────────────────────────────
// Purchases
// ──────────────────────────────────────────────────

func (s *Server) purchase(c *gin.Context) {
	var req paywall.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, paywall.ValidationError{Field: "body", Message: err.Error()}, nil)
		return
	}
	req.UserID = viewer(c)

	out, err := s.engine.Purchase(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// refreshPurchase polls the provider once and returns the current outcome.
// Only the buyer and admins can see a payment.
func (s *Server) refreshPurchase(c *gin.Context) {
	txnID, ok := s.pathID(c, "txnID", id.ParseTransactionID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := s.engine.GetPayment(ctx, txnID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if caller := viewer(c); !rec.UserID.Equal(caller) {
		if err := s.engine.RequireRole(ctx, caller, profile.RoleAdmin); err != nil {
			s.fail(c, paywall.ErrPaymentNotFound, nil)
			return
		}
	}

	out, err := s.engine.Refresh(ctx, txnID)
	switch {
	case err == nil, errors.Is(err, paywall.ErrPaymentProviderError):
		c.JSON(http.StatusOK, out)
	case out != nil && !paywall.IsUserFacing(err):
		// The provider could not be reached; the stored state still stands.
		s.logger.Warn("payment refresh failed", "transaction_id", txnID, "error", err)
		c.JSON(http.StatusOK, out)
	default:
		s.fail(c, err, out)
	}
}

func (s *Server) myPurchases(c *gin.Context) {
	opts := payment.ListOpts{
		Status: payment.Status(c.Query("status")),
		Limit:  queryLimit(c, 50),
		Offset: queryInt(c, "offset", 0),
	}
	recs, err := s.engine.ListPurchases(c.Request.Context(), viewer(c), opts)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": recs})
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

// webhook acknowledges every notification the engine could resolve,
// including failed payments, so providers stop redelivering it.
func (s *Server) webhook(c *gin.Context) {
	method := payment.Method(c.Param("method"))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, "too_large", "webhook body too large")
			return
		}
		s.fail(c, paywall.ValidationError{Field: "body", Message: err.Error()}, nil)
		return
	}

	out, err := s.engine.HandleWebhook(c.Request.Context(), method, c.Request.Header, body)
	switch {
	case err == nil && out == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case err == nil, errors.Is(err, paywall.ErrPaymentProviderError):
		c.JSON(http.StatusOK, gin.H{"status": "processed", "outcome": out})
	default:
		s.fail(c, err, out)
	}
}

// ──────────────────────────────────────────────────
// Admin
// ──────────────────────────────────────────────────

func (s *Server) listPayments(c *gin.Context) {
	opts := payment.ListOpts{
		Status:   payment.Status(c.Query("status")),
		Provider: payment.Method(c.Query("provider")),
		Limit:    queryLimit(c, 100),
		Offset:   queryInt(c, "offset", 0),
	}
	if v := c.Query("user_id"); v != "" {
		userID, err := id.ParseUserID(v)
		if err != nil {
			s.fail(c, paywall.ValidationError{Field: "user_id", Message: err.Error()}, nil)
			return
		}
		opts.UserID = userID
	}
	if v := c.Query("item_id"); v != "" {
		itemID, err := id.ParseItem(v)
		if err != nil {
			s.fail(c, paywall.ValidationError{Field: "item_id", Message: err.Error()}, nil)
			return
		}
		opts.ItemID = itemID
	}
	for name, dst := range map[string]*time.Time{"after": &opts.CreatedAfter, "before": &opts.CreatedBefore} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.fail(c, paywall.ValidationError{Field: name, Message: "must be RFC 3339"}, nil)
				return
			}
			*dst = t
		}
	}

	recs, err := s.engine.ListPayments(c.Request.Context(), viewer(c), opts)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": recs})
}

type reconcileRequest struct {
	Since *time.Time `json:"since"`
}

// reconcile repairs lost grants for payments created since the given time,
// the last 24 hours by default.
func (s *Server) reconcile(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.engine.RequireRole(ctx, viewer(c), profile.RoleAdmin); err != nil {
		s.fail(c, err, nil)
		return
	}

	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, paywall.ValidationError{Field: "since", Message: err.Error()}, nil)
			return
		}
	}
	since := time.Now().Add(-24 * time.Hour)
	if req.Since != nil {
		since = *req.Since
	}

	report, err := s.engine.Reconcile(ctx, since)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, report)
}
