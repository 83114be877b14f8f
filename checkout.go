package paywall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/provider"
	"github.com/xraph/paywall/types"
)

// PurchaseRequest asks to buy one content unit, or a whole course when
// UnitID is Nil.
type PurchaseRequest struct {
	UserID   id.UserID      `json:"-"`
	CourseID id.CourseID    `json:"course_id"`
	UnitID   id.UnitID      `json:"unit_id,omitempty"`
	Method   payment.Method `json:"method" validate:"required,oneof=paypal intersend"`
	Target   payment.Target `json:"target"`
}

type purchaseItem struct {
	kind        payment.ItemKind
	itemID      id.ID
	courseID    id.CourseID
	price       types.Money
	description string
	grant       profile.Grant
	paidCourse  bool
}

// ──────────────────────────────────────────────────
// Checkout
// ──────────────────────────────────────────────────

// Purchase reserves a pending payment and submits it to the chosen
// provider. It returns as soon as the provider has accepted the intent;
// the outcome is resolved later by HandleWebhook, HandleOutcome, Refresh
// or the stale-intent sweeper.
func (p *Paywall) Purchase(ctx context.Context, req *PurchaseRequest) (*payment.Outcome, error) {
	if req.UserID.IsNil() {
		return nil, ErrUnauthenticated
	}
	if err := p.validateRequest(req); err != nil {
		return nil, err
	}

	buyer, err := p.store.GetProfile(ctx, req.UserID)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, ErrUnauthenticated
	} else if err != nil {
		return nil, err
	}

	item, err := p.resolveItem(ctx, req)
	if err != nil {
		return nil, err
	}
	if buyer.Satisfies(item.grant) {
		return nil, ErrAlreadyPurchased
	}

	prov, ok := p.providers[req.Method]
	if !ok {
		return nil, ErrProviderNotConfigured
	}
	if err := requireEnrollment(buyer, item); err != nil {
		return nil, err
	}

	rec := &payment.Record{
		Entity:      p.entity(),
		ID:          id.NewTransactionID(),
		Provider:    req.Method,
		UserID:      req.UserID,
		CourseID:    item.courseID,
		ItemKind:    item.kind,
		ItemID:      item.itemID,
		Amount:      item.price,
		Description: item.description,
		Status:      payment.StatusPending,
	}
	if err := p.reserve(ctx, rec, item.grant); err != nil {
		return nil, err
	}

	sub, err := prov.Initiate(ctx, &provider.Request{
		TransactionID: rec.ID,
		Amount:        rec.Amount,
		Description:   rec.Description,
		Target:        req.Target,
	})
	if err != nil {
		if delErr := p.store.DeletePendingPayment(ctx, rec.ID); delErr != nil {
			p.logger.Error("failed to release payment reservation",
				"transaction_id", rec.ID,
				"error", delErr,
			)
		}
		p.logger.Warn("payment initiation failed",
			"transaction_id", rec.ID,
			"provider", req.Method,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrPaymentInitiationFailed, err)
	}

	now := p.now()
	if err := p.store.MarkPaymentSubmitted(ctx, rec.ID, sub.ProviderRef, now); err != nil {
		return nil, err
	}
	rec.ProviderRef = sub.ProviderRef
	rec.SubmittedAt = &now
	rec.UpdatedAt = now

	p.logger.Info("payment submitted",
		"transaction_id", rec.ID,
		"provider", rec.Provider,
		"provider_ref", rec.ProviderRef,
		"amount", rec.Amount.String(),
		"charged", sub.Charged.String(),
	)
	p.plugins.EmitPaymentSubmitted(ctx, rec)

	out := payment.OutcomeOf(rec)
	out.ApprovalURL = sub.ApprovalURL
	return out, nil
}

func (p *Paywall) validateRequest(req *PurchaseRequest) error {
	if err := p.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return ValidationError{
				Field:   strings.ToLower(fe.Field()),
				Message: "failed '" + fe.Tag() + "' check",
			}
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if req.Method == payment.MethodInterSend && req.Target.Phone == "" {
		return ValidationError{Field: "phone", Message: "required for mobile money"}
	}
	return nil
}

func (p *Paywall) resolveItem(ctx context.Context, req *PurchaseRequest) (*purchaseItem, error) {
	course, err := p.store.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}

	if req.UnitID.IsNil() {
		if course.IsFree() {
			return nil, ErrNotPurchasable
		}
		return &purchaseItem{
			kind:        payment.ItemCourse,
			itemID:      course.ID,
			courseID:    course.ID,
			price:       *course.Price,
			description: course.Title,
			grant:       courseGrant(course),
		}, nil
	}

	unit := course.FindUnit(req.UnitID)
	if unit == nil {
		return nil, ErrUnitNotFound
	}
	if !unit.Purchasable() {
		return nil, ErrNotPurchasable
	}
	return &purchaseItem{
		kind:        payment.ItemUnit,
		itemID:      unit.ID,
		courseID:    course.ID,
		price:       *unit.Price,
		description: course.Title + ": " + unit.Title,
		grant:       profile.Grant{AddUnits: []id.UnitID{unit.ID}},
		paidCourse:  !course.IsFree(),
	}, nil
}

// requireEnrollment refuses to sell a unit the buyer could not open: access
// to any unit needs enrollment first. Free courses point the buyer at
// Enroll, paid courses at buying the course.
func requireEnrollment(buyer *profile.Profile, item *purchaseItem) error {
	if item.kind != payment.ItemUnit || buyer.IsEnrolled(item.courseID) {
		return nil
	}
	if item.paidCourse {
		return ErrEnrollmentRequiresPurchase
	}
	return ErrEnrollmentRequired
}

func courseGrant(c *catalog.Course) profile.Grant {
	g := profile.Grant{AddCourse: c.ID}
	for _, u := range c.Units {
		g.AddUnits = append(g.AddUnits, u.ID)
	}
	return g
}

// reserve stores the pending record. An existing reservation older than the
// intent timeout is expired first and the reservation retried once.
func (p *Paywall) reserve(ctx context.Context, rec *payment.Record, g profile.Grant) error {
	if err := p.checkOverlap(ctx, rec, g); err != nil {
		return err
	}

	err := p.store.CreatePayment(ctx, rec)
	if !errors.Is(err, ErrPurchaseInProgress) {
		return err
	}

	existing, err := p.store.GetPendingPayment(ctx, rec.UserID, rec.ItemID)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		// resolved between the two calls
	case err != nil:
		return err
	default:
		if err := p.releaseStale(ctx, existing, rec.UserID, g); err != nil {
			return err
		}
	}

	if err := p.store.CreatePayment(ctx, rec); err != nil {
		if errors.Is(err, ErrPurchaseInProgress) {
			return ErrDuplicatePurchaseInProgress
		}
		return err
	}
	return nil
}

// checkOverlap refuses a reservation while another pending purchase covers
// some of the same units: a whole-course purchase and a purchase of one of
// its units. The store only guards the same item.
func (p *Paywall) checkOverlap(ctx context.Context, rec *payment.Record, g profile.Grant) error {
	pending, err := p.store.ListPayments(ctx, payment.ListOpts{
		UserID:   rec.UserID,
		CourseID: rec.CourseID,
		Status:   payment.StatusPending,
	})
	if err != nil {
		return err
	}
	for _, existing := range pending {
		if existing.ItemID.Equal(rec.ItemID) {
			continue
		}
		if existing.ItemKind != payment.ItemCourse && rec.ItemKind != payment.ItemCourse {
			continue
		}
		if err := p.releaseStale(ctx, existing, rec.UserID, g); err != nil {
			return err
		}
	}
	return nil
}

// releaseStale expires a blocking reservation once it has outlived the
// intent timeout. It reports ErrAlreadyPurchased when the provider had in
// fact settled it and that covers g.
func (p *Paywall) releaseStale(ctx context.Context, existing *payment.Record, userID id.UserID, g profile.Grant) error {
	if !existing.OlderThan(p.intentTimeout, p.now()) {
		return ErrDuplicatePurchaseInProgress
	}
	out, err := p.expire(ctx, existing)
	if err != nil && !errors.Is(err, ErrPaymentProviderError) {
		return err
	}
	if out != nil && out.State == payment.StateCompleted {
		if buyer, err := p.store.GetProfile(ctx, userID); err == nil && buyer.Satisfies(g) {
			return ErrAlreadyPurchased
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Resolution
// ──────────────────────────────────────────────────

// HandleOutcome applies a provider result to the payment identified by
// txnID. It is idempotent: repeated completions never double-grant.
func (p *Paywall) HandleOutcome(ctx context.Context, txnID id.TransactionID, res provider.Result) (*payment.Outcome, error) {
	rec, err := p.store.GetPayment(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return p.handle(ctx, rec, res)
}

func (p *Paywall) handle(ctx context.Context, rec *payment.Record, res provider.Result) (*payment.Outcome, error) {
	switch res.Status {
	case payment.StatusCompleted:
		return p.complete(ctx, rec)
	case payment.StatusFailed:
		return p.fail(ctx, rec, res.Reason)
	case payment.StatusPending:
		out := payment.OutcomeOf(rec)
		if rec.Status == payment.StatusFailed {
			return out, ErrPaymentProviderError
		}
		return out, nil
	default:
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown payment status %q", res.Status)}
	}
}

// HandleWebhook authenticates a provider notification and resolves the
// payment it refers to. Notifications without a payment outcome return a
// nil outcome and no error.
func (p *Paywall) HandleWebhook(ctx context.Context, method payment.Method, header http.Header, body []byte) (*payment.Outcome, error) {
	prov, ok := p.providers[method]
	if !ok {
		return nil, ErrProviderNotConfigured
	}

	ev, err := prov.ParseWebhook(ctx, header, body)
	if errors.Is(err, provider.ErrIgnoredEvent) {
		p.logger.Debug("ignored webhook", "provider", method)
		return nil, nil
	}
	if err != nil {
		p.logger.Warn("rejected webhook", "provider", method, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProviderWebhook, err)
	}
	p.plugins.EmitWebhookReceived(ctx, method, body)

	var rec *payment.Record
	if !ev.TransactionID.IsNil() {
		rec, err = p.store.GetPayment(ctx, ev.TransactionID)
	} else {
		rec, err = p.store.GetPaymentByProviderRef(ctx, method, ev.ProviderRef)
	}
	if err != nil {
		return nil, err
	}

	res, err := p.confirm(ctx, prov, rec, ev.Result)
	if err != nil {
		return payment.OutcomeOf(rec), err
	}
	return p.handle(ctx, rec, res)
}

// confirm checks a terminal webhook claim against the provider before it is
// applied, so a notification alone never moves money or entitlement. The
// provider's answer replaces the claim.
func (p *Paywall) confirm(ctx context.Context, prov provider.Provider, rec *payment.Record, claim provider.Result) (provider.Result, error) {
	if !claim.Status.IsTerminal() || rec.Status == payment.StatusCompleted {
		return claim, nil
	}
	if rec.ProviderRef == "" {
		p.logger.Warn("webhook for unsubmitted payment", "transaction_id", rec.ID, "claimed", claim.Status)
		return provider.Result{Status: payment.StatusPending}, nil
	}

	res, err := prov.Status(ctx, rec.ProviderRef)
	if err != nil {
		return claim, fmt.Errorf("paywall: confirm webhook for %s: %w", rec.ID, err)
	}
	if res.Status != claim.Status {
		p.logger.Warn("webhook disagrees with provider",
			"transaction_id", rec.ID,
			"provider", rec.Provider,
			"claimed", claim.Status,
			"confirmed", res.Status,
		)
	}
	return *res, nil
}

// GetPayment retrieves a payment record by transaction id.
func (p *Paywall) GetPayment(ctx context.Context, txnID id.TransactionID) (*payment.Record, error) {
	return p.store.GetPayment(ctx, txnID)
}

// Refresh polls the provider once and applies whatever it reports.
// Completed records are re-granted idempotently, which repairs a grant
// that was lost after settlement.
func (p *Paywall) Refresh(ctx context.Context, txnID id.TransactionID) (*payment.Outcome, error) {
	rec, err := p.store.GetPayment(ctx, txnID)
	if err != nil {
		return nil, err
	}

	switch {
	case rec.Status == payment.StatusCompleted:
		return p.applyGrant(ctx, rec)
	case rec.ProviderRef == "":
		return payment.OutcomeOf(rec), nil
	case rec.Status == payment.StatusFailed && rec.FailureReason != payment.ReasonTimeout:
		return payment.OutcomeOf(rec), ErrPaymentProviderError
	}

	prov, ok := p.providers[rec.Provider]
	if !ok {
		return nil, ErrProviderNotConfigured
	}
	res, err := prov.Status(ctx, rec.ProviderRef)
	if err != nil {
		return payment.OutcomeOf(rec), fmt.Errorf("paywall: status poll for %s: %w", rec.ID, err)
	}
	return p.handle(ctx, rec, *res)
}

// Await polls Refresh until the payment is terminal or ctx is done.
func (p *Paywall) Await(ctx context.Context, txnID id.TransactionID) (*payment.Outcome, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		out, err := p.Refresh(ctx, txnID)
		if out == nil {
			return nil, err
		}
		if out.State == payment.StateCompleted || out.State == payment.StateFailed {
			return out, err
		}
		if err != nil {
			p.logger.Warn("payment status poll failed", "transaction_id", txnID, "error", err)
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Paywall) complete(ctx context.Context, rec *payment.Record) (*payment.Outcome, error) {
	if rec.Status == payment.StatusPending {
		now := p.now()
		err := p.store.FinalizePayment(ctx, rec.ID, payment.StatusCompleted, "", now)
		switch {
		case err == nil:
			rec.Status = payment.StatusCompleted
			rec.SettledAt = &now
			rec.UpdatedAt = now
		case errors.Is(err, ErrPaymentFinalized):
			if rec, err = p.store.GetPayment(ctx, rec.ID); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	if rec.Status == payment.StatusFailed {
		late, err := p.settleLate(ctx, rec)
		if err != nil {
			return nil, err
		}
		rec = late
	}

	return p.applyGrant(ctx, rec)
}

// settleLate appends a completed record superseding a failed one. The
// failed record itself is never rewritten.
func (p *Paywall) settleLate(ctx context.Context, failed *payment.Record) (*payment.Record, error) {
	if existing, err := p.superseding(ctx, failed.ID); err != nil || existing != nil {
		return existing, err
	}

	now := p.now()
	late := &payment.Record{
		Entity:      types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewTransactionID(),
		Provider:    failed.Provider,
		ProviderRef: failed.ProviderRef,
		UserID:      failed.UserID,
		CourseID:    failed.CourseID,
		ItemKind:    failed.ItemKind,
		ItemID:      failed.ItemID,
		Amount:      failed.Amount,
		Description: failed.Description,
		Status:      payment.StatusCompleted,
		Supersedes:  failed.ID,
		SubmittedAt: failed.SubmittedAt,
		SettledAt:   &now,
	}
	if err := p.store.CreatePayment(ctx, late); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			if existing, err := p.superseding(ctx, failed.ID); err != nil || existing != nil {
				return existing, err
			}
		}
		return nil, err
	}

	p.logger.Warn("late settlement for failed payment",
		"transaction_id", late.ID,
		"supersedes", failed.ID,
		"failure_reason", failed.FailureReason,
	)
	return late, nil
}

func (p *Paywall) superseding(ctx context.Context, txnID id.TransactionID) (*payment.Record, error) {
	recs, err := p.store.ListPayments(ctx, payment.ListOpts{Supersedes: txnID, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (p *Paywall) fail(ctx context.Context, rec *payment.Record, reason string) (*payment.Outcome, error) {
	if reason == "" {
		reason = payment.ReasonDeclined
	}

	if rec.Status == payment.StatusPending {
		now := p.now()
		err := p.store.FinalizePayment(ctx, rec.ID, payment.StatusFailed, reason, now)
		switch {
		case err == nil:
			rec.Status = payment.StatusFailed
			rec.FailureReason = reason
			rec.SettledAt = &now
			rec.UpdatedAt = now

			p.logger.Info("payment failed",
				"transaction_id", rec.ID,
				"provider", rec.Provider,
				"reason", reason,
			)
			p.plugins.EmitPaymentFailed(ctx, rec)
		case errors.Is(err, ErrPaymentFinalized):
			if rec, err = p.store.GetPayment(ctx, rec.ID); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	// A failure reported after completion does not revoke anything.
	if rec.Status == payment.StatusCompleted {
		return p.applyGrant(ctx, rec)
	}
	return payment.OutcomeOf(rec), ErrPaymentProviderError
}

// ──────────────────────────────────────────────────
// Grants
// ──────────────────────────────────────────────────

// applyGrant merges the entitlement bought by a completed record.
func (p *Paywall) applyGrant(ctx context.Context, rec *payment.Record) (*payment.Outcome, error) {
	out := payment.OutcomeOf(rec)

	g, err := p.grantFor(ctx, rec)
	var changed bool
	if err == nil {
		changed, err = p.merge(ctx, rec.UserID, g)
	}
	if err != nil {
		p.logger.Error("payment completed but entitlement not applied",
			"transaction_id", rec.ID,
			"user_id", rec.UserID,
			"item_id", rec.ItemID,
			"error", err,
		)
		p.plugins.EmitGrantFailed(ctx, rec, err)
		return out, fmt.Errorf("%w: %w", ErrPurchaseSucceededButNotApplied, err)
	}

	p.invalidate(ctx, rec.UserID)
	out.Applied = true

	if changed {
		p.logger.Info("payment completed",
			"transaction_id", rec.ID,
			"user_id", rec.UserID,
			"item_kind", rec.ItemKind,
			"item_id", rec.ItemID,
			"amount", rec.Amount.String(),
		)
		p.plugins.EmitGrantApplied(ctx, rec, g)
		p.plugins.EmitPaymentCompleted(ctx, rec)
	}
	return out, nil
}

func (p *Paywall) grantFor(ctx context.Context, rec *payment.Record) (profile.Grant, error) {
	var g profile.Grant
	switch rec.ItemKind {
	case payment.ItemUnit:
		g = profile.Grant{AddUnits: []id.UnitID{rec.ItemID}}
	case payment.ItemCourse:
		course, err := p.store.GetCourse(ctx, rec.CourseID)
		if err != nil {
			return g, err
		}
		g = courseGrant(course)
	default:
		return g, fmt.Errorf("paywall: unknown item kind %q", rec.ItemKind)
	}
	g.PaymentID = rec.ID
	g.Amount = rec.Amount.Amount
	return g, nil
}

// merge applies g with bounded exponential backoff on transient store
// errors. Other errors stop immediately.
func (p *Paywall) merge(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.grantBackoff
	b.MaxInterval = 2 * time.Second

	attempts := p.grantAttempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (bool, error) {
		changed, err := p.store.MergeEntitlement(ctx, userID, g)
		if err != nil && !IsRetryable(err) {
			return false, backoff.Permanent(err)
		}
		return changed, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("entitlement merge failed, retrying",
				"user_id", userID,
				"payment_id", g.PaymentID,
				"retry_in", next,
				"error", err,
			)
		}),
	)
}
