package paywall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
)

// reconcilePageSize bounds each page scanned by Reconcile.
const reconcilePageSize = 100

// ──────────────────────────────────────────────────
// Stale intents
// ──────────────────────────────────────────────────

// ExpireStale resolves every pending payment older than the intent timeout.
// The provider is asked for a final answer first; payments it cannot settle
// are marked failed with reason "timeout". It returns how many payments
// ended failed.
func (p *Paywall) ExpireStale(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.intentTimeout)
	stale, err := p.store.ListPayments(ctx, payment.ListOpts{
		Status:        payment.StatusPending,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	var errs MultiError
	expired := 0
	for _, rec := range stale {
		out, err := p.expire(ctx, rec)
		if err != nil && !errors.Is(err, ErrPaymentProviderError) {
			errs.Add(fmt.Errorf("expire %s: %w", rec.ID, err))
			continue
		}
		if out != nil && out.State == payment.StateFailed {
			expired++
		}
	}
	return expired, errs.ErrOrNil()
}

func (p *Paywall) expire(ctx context.Context, rec *payment.Record) (*payment.Outcome, error) {
	if rec.ProviderRef != "" {
		if prov, ok := p.providers[rec.Provider]; ok {
			res, err := prov.Status(ctx, rec.ProviderRef)
			switch {
			case err != nil:
				p.logger.Warn("status check before expiry failed",
					"transaction_id", rec.ID,
					"error", err,
				)
			case res.Status.IsTerminal():
				return p.handle(ctx, rec, *res)
			}
		}
	}

	now := p.now()
	err := p.store.FinalizePayment(ctx, rec.ID, payment.StatusFailed, payment.ReasonTimeout, now)
	if errors.Is(err, ErrPaymentFinalized) {
		current, err := p.store.GetPayment(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		return payment.OutcomeOf(current), nil
	}
	if err != nil {
		return nil, err
	}

	rec.Status = payment.StatusFailed
	rec.FailureReason = payment.ReasonTimeout
	rec.SettledAt = &now
	rec.UpdatedAt = now

	p.logger.Info("payment expired",
		"transaction_id", rec.ID,
		"user_id", rec.UserID,
		"age", now.Sub(rec.CreatedAt),
	)
	p.plugins.EmitPaymentExpired(ctx, rec)
	return payment.OutcomeOf(rec), nil
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned  int           `json:"scanned"`
	Repaired int           `json:"repaired"`
	Failed   int           `json:"failed"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Reconcile re-applies the grant of every completed payment created after
// since whose transaction id is missing from the buyer's profile.
func (p *Paywall) Reconcile(ctx context.Context, since time.Time) (*ReconcileReport, error) {
	start := time.Now()
	report := &ReconcileReport{}
	profiles := make(map[string]*profile.Profile)

	for offset := 0; ; offset += reconcilePageSize {
		recs, err := p.store.ListPayments(ctx, payment.ListOpts{
			Status:       payment.StatusCompleted,
			CreatedAfter: since,
			Limit:        reconcilePageSize,
			Offset:       offset,
		})
		if err != nil {
			return report, err
		}

		for _, rec := range recs {
			report.Scanned++

			buyer, ok := profiles[rec.UserID.String()]
			if !ok {
				if buyer, err = p.store.GetProfile(ctx, rec.UserID); err != nil {
					p.logger.Error("reconcile: profile unavailable",
						"transaction_id", rec.ID,
						"user_id", rec.UserID,
						"error", err,
					)
					report.Failed++
					continue
				}
				profiles[rec.UserID.String()] = buyer
			}
			if buyer.HasApplied(rec.ID) {
				continue
			}

			if _, err := p.applyGrant(ctx, rec); err != nil {
				report.Failed++
				continue
			}
			delete(profiles, rec.UserID.String())
			report.Repaired++
		}

		if len(recs) < reconcilePageSize {
			break
		}
	}

	report.Elapsed = time.Since(start)
	p.logger.Info("reconciliation finished",
		"scanned", report.Scanned,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"elapsed_ms", report.Elapsed.Milliseconds(),
	)
	p.plugins.EmitReconciled(ctx, report.Scanned, report.Repaired, report.Failed, report.Elapsed)
	return report, nil
}

// ListPayments returns payment records for an admin.
func (p *Paywall) ListPayments(ctx context.Context, actorID id.UserID, opts payment.ListOpts) ([]*payment.Record, error) {
	if err := p.RequireRole(ctx, actorID, profile.RoleAdmin); err != nil {
		return nil, err
	}
	return p.store.ListPayments(ctx, opts)
}

// ListPurchases returns the payment history of one user.
func (p *Paywall) ListPurchases(ctx context.Context, userID id.UserID, opts payment.ListOpts) ([]*payment.Record, error) {
	if userID.IsNil() {
		return nil, ErrUnauthenticated
	}
	opts.UserID = userID
	return p.store.ListPayments(ctx, opts)
}
