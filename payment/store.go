package payment

import (
	"context"
	"time"

	"github.com/xraph/paywall/id"
)

type Store interface {
	// CreatePayment appends a record. A pending record for a (user, item)
	// pair that already has one fails with ErrPurchaseInProgress.
	CreatePayment(ctx context.Context, r *Record) error
	GetPayment(ctx context.Context, txnID id.TransactionID) (*Record, error)
	GetPaymentByProviderRef(ctx context.Context, provider Method, ref string) (*Record, error)
	GetPendingPayment(ctx context.Context, userID id.UserID, itemID id.ID) (*Record, error)
	ListPayments(ctx context.Context, opts ListOpts) ([]*Record, error)

	// MarkPaymentSubmitted records the provider reference on a pending record.
	MarkPaymentSubmitted(ctx context.Context, txnID id.TransactionID, ref string, at time.Time) error

	// FinalizePayment moves a pending record to a terminal status. Records
	// that are already terminal fail with ErrPaymentFinalized.
	FinalizePayment(ctx context.Context, txnID id.TransactionID, status Status, reason string, at time.Time) error

	// DeletePendingPayment drops a reservation that never reached a provider.
	DeletePendingPayment(ctx context.Context, txnID id.TransactionID) error
}

type ListOpts struct {
	UserID        id.UserID
	Status        Status
	Provider      Method
	CourseID      id.CourseID
	ItemID        id.ID // unit or course
	Supersedes    id.TransactionID
	CreatedBefore time.Time
	CreatedAfter  time.Time
	Limit         int
	Offset        int
}
