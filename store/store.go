package store

import (
	"context"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
)

// Store is the unified storage interface for all Paywall entities.
// Methods are declared explicitly rather than by embedding the
// per-package interfaces so every backend lists one surface.
type Store interface {
	// Catalog methods
	CreateCourse(ctx context.Context, c *catalog.Course) error
	GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error)
	UpdateCourse(ctx context.Context, c *catalog.Course) error
	ListCourses(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Course, error)

	// Profile methods
	CreateProfile(ctx context.Context, p *profile.Profile) error
	GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error)
	SetRole(ctx context.Context, userID id.UserID, role profile.Role) error
	MergeEntitlement(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error)

	// Payment methods
	CreatePayment(ctx context.Context, r *payment.Record) error
	GetPayment(ctx context.Context, txnID id.TransactionID) (*payment.Record, error)
	GetPaymentByProviderRef(ctx context.Context, provider payment.Method, ref string) (*payment.Record, error)
	GetPendingPayment(ctx context.Context, userID id.UserID, itemID id.ID) (*payment.Record, error)
	ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Record, error)
	MarkPaymentSubmitted(ctx context.Context, txnID id.TransactionID, ref string, at time.Time) error
	FinalizePayment(ctx context.Context, txnID id.TransactionID, status payment.Status, reason string, at time.Time) error
	DeletePendingPayment(ctx context.Context, txnID id.TransactionID) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that Store satisfies the per-package contracts.
var (
	_ catalog.Store = (Store)(nil)
	_ profile.Store = (Store)(nil)
	_ payment.Store = (Store)(nil)
)
