// Package payment models the append-only payment ledger and the
// transient checkout state that precedes it.
package payment

import (
	"time"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Method identifies an external payment integration.
type Method string

const (
	MethodPayPal    Method = "paypal"    // card / wallet
	MethodInterSend Method = "intersend" // mobile money
)

type ItemKind string

const (
	ItemUnit   ItemKind = "unit"
	ItemCourse ItemKind = "course"
)

// Failure reasons recorded on failed records.
const (
	ReasonTimeout  = "timeout"
	ReasonDeclined = "declined"
	ReasonCanceled = "canceled"
)

// Record is one entry of the payment ledger. Its ID is the transaction id,
// the durable correlation key shared with the provider and the idempotency
// key for the resulting grant. A record never changes after it reaches a
// terminal status.
type Record struct {
	types.Entity
	ID            id.TransactionID  `json:"id"`
	Provider      Method            `json:"provider"`
	ProviderRef   string            `json:"provider_ref,omitempty"`
	UserID        id.UserID         `json:"user_id"`
	CourseID      id.CourseID       `json:"course_id"`
	ItemKind      ItemKind          `json:"item_kind"`
	ItemID        id.ID             `json:"item_id"`
	Amount        types.Money       `json:"amount"`
	Description   string            `json:"description,omitempty"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Supersedes    id.TransactionID  `json:"supersedes,omitempty"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Submitted reports whether the provider has accepted the intent.
func (r *Record) Submitted() bool {
	return r.Status == StatusPending && r.ProviderRef != ""
}
