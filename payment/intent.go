package payment

import (
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/types"
)

// State is the checkout state reported to callers.
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Target carries method-specific checkout details.
type Target struct {
	Phone     string `json:"phone,omitempty" validate:"omitempty,numeric,len=12,startswith=254"`
	ReturnURL string `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// Intent is the ephemeral purchase request handed to a provider. It is
// never stored; the pending Record is its durable shadow.
type Intent struct {
	TransactionID id.TransactionID
	UserID        id.UserID
	CourseID      id.CourseID
	ItemKind      ItemKind
	ItemID        id.ID
	Amount        types.Money
	Method        Method
	Description   string
	Target        Target
}

// Outcome is the method-agnostic result of a checkout step.
type Outcome struct {
	TransactionID id.TransactionID `json:"transaction_id"`
	State         State            `json:"state"`
	Method        Method           `json:"method"`
	Amount        types.Money      `json:"amount"`
	ApprovalURL   string           `json:"approval_url,omitempty"`
	Applied       bool             `json:"applied"`
	Reason        string           `json:"reason,omitempty"`
}

// OutcomeOf derives the outcome shape from a stored record.
func OutcomeOf(r *Record) *Outcome {
	o := &Outcome{
		TransactionID: r.ID,
		Method:        r.Provider,
		Amount:        r.Amount,
		Reason:        r.FailureReason,
	}
	switch {
	case r.Status == StatusCompleted:
		o.State = StateCompleted
	case r.Status == StatusFailed:
		o.State = StateFailed
	case r.Submitted():
		o.State = StateSubmitted
	default:
		o.State = StateCreated
	}
	return o
}
