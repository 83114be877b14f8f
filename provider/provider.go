// Package provider defines the contract every external payment integration
// satisfies. Implementations live in sub-packages.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/types"
)

// ErrUnknownReference is returned by Status when the provider has no
// record of the reference.
var ErrUnknownReference = errors.New("provider: unknown reference")

// ErrIgnoredEvent is returned by ParseWebhook for authentic notifications
// that carry no payment outcome. They are acknowledged and dropped.
var ErrIgnoredEvent = errors.New("provider: event ignored")

// ErrWebhookUnverifiable is returned by ParseWebhook when the client has no
// secret to authenticate notifications with. Such notifications are
// rejected rather than trusted.
var ErrWebhookUnverifiable = errors.New("provider: webhook verification not configured")

// Provider initiates and observes payments with one external service.
type Provider interface {
	Method() payment.Method

	// Initiate submits a payment intent. The transaction id must be sent
	// to the provider as the correlation key so later notifications can be
	// matched to the pending record.
	Initiate(ctx context.Context, req *Request) (*Submission, error)

	// Status asks the provider for the current state of a submitted payment.
	Status(ctx context.Context, providerRef string) (*Result, error)

	// ParseWebhook authenticates and decodes an asynchronous notification.
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (*Event, error)
}

// Request is what the orchestrator hands a provider.
type Request struct {
	TransactionID id.TransactionID
	Amount        types.Money
	Description   string
	Target        payment.Target
}

// Submission is the provider's acknowledgement of an intent.
type Submission struct {
	ProviderRef string
	ApprovalURL string      // redirect target for wallet approval, if any
	Charged     types.Money // amount in the provider's currency
}

// Result is the provider's view of a payment.
type Result struct {
	Status      payment.Status
	ProviderRef string
	Reason      string
}

// Event is a decoded notification. TransactionID may be Nil when the
// provider only echoes its own reference.
type Event struct {
	TransactionID id.TransactionID
	Result
}
