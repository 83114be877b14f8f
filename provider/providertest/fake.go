// Package providertest provides a scripted in-memory payment provider for
// tests and local development.
package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/provider"
)

// SignatureHeader carries the shared secret on fake webhooks.
const SignatureHeader = "X-Fake-Signature"

const signature = "valid"

var _ provider.Provider = (*Fake)(nil)

// Fake records every intent it receives and reports whatever status the
// test has scripted for it. New intents start pending.
type Fake struct {
	mu          sync.Mutex
	method      payment.Method
	initiateErr error
	statusErr   error
	results     map[string]provider.Result
	requests    []*provider.Request
}

// New returns a fake provider for method.
func New(method payment.Method) *Fake {
	return &Fake{
		method:  method,
		results: make(map[string]provider.Result),
	}
}

func (f *Fake) Method() payment.Method { return f.method }

func (f *Fake) Initiate(_ context.Context, req *provider.Request) (*provider.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}

	ref := Ref(req.TransactionID)
	f.results[ref] = provider.Result{Status: payment.StatusPending, ProviderRef: ref}
	return &provider.Submission{
		ProviderRef: ref,
		ApprovalURL: "https://fake.test/approve/" + ref,
		Charged:     req.Amount,
	}, nil
}

func (f *Fake) Status(_ context.Context, ref string) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}
	res, ok := f.results[ref]
	if !ok {
		return nil, provider.ErrUnknownReference
	}
	return &res, nil
}

type webhookBody struct {
	TransactionID string         `json:"transaction_id"`
	ProviderRef   string         `json:"provider_ref"`
	Status        payment.Status `json:"status"`
	Reason        string         `json:"reason,omitempty"`
}

func (f *Fake) ParseWebhook(_ context.Context, header http.Header, body []byte) (*provider.Event, error) {
	if header.Get(SignatureHeader) != signature {
		return nil, errors.New("providertest: bad signature")
	}

	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("providertest: decode webhook: %w", err)
	}

	ev := &provider.Event{Result: provider.Result{
		Status:      wb.Status,
		ProviderRef: wb.ProviderRef,
		Reason:      wb.Reason,
	}}
	if wb.TransactionID != "" {
		txn, err := id.ParseTransactionID(wb.TransactionID)
		if err != nil {
			return nil, err
		}
		ev.TransactionID = txn
	}
	return ev, nil
}

// Ref returns the provider reference the fake assigns to txnID.
func Ref(txnID id.TransactionID) string {
	return "fake-" + txnID.String()
}

// Settle scripts the status reported for txnID.
func (f *Fake) Settle(txnID id.TransactionID, status payment.Status, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := Ref(txnID)
	f.results[ref] = provider.Result{Status: status, ProviderRef: ref, Reason: reason}
}

// FailInitiate makes every later Initiate call return err. Nil restores
// normal behavior.
func (f *Fake) FailInitiate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateErr = err
}

// FailStatus makes every later Status call return err.
func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// Requests returns the intents received so far.
func (f *Fake) Requests() []*provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.Request(nil), f.requests...)
}

// Webhook builds a signed notification for txnID.
func Webhook(txnID id.TransactionID, status payment.Status, reason string) (http.Header, []byte) {
	body, _ := json.Marshal(webhookBody{ //nolint:errchkjson // fixed shape
		TransactionID: txnID.String(),
		ProviderRef:   Ref(txnID),
		Status:        status,
		Reason:        reason,
	})
	h := http.Header{}
	h.Set(SignatureHeader, signature)
	h.Set("Content-Type", "application/json")
	return h, body
}
