package payment_test

import (
	"testing"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/types"
)

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		rec  payment.Record
		want payment.State
	}{
		{"reserved", payment.Record{Status: payment.StatusPending}, payment.StateCreated},
		{"submitted", payment.Record{Status: payment.StatusPending, ProviderRef: "ORDER-1"}, payment.StateSubmitted},
		{"completed", payment.Record{Status: payment.StatusCompleted, ProviderRef: "ORDER-1"}, payment.StateCompleted},
		{"failed", payment.Record{Status: payment.StatusFailed, FailureReason: payment.ReasonTimeout}, payment.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rec.ID = id.NewTransactionID()
			tt.rec.Provider = payment.MethodPayPal
			tt.rec.Amount = types.USD(300)

			out := payment.OutcomeOf(&tt.rec)
			if out.State != tt.want {
				t.Errorf("state: got %q, want %q", out.State, tt.want)
			}
			if out.TransactionID.String() != tt.rec.ID.String() || out.Amount != tt.rec.Amount || out.Reason != tt.rec.FailureReason {
				t.Errorf("outcome: %+v", out)
			}
			if out.Applied {
				t.Error("OutcomeOf must not claim the grant was applied")
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if payment.StatusPending.IsTerminal() {
		t.Error("pending is terminal")
	}
	if !payment.StatusCompleted.IsTerminal() || !payment.StatusFailed.IsTerminal() {
		t.Error("settled status not terminal")
	}
}
