package intersend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/provider"
	"github.com/xraph/paywall/provider/intersend"
	"github.com/xraph/paywall/types"
)

type fakeInterSend struct {
	mu       sync.Mutex
	created  []map[string]string
	statuses map[string]string
}

func newFakeInterSend(t *testing.T) (*fakeInterSend, *httptest.Server) {
	t.Helper()
	f := &fakeInterSend{statuses: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /create-payment", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "bad key"})
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
			return
		}
		if body["phoneNumber"] == "254700000000" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "subscriber unreachable"})
			return
		}

		f.mu.Lock()
		f.created = append(f.created, body)
		ref := "IS-" + body["reference"]
		f.statuses[ref] = "PENDING"
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactionId": ref, "status": "PENDING"})
	})
	mux.HandleFunc("GET /payment-status/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ref := r.PathValue("transactionId")
		status, ok := f.statuses[ref]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactionId": ref, "status": status})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInterSend) set(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCharge(t *testing.T) {
	c := intersend.New(intersend.Config{})
	tests := []struct {
		name string
		in   types.Money
		want types.Money
	}{
		{"usd at default rate", types.USD(300), types.KES(36000)},
		{"fractional usd rounds up", types.USD(199), types.KES(23900)},
		{"kes rounds to whole shillings", types.KES(36040), types.KES(36100)},
		{"other currency passes through", types.EUR(500), types.EUR(500)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Charge(tt.in); !got.Equal(tt.want) {
				t.Errorf("Charge(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	custom := intersend.New(intersend.Config{Rate: 130})
	if got := custom.Charge(types.USD(100)); !got.Equal(types.KES(13000)) {
		t.Errorf("custom rate: got %v", got)
	}
}

func TestInitiateAndStatus(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeInterSend(t)
	c := intersend.New(intersend.Config{BaseURL: srv.URL, APIKey: "key", MerchantID: "M-1"})

	txn := id.NewTransactionID()
	sub, err := c.Initiate(ctx, &provider.Request{
		TransactionID: txn,
		Amount:        types.USD(300),
		Description:   "Purchase: Episode 2",
		Target:        payment.Target{Phone: "254712345678"},
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if sub.ProviderRef != "IS-"+txn.String() {
		t.Errorf("ProviderRef: got %q", sub.ProviderRef)
	}
	if !sub.Charged.Equal(types.KES(36000)) {
		t.Errorf("Charged: got %v", sub.Charged)
	}

	if len(fake.created) != 1 {
		t.Fatalf("create calls: got %d", len(fake.created))
	}
	got := fake.created[0]
	want := map[string]string{
		"amount":      "360.00",
		"currency":    "KES",
		"phoneNumber": "254712345678",
		"merchantId":  "M-1",
		"reference":   txn.String(),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: got %q, want %q", k, got[k], v)
		}
	}

	tests := []struct {
		status string
		want   payment.Status
		reason string
	}{
		{"PENDING", payment.StatusPending, ""},
		{"SUCCESS", payment.StatusCompleted, ""},
		{"FAILED", payment.StatusFailed, payment.ReasonDeclined},
		{"CANCELLED", payment.StatusFailed, payment.ReasonCanceled},
		{"EXPIRED", payment.StatusFailed, payment.ReasonTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			fake.set(sub.ProviderRef, tt.status)
			res, err := c.Status(ctx, sub.ProviderRef)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if res.Status != tt.want || res.Reason != tt.reason || res.ProviderRef != sub.ProviderRef {
				t.Errorf("got %+v", res)
			}
		})
	}

	if _, err := c.Status(ctx, "IS-missing"); !errors.Is(err, provider.ErrUnknownReference) {
		t.Errorf("missing: got %v", err)
	}
}

func TestInitiateRejected(t *testing.T) {
	_, srv := newFakeInterSend(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		apiKey string
		phone  string
	}{
		{"no phone", "key", ""},
		{"bad key", "wrong", "254712345678"},
		{"provider declines", "key", "254700000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := intersend.New(intersend.Config{BaseURL: srv.URL, APIKey: tt.apiKey})
			_, err := c.Initiate(ctx, &provider.Request{
				TransactionID: id.NewTransactionID(),
				Amount:        types.USD(300),
				Target:        payment.Target{Phone: tt.phone},
			})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseWebhook(t *testing.T) {
	ctx := context.Background()
	txn := id.NewTransactionID()
	c := intersend.New(intersend.Config{CallbackSecret: "shh"})

	body := func(status string) []byte {
		b, _ := json.Marshal(map[string]string{
			"transactionId": "IS-1",
			"reference":     txn.String(),
			"status":        status,
		})
		return b
	}
	signed := func(b []byte) http.Header {
		h := http.Header{}
		h.Set(intersend.SignatureHeader, intersend.Sign("shh", b))
		return h
	}

	t.Run("success", func(t *testing.T) {
		b := body("SUCCESS")
		ev, err := c.ParseWebhook(ctx, signed(b), b)
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if ev.TransactionID.String() != txn.String() || ev.ProviderRef != "IS-1" || ev.Status != payment.StatusCompleted {
			t.Errorf("event: %+v", ev)
		}
	})

	t.Run("failed", func(t *testing.T) {
		b := body("FAILED")
		ev, err := c.ParseWebhook(ctx, signed(b), b)
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if ev.Status != payment.StatusFailed || ev.Reason != payment.ReasonDeclined {
			t.Errorf("event: %+v", ev)
		}
	})

	t.Run("pending is ignored", func(t *testing.T) {
		b := body("pending")
		if _, err := c.ParseWebhook(ctx, signed(b), b); !errors.Is(err, provider.ErrIgnoredEvent) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		b := body("SUCCESS")
		h := http.Header{}
		h.Set(intersend.SignatureHeader, intersend.Sign("other", b))
		if _, err := c.ParseWebhook(ctx, h, b); err == nil {
			t.Error("expected signature error")
		}
	})

	t.Run("no secret configured", func(t *testing.T) {
		b := body("SUCCESS")
		open := intersend.New(intersend.Config{})
		if _, err := open.ParseWebhook(ctx, http.Header{}, b); !errors.Is(err, provider.ErrWebhookUnverifiable) {
			t.Errorf("got %v, want ErrWebhookUnverifiable", err)
		}
	})

	t.Run("no reference", func(t *testing.T) {
		b := []byte(`{"status":"SUCCESS"}`)
		if _, err := c.ParseWebhook(ctx, signed(b), b); err == nil {
			t.Error("expected error")
		}
	})
}
