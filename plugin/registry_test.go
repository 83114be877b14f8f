package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
)

type accessCounter struct {
	checked atomic.Int32
	denied  atomic.Int32
}

func (a *accessCounter) Name() string { return "access-counter" }

func (a *accessCounter) OnAccessChecked(context.Context, id.UserID, *entitlement.Decision) error {
	a.checked.Add(1)
	return nil
}

func (a *accessCounter) OnAccessDenied(context.Context, id.UserID, *entitlement.Decision) error {
	a.denied.Add(1)
	return nil
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnPaymentFailed(context.Context, *payment.Record) error {
	return errors.New("boom")
}

type slow struct{ calls atomic.Int32 }

func (s *slow) Name() string { return "slow" }

func (s *slow) OnPaymentSubmitted(context.Context, *payment.Record) error {
	s.calls.Add(1)
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&accessCounter{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&accessCounter{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count: got %d, want 1", r.Count())
	}
	if r.Get("access-counter") == nil {
		t.Error("Get returned nil for registered plugin")
	}
}

func TestEmitAccessCheckedDispatchesDenials(t *testing.T) {
	r := plugin.NewRegistry()
	c := &accessCounter{}
	_ = r.Register(c)

	ctx := context.Background()
	allow := entitlement.Allow()
	deny := entitlement.DenyRequiresEnrollment()

	r.EmitAccessChecked(ctx, id.NewUserID(), &allow)
	r.EmitAccessChecked(ctx, id.NewUserID(), &deny)

	if got := c.checked.Load(); got != 2 {
		t.Errorf("checked: got %d, want 2", got)
	}
	if got := c.denied.Load(); got != 1 {
		t.Errorf("denied: got %d, want 1", got)
	}
}

func TestEmitSwallowsPluginErrors(t *testing.T) {
	r := plugin.NewRegistry()
	_ = r.Register(failing{})

	// Must not panic or block.
	r.EmitPaymentFailed(context.Background(), &payment.Record{ID: id.NewTransactionID()})
}

func TestEmitTimesOutSlowPlugins(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	s := &slow{}
	_ = r.Register(s)

	start := time.Now()
	r.EmitPaymentSubmitted(context.Background(), &payment.Record{ID: id.NewTransactionID()})
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
	if s.calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", s.calls.Load())
	}
}
