package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/observability"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/types"
)

// gather returns counter values and histogram sample counts by metric name.
func gather(t *testing.T, reg *prometheus.Registry) (map[string]float64, map[string]uint64) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counters := make(map[string]float64)
	samples := make(map[string]uint64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				counters[mf.GetName()] = c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				samples[mf.GetName()] = h.GetSampleCount()
			}
		}
	}
	return counters, samples
}

func TestMetricsThroughRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	ext := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	r := plugin.NewRegistry()
	if err := r.Register(ext); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	user := id.NewUserID()
	allow := entitlement.Allow()
	enroll := entitlement.DenyRequiresEnrollment()
	price := types.USD(300)
	buy := entitlement.DenyRequiresPurchase(id.NewUnitID(), &price)

	r.EmitAccessChecked(ctx, user, &allow)
	r.EmitAccessChecked(ctx, user, &enroll)
	r.EmitAccessChecked(ctx, user, &buy)

	rec := &payment.Record{ID: id.NewTransactionID(), UserID: user, Amount: types.USD(300)}
	r.EmitPaymentSubmitted(ctx, rec)
	r.EmitPaymentCompleted(ctx, rec)
	r.EmitGrantApplied(ctx, rec, profile.Grant{AddUnits: []id.UnitID{id.NewUnitID(), id.NewUnitID()}})
	r.EmitReconciled(ctx, 10, 2, 1, 40*time.Millisecond)
	r.EmitWebhookReceived(ctx, payment.MethodPayPal, []byte(`{}`))

	counters, samples := gather(t, reg)
	want := map[string]float64{
		"paywall_access_checks_total":            3,
		"paywall_access_denied_enrollment_total": 1,
		"paywall_access_denied_purchase_total":   1,
		"paywall_payment_submitted_total":        1,
		"paywall_payment_completed_total":        1,
		"paywall_payment_failed_total":           0,
		"paywall_grant_applied_total":            1,
		"paywall_grant_units_total":              2,
		"paywall_reconcile_scanned_total":        10,
		"paywall_reconcile_repaired_total":       2,
		"paywall_reconcile_failed_total":         1,
		"paywall_webhook_received_total":         1,
	}
	for name, v := range want {
		if got, ok := counters[name]; !ok || got != v {
			t.Errorf("%s: got %v (present %v), want %v", name, got, ok, v)
		}
	}
	for _, name := range []string{"paywall_payment_amount_minor", "paywall_reconcile_latency_ms", "paywall_webhook_bytes"} {
		if samples[name] != 1 {
			t.Errorf("%s: got %d samples, want 1", name, samples[name])
		}
	}
}

func TestFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := observability.NewPrometheusFactory(reg)
	b := observability.NewPrometheusFactory(reg)

	a.Counter("paywall.test").Inc()
	b.Counter("paywall.test").Inc()
	a.Counter("paywall.test").Add(2)

	counters, _ := gather(t, reg)
	if got := counters["paywall_test_total"]; got != 4 {
		t.Errorf("got %v, want 4", got)
	}
}
