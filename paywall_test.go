package paywall_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/provider"
	"github.com/xraph/paywall/provider/providertest"
	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/store/memory"
	"github.com/xraph/paywall/types"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore fails entitlement merges with a retryable conflict while
// failMerge is set.
type flakyStore struct {
	store.Store
	failMerge atomic.Bool
	merges    atomic.Int32
}

func (f *flakyStore) MergeEntitlement(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	f.merges.Add(1)
	if f.failMerge.Load() {
		return false, paywall.ErrEntitlementWriteConflict
	}
	return f.Store.MergeEntitlement(ctx, userID, g)
}

type events struct {
	applied atomic.Int32
	expired atomic.Int32
	failed  atomic.Int32
}

func (e *events) Name() string { return "test-events" }

func (e *events) OnGrantApplied(context.Context, *payment.Record, profile.Grant) error {
	e.applied.Add(1)
	return nil
}

func (e *events) OnPaymentExpired(context.Context, *payment.Record) error {
	e.expired.Add(1)
	return nil
}

func (e *events) OnGrantFailed(context.Context, *payment.Record, error) error {
	e.failed.Add(1)
	return nil
}

type env struct {
	pw        *paywall.Paywall
	store     *flakyStore
	paypal    *providertest.Fake
	intersend *providertest.Fake
	clock     *clock
	events    *events

	teacher *profile.Profile
	student *profile.Profile
	admin   *profile.Profile

	course   *catalog.Course // free to enroll, priced units
	premium  *catalog.Course // paid course
	e1, e2   catalog.Unit
	workbook catalog.Unit
	notes    catalog.Unit // unpriced
}

func money(cents int64) *types.Money {
	m := types.USD(cents)
	return &m
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	e := &env{
		store:     &flakyStore{Store: memory.New()},
		paypal:    providertest.New(payment.MethodPayPal),
		intersend: providertest.New(payment.MethodInterSend),
		clock:     &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events:    &events{},
	}
	e.pw = paywall.New(e.store,
		paywall.WithProvider(e.paypal),
		paywall.WithProvider(e.intersend),
		paywall.WithClock(e.clock.Now),
		paywall.WithGrantRetry(3, time.Millisecond),
		paywall.WithPlugin(e.events),
	)

	e.teacher = &profile.Profile{Email: "teacher@example.com", Role: profile.RoleTeacher}
	e.student = &profile.Profile{Email: "student@example.com"}
	for _, u := range []*profile.Profile{e.teacher, e.student} {
		if err := e.pw.RegisterUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	e.admin = &profile.Profile{ID: id.NewUserID(), Email: "admin@example.com", Role: profile.RoleAdmin}
	if err := e.store.CreateProfile(ctx, e.admin); err != nil {
		t.Fatal(err)
	}

	e.course = &catalog.Course{
		Title: "Intro to Go",
		Units: []catalog.Unit{
			{Kind: catalog.KindVideo, Title: "E1", Price: money(300)},
			{Kind: catalog.KindPDF, Title: "Workbook", Pages: 42, Price: money(500)},
			{Kind: catalog.KindVideo, Title: "E2", Price: money(300)},
			{Kind: catalog.KindPDF, Title: "Notes", Pages: 3},
		},
	}
	e.premium = &catalog.Course{
		Title: "Go Mastery",
		Price: money(2000),
		Units: []catalog.Unit{
			{Kind: catalog.KindVideo, Title: "V1", Price: money(400)},
			{Kind: catalog.KindVideo, Title: "V2", Price: money(400)},
		},
	}
	for _, c := range []*catalog.Course{e.course, e.premium} {
		if err := e.pw.CreateCourse(ctx, e.teacher.ID, c); err != nil {
			t.Fatal(err)
		}
	}
	e.e1, e.workbook, e.e2, e.notes = e.course.Units[0], e.course.Units[1], e.course.Units[2], e.course.Units[3]

	return e
}

func providerCompleted() provider.Result {
	return provider.Result{Status: payment.StatusCompleted}
}

func (e *env) enroll(t *testing.T) {
	t.Helper()
	if err := e.pw.Enroll(context.Background(), e.student.ID, e.course.ID); err != nil {
		t.Fatal(err)
	}
}

func (e *env) buy(t *testing.T, unit catalog.Unit) *payment.Outcome {
	t.Helper()
	out, err := e.pw.Purchase(context.Background(), &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   unit.ID,
		Method:   payment.MethodPayPal,
	})
	if err != nil {
		t.Fatalf("Purchase(%s): %v", unit.Title, err)
	}
	return out
}

func (e *env) webhook(t *testing.T, txn id.TransactionID, status payment.Status) (*payment.Outcome, error) {
	t.Helper()
	e.paypal.Settle(txn, status, "")
	h, body := providertest.Webhook(txn, status, "")
	return e.pw.HandleWebhook(context.Background(), payment.MethodPayPal, h, body)
}

func (e *env) allowed(t *testing.T, unit catalog.Unit, cursor int) bool {
	t.Helper()
	d, err := e.pw.Check(context.Background(), e.student.ID, e.course.ID, unit.ID, cursor)
	if err != nil {
		t.Fatalf("Check(%s, %d): %v", unit.Title, cursor, err)
	}
	return d.Allowed
}

func (e *env) profile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := e.pw.GetProfile(context.Background(), e.student.ID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// ──────────────────────────────────────────────────
// Access
// ──────────────────────────────────────────────────

func TestCheckAnonymousAndUnenrolled(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, viewer := range []id.UserID{id.Nil, e.student.ID, id.NewUserID()} {
		d, err := e.pw.Check(ctx, viewer, e.course.ID, e.e1.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed || d.Reason != entitlement.ReasonRequiresEnrollment {
			t.Errorf("viewer %q: got %+v, want requires_enrollment", viewer, d)
		}
	}
}

func TestCheckPreconditions(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()

	_, err := e.pw.Check(ctx, e.student.ID, e.course.ID, e.workbook.ID, 0)
	if !errors.Is(err, paywall.ErrInvalidCursor) || !paywall.IsPreconditionViolation(err) {
		t.Errorf("cursor 0: got %v", err)
	}
	if paywall.IsUserFacing(err) {
		t.Error("precondition violations must not be user facing")
	}

	_, err = e.pw.Check(ctx, e.student.ID, e.course.ID, id.NewUnitID(), 1)
	if !errors.Is(err, paywall.ErrUnitNotFound) {
		t.Errorf("unknown unit: got %v", err)
	}

	_, err = e.pw.Check(ctx, e.student.ID, id.NewCourseID(), e.e1.ID, 1)
	if !errors.Is(err, paywall.ErrCourseNotFound) {
		t.Errorf("unknown course: got %v", err)
	}
}

func TestPDFThresholdThroughEngine(t *testing.T) {
	e := setup(t)
	e.enroll(t)

	if !e.allowed(t, e.workbook, 10) {
		t.Error("page 10 should be free")
	}
	if e.allowed(t, e.workbook, 11) {
		t.Error("page 11 should require purchase")
	}

	b, err := e.pw.PreviewBudget(context.Background(), e.course.ID, e.workbook.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Limit != 10 || b.Total != 42 {
		t.Errorf("budget: got %+v", b)
	}
}

// ──────────────────────────────────────────────────
// Purchases
// ──────────────────────────────────────────────────

func TestEpisodePurchaseThroughPayPal(t *testing.T) {
	e := setup(t)
	e.enroll(t)

	if !e.allowed(t, e.e1, 0) {
		t.Fatal("E1 should be free for enrolled users")
	}
	d, _ := e.pw.Check(context.Background(), e.student.ID, e.course.ID, e.e2.ID, 0)
	if d.Allowed || d.Reason != entitlement.ReasonRequiresPurchase || !d.Price.Equal(types.USD(300)) {
		t.Fatalf("E2 before purchase: got %+v", d)
	}

	out := e.buy(t, e.e2)
	if out.State != payment.StateSubmitted {
		t.Errorf("State: got %q, want submitted", out.State)
	}
	if out.ApprovalURL == "" {
		t.Error("expected an approval url")
	}
	if e.allowed(t, e.e2, 0) {
		t.Fatal("E2 must stay locked until the payment completes")
	}

	res, err := e.webhook(t, out.TransactionID, payment.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != payment.StateCompleted || !res.Applied {
		t.Errorf("outcome: got %+v", res)
	}

	if !e.allowed(t, e.e2, 0) {
		t.Error("E2 should be unlocked after purchase")
	}
	p := e.profile(t)
	if p.TotalSpent != 300 {
		t.Errorf("TotalSpent: got %d, want 300", p.TotalSpent)
	}
	if !p.HasApplied(out.TransactionID) {
		t.Error("transaction id missing from applied payments")
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	out := e.buy(t, e.workbook)

	for i := 0; i < 3; i++ {
		if _, err := e.webhook(t, out.TransactionID, payment.StatusCompleted); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.pw.Refresh(context.Background(), out.TransactionID); err != nil {
		t.Fatal(err)
	}

	p := e.profile(t)
	if p.TotalSpent != 500 {
		t.Errorf("TotalSpent: got %d, want 500", p.TotalSpent)
	}
	if len(p.PurchasedUnitIDs) != 1 || len(p.AppliedPaymentIDs) != 1 {
		t.Errorf("profile sets grew on repeat: %+v", p)
	}
	if got := e.events.applied.Load(); got != 1 {
		t.Errorf("OnGrantApplied fired %d times, want 1", got)
	}
	if !e.allowed(t, e.workbook, 42) {
		t.Error("last page should be readable after purchase")
	}
}

func TestDuplicatePurchaseRejected(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	first := e.buy(t, e.e2)

	_, err := e.pw.Purchase(context.Background(), &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   e.e2.ID,
		Method:   payment.MethodPayPal,
	})
	if !errors.Is(err, paywall.ErrDuplicatePurchaseInProgress) {
		t.Fatalf("got %v, want ErrDuplicatePurchaseInProgress", err)
	}
	if paywall.AffordanceFor(err) != paywall.AffordanceWait {
		t.Errorf("affordance: got %q", paywall.AffordanceFor(err))
	}
	if n := len(e.paypal.Requests()); n != 1 {
		t.Errorf("provider contacted %d times, want 1", n)
	}

	if _, err := e.webhook(t, first.TransactionID, payment.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	_, err = e.pw.Purchase(context.Background(), &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   e.e2.ID,
		Method:   payment.MethodPayPal,
	})
	if !errors.Is(err, paywall.ErrAlreadyPurchased) {
		t.Errorf("after completion: got %v, want ErrAlreadyPurchased", err)
	}
}

func TestUnitPurchaseRequiresEnrollment(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.pw.Purchase(ctx, &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   e.e2.ID,
		Method:   payment.MethodPayPal,
	})
	if !errors.Is(err, paywall.ErrEnrollmentRequired) {
		t.Fatalf("free course: got %v, want ErrEnrollmentRequired", err)
	}
	if paywall.AffordanceFor(err) != paywall.AffordanceEnroll {
		t.Errorf("affordance: got %q", paywall.AffordanceFor(err))
	}

	_, err = e.pw.Purchase(ctx, &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.premium.ID,
		UnitID:   e.premium.Units[0].ID,
		Method:   payment.MethodPayPal,
	})
	if !errors.Is(err, paywall.ErrEnrollmentRequiresPurchase) {
		t.Fatalf("paid course: got %v, want ErrEnrollmentRequiresPurchase", err)
	}

	if n := len(e.paypal.Requests()); n != 0 {
		t.Errorf("provider contacted %d times, want 0", n)
	}
	recs, err := e.store.ListPayments(ctx, payment.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("payment records: got %d, want 0", len(recs))
	}

	e.enroll(t)
	e.buy(t, e.e2)
}

func TestCourseAndUnitPurchasesDoNotOverlap(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()

	// Pricing a course after students enrolled for free leaves both the
	// course and its units on sale to them.
	priced := *e.course
	priced.Price = money(1000)
	if err := e.pw.UpdateCourse(ctx, e.teacher.ID, &priced); err != nil {
		t.Fatal(err)
	}

	course := &paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, Method: payment.MethodPayPal}
	unit := &paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: e.e2.ID, Method: payment.MethodPayPal}

	tests := []struct {
		name          string
		first, second *paywall.PurchaseRequest
	}{
		{"unit while course pending", course, unit},
		{"course while unit pending", unit, course},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.pw.Purchase(ctx, tt.first); err != nil {
				t.Fatal(err)
			}
			_, err := e.pw.Purchase(ctx, tt.second)
			if !errors.Is(err, paywall.ErrDuplicatePurchaseInProgress) {
				t.Fatalf("got %v, want ErrDuplicatePurchaseInProgress", err)
			}

			e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)
			if _, err := e.pw.ExpireStale(ctx); err != nil {
				t.Fatal(err)
			}
		})
	}
	if n := len(e.paypal.Requests()); n != 2 {
		t.Errorf("provider contacted %d times, want 2", n)
	}

	// A stale unit reservation the provider did settle is granted before
	// the course purchase goes ahead.
	out, err := e.pw.Purchase(ctx, unit)
	if err != nil {
		t.Fatal(err)
	}
	e.paypal.Settle(out.TransactionID, payment.StatusCompleted, "")
	e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)

	if _, err := e.pw.Purchase(ctx, course); err != nil {
		t.Fatalf("course after stale unit: %v", err)
	}
	if !e.allowed(t, e.e2, 0) {
		t.Error("settled unit purchase should be granted")
	}
	if p := e.profile(t); p.TotalSpent != 300 {
		t.Errorf("TotalSpent: got %d, want 300", p.TotalSpent)
	}
}

func TestConcurrentPurchasesOfDifferentUnits(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()

	units := []catalog.Unit{e.e2, e.workbook}
	outs := make([]*payment.Outcome, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.pw.Purchase(ctx, &paywall.PurchaseRequest{
				UserID:   e.student.ID,
				CourseID: e.course.ID,
				UnitID:   u.ID,
				Method:   payment.MethodPayPal,
			})
			if err != nil {
				t.Errorf("Purchase(%s): %v", u.Title, err)
				return
			}
			outs[i] = out
		}()
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	for _, out := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.pw.HandleOutcome(ctx, out.TransactionID, providerCompleted()); err != nil {
				t.Errorf("HandleOutcome: %v", err)
			}
		}()
	}
	wg.Wait()

	p := e.profile(t)
	for _, u := range units {
		if !p.HasPurchased(u.ID) {
			t.Errorf("%s missing after concurrent grants", u.Title)
		}
	}
	if p.TotalSpent != 800 {
		t.Errorf("TotalSpent: got %d, want 800", p.TotalSpent)
	}
}

func TestInitiationFailureLeavesNoRecord(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()

	e.paypal.FailInitiate(errors.New("connection reset"))
	_, err := e.pw.Purchase(ctx, &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   e.e2.ID,
		Method:   payment.MethodPayPal,
	})
	if !errors.Is(err, paywall.ErrPaymentInitiationFailed) || !paywall.IsRetryable(err) {
		t.Fatalf("got %v, want retryable ErrPaymentInitiationFailed", err)
	}
	if paywall.AffordanceFor(err) != paywall.AffordanceRetryPurchase {
		t.Errorf("affordance: got %q", paywall.AffordanceFor(err))
	}

	recs, err := e.store.ListPayments(ctx, payment.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no payment records, got %d", len(recs))
	}

	e.paypal.FailInitiate(nil)
	e.buy(t, e.e2)
}

func TestWebhookClaimIsConfirmedWithProvider(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()
	out := e.buy(t, e.e2)

	// Signed notifications claiming an outcome the provider does not report.
	for _, status := range []payment.Status{payment.StatusCompleted, payment.StatusFailed} {
		h, body := providertest.Webhook(out.TransactionID, status, "")
		res, err := e.pw.HandleWebhook(ctx, payment.MethodPayPal, h, body)
		if err != nil {
			t.Fatalf("%s claim: %v", status, err)
		}
		if res.State == payment.StateCompleted || res.State == payment.StateFailed || res.Applied {
			t.Errorf("%s claim applied: %+v", status, res)
		}
	}
	if e.allowed(t, e.e2, 0) {
		t.Fatal("unconfirmed completion granted access")
	}
	if p := e.profile(t); p.TotalSpent != 0 {
		t.Errorf("TotalSpent: got %d, want 0", p.TotalSpent)
	}

	e.paypal.FailStatus(errors.New("connection reset"))
	h, body := providertest.Webhook(out.TransactionID, payment.StatusCompleted, "")
	if _, err := e.pw.HandleWebhook(ctx, payment.MethodPayPal, h, body); err == nil {
		t.Error("expected an error while the provider is unreachable")
	}
	rec, err := e.pw.GetPayment(ctx, out.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != payment.StatusPending {
		t.Errorf("status: got %q, want pending", rec.Status)
	}

	e.paypal.FailStatus(nil)
	res, err := e.webhook(t, out.TransactionID, payment.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != payment.StateCompleted || !res.Applied {
		t.Errorf("confirmed completion: got %+v", res)
	}
	if !e.allowed(t, e.e2, 0) {
		t.Error("E2 should be unlocked once the provider confirms")
	}
}

func TestProviderFailure(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	out := e.buy(t, e.e2)

	res, err := e.webhook(t, out.TransactionID, payment.StatusFailed)
	if !errors.Is(err, paywall.ErrPaymentProviderError) {
		t.Fatalf("got %v, want ErrPaymentProviderError", err)
	}
	if res.State != payment.StateFailed || res.Reason != payment.ReasonDeclined {
		t.Errorf("outcome: got %+v", res)
	}
	if e.allowed(t, e.e2, 0) {
		t.Error("failed payment must not grant access")
	}

	again := e.buy(t, e.e2)
	if again.TransactionID.String() == out.TransactionID.String() {
		t.Error("a new purchase must use a new transaction id")
	}
}

func TestPurchaseValidation(t *testing.T) {
	e := setup(t)
	e.enroll(t)

	tests := []struct {
		name string
		req  paywall.PurchaseRequest
		want error
	}{
		{"anonymous", paywall.PurchaseRequest{CourseID: e.course.ID, UnitID: e.e2.ID, Method: payment.MethodPayPal}, paywall.ErrUnauthenticated},
		{"unknown method", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: e.e2.ID, Method: "cash"}, paywall.ErrInvalidInput},
		{"mobile money without phone", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: e.e2.ID, Method: payment.MethodInterSend}, paywall.ErrInvalidInput},
		{"malformed phone", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: e.e2.ID, Method: payment.MethodInterSend, Target: payment.Target{Phone: "0712345678"}}, paywall.ErrInvalidInput},
		{"unknown unit", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: id.NewUnitID(), Method: payment.MethodPayPal}, paywall.ErrUnitNotFound},
		{"unpriced unit", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, UnitID: e.notes.ID, Method: payment.MethodPayPal}, paywall.ErrNotPurchasable},
		{"free course", paywall.PurchaseRequest{UserID: e.student.ID, CourseID: e.course.ID, Method: payment.MethodPayPal}, paywall.ErrNotPurchasable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.pw.Purchase(context.Background(), &tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMobileMoneyPurchase(t *testing.T) {
	e := setup(t)
	e.enroll(t)

	out, err := e.pw.Purchase(context.Background(), &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.course.ID,
		UnitID:   e.workbook.ID,
		Method:   payment.MethodInterSend,
		Target:   payment.Target{Phone: "254712345678"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != payment.MethodInterSend || out.State != payment.StateSubmitted {
		t.Errorf("outcome: got %+v", out)
	}

	reqs := e.intersend.Requests()
	if len(reqs) != 1 || reqs[0].Target.Phone != "254712345678" {
		t.Fatalf("intersend requests: %+v", reqs)
	}
	if reqs[0].TransactionID.String() != out.TransactionID.String() {
		t.Error("provider must receive our transaction id")
	}

	e.intersend.Settle(out.TransactionID, payment.StatusCompleted, "")
	res, err := e.pw.Refresh(context.Background(), out.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != payment.StateCompleted {
		t.Errorf("State: got %q", res.State)
	}
	if !e.allowed(t, e.workbook, 30) {
		t.Error("workbook should be unlocked")
	}
}

func TestAwaitPollsUntilTerminal(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	pw := paywall.New(e.store,
		paywall.WithProvider(e.paypal),
		paywall.WithPollInterval(5*time.Millisecond),
	)

	out := e.buy(t, e.e2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.paypal.Settle(out.TransactionID, payment.StatusCompleted, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := pw.Await(ctx, out.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != payment.StateCompleted {
		t.Errorf("State: got %q", res.State)
	}
}

// ──────────────────────────────────────────────────
// Enrollment and courses
// ──────────────────────────────────────────────────

func TestEnrollment(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if err := e.pw.Enroll(ctx, id.Nil, e.course.ID); !errors.Is(err, paywall.ErrUnauthenticated) {
		t.Errorf("anonymous: got %v", err)
	}
	err := e.pw.Enroll(ctx, e.student.ID, e.premium.ID)
	if !errors.Is(err, paywall.ErrEnrollmentRequiresPurchase) {
		t.Fatalf("paid course: got %v", err)
	}
	if paywall.AffordanceFor(err) != paywall.AffordancePurchase {
		t.Errorf("affordance: got %q", paywall.AffordanceFor(err))
	}

	e.enroll(t)
	e.enroll(t) // idempotent
	if p := e.profile(t); len(p.EnrolledCourseIDs) != 1 {
		t.Errorf("EnrolledCourseIDs: got %d, want 1", len(p.EnrolledCourseIDs))
	}
}

func TestCoursePurchaseGrantsEverything(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	out, err := e.pw.Purchase(ctx, &paywall.PurchaseRequest{
		UserID:   e.student.ID,
		CourseID: e.premium.ID,
		Method:   payment.MethodPayPal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Amount.Equal(types.USD(2000)) {
		t.Errorf("Amount: got %s", out.Amount)
	}
	if _, err := e.webhook(t, out.TransactionID, payment.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	for _, u := range e.premium.Units {
		d, err := e.pw.Check(ctx, e.student.ID, e.premium.ID, u.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Errorf("%s: got %+v after course purchase", u.Title, d)
		}
	}
}

func TestCourseAuthoring(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	err := e.pw.CreateCourse(ctx, e.student.ID, &catalog.Course{Title: "Nope"})
	if !errors.Is(err, paywall.ErrForbidden) {
		t.Errorf("student author: got %v", err)
	}

	err = e.pw.CreateCourse(ctx, e.teacher.ID, &catalog.Course{
		Title: "Broken",
		Units: []catalog.Unit{{Kind: catalog.KindPDF, Title: "Empty"}},
	})
	if !errors.Is(err, paywall.ErrInvalidCourse) {
		t.Errorf("zero-page pdf: got %v", err)
	}

	if e.course.Slug != "intro-to-go" {
		t.Errorf("Slug: got %q", e.course.Slug)
	}
	if e.e1.Ordinal != 0 || e.e2.Ordinal != 1 {
		t.Errorf("ordinals: E1=%d E2=%d", e.e1.Ordinal, e.e2.Ordinal)
	}

	e.course.Title = "Intro to Go, Revised"
	if err := e.pw.UpdateCourse(ctx, e.student.ID, e.course); !errors.Is(err, paywall.ErrForbidden) {
		t.Errorf("non-owner update: got %v", err)
	}
	if err := e.pw.UpdateCourse(ctx, e.admin.ID, e.course); err != nil {
		t.Errorf("admin update: %v", err)
	}
}

func TestUpdateCourseKeepsUnitIDs(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()

	out := e.buy(t, e.e2)
	if _, err := e.webhook(t, out.TransactionID, payment.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	rekeyed := e.notes
	rekeyed.ID = id.NewUnitID()
	unsaved := e.e2
	unsaved.ID = id.Nil
	extra := catalog.Unit{Kind: catalog.KindVideo, Title: "E3", Price: money(300)}

	tests := []struct {
		name  string
		units []catalog.Unit
	}{
		{"removed unit", []catalog.Unit{e.e1, e.workbook, e.e2}},
		{"re-keyed unit", []catalog.Unit{e.e1, e.workbook, e.e2, rekeyed}},
		{"unit sent without id", []catalog.Unit{e.e1, e.workbook, unsaved, e.notes}},
		{"duplicate id", []catalog.Unit{e.e1, e.workbook, e.e2, e.notes, e.e2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *e.course
			c.Units = tt.units
			if err := e.pw.UpdateCourse(ctx, e.teacher.ID, &c); !errors.Is(err, paywall.ErrInvalidCourse) {
				t.Errorf("got %v, want ErrInvalidCourse", err)
			}
		})
	}

	c := *e.course
	c.Units = []catalog.Unit{e.notes, e.e1, e.e2, e.workbook, extra}
	if err := e.pw.UpdateCourse(ctx, e.teacher.ID, &c); err != nil {
		t.Fatalf("reorder and append: %v", err)
	}
	stored, err := e.pw.GetCourse(ctx, e.course.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Units) != 5 || stored.FindUnit(e.e2.ID) == nil || stored.Units[4].ID.IsNil() {
		t.Fatalf("units after edit: %+v", stored.Units)
	}
	if !e.allowed(t, e.e2, 0) {
		t.Error("purchased unit lost after the edit")
	}

	// New courses never adopt caller-chosen unit ids.
	copied := &catalog.Course{
		Title: "Copycat",
		Units: []catalog.Unit{{ID: e.e2.ID, Kind: catalog.KindVideo, Title: "E2", Price: money(100)}},
	}
	if err := e.pw.CreateCourse(ctx, e.teacher.ID, copied); err != nil {
		t.Fatal(err)
	}
	if copied.Units[0].ID.Equal(e.e2.ID) {
		t.Error("CreateCourse kept a unit id from another course")
	}
}

func TestRoles(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	err := e.pw.RegisterUser(ctx, &profile.Profile{Email: "root@example.com", Role: profile.RoleAdmin})
	if !errors.Is(err, paywall.ErrForbidden) {
		t.Errorf("self-assigned admin: got %v", err)
	}
	if err := e.pw.SetRole(ctx, e.teacher.ID, e.student.ID, profile.RoleTeacher); !errors.Is(err, paywall.ErrForbidden) {
		t.Errorf("teacher SetRole: got %v", err)
	}
	if err := e.pw.SetRole(ctx, e.admin.ID, e.student.ID, profile.RoleTeacher); err != nil {
		t.Fatal(err)
	}
	if p := e.profile(t); p.Role != profile.RoleTeacher {
		t.Errorf("Role: got %q", p.Role)
	}
}

// ──────────────────────────────────────────────────
// Expiry, late settlement and reconciliation
// ──────────────────────────────────────────────────

func TestExpireStale(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()
	out := e.buy(t, e.e2)

	if n, err := e.pw.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("fresh intent expired: n=%d err=%v", n, err)
	}

	e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)
	n, err := e.pw.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired: got %d, want 1", n)
	}

	rec, err := e.pw.GetPayment(ctx, out.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != payment.StatusFailed || rec.FailureReason != payment.ReasonTimeout {
		t.Errorf("record: status=%q reason=%q", rec.Status, rec.FailureReason)
	}
	if e.events.expired.Load() != 1 {
		t.Errorf("OnPaymentExpired fired %d times", e.events.expired.Load())
	}

	e.buy(t, e.e2)
}

func TestExpireStaleSettlesWithProvider(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	out := e.buy(t, e.e2)

	e.paypal.Settle(out.TransactionID, payment.StatusCompleted, "")
	e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)

	n, err := e.pw.ExpireStale(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expired: got %d, want 0", n)
	}
	if !e.allowed(t, e.e2, 0) {
		t.Error("provider-confirmed payment should be granted during sweep")
	}
}

func TestStaleReservationIsReplaced(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	first := e.buy(t, e.e2)

	e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)
	second := e.buy(t, e.e2)

	if second.TransactionID.String() == first.TransactionID.String() {
		t.Fatal("expected a new transaction id")
	}
	rec, _ := e.pw.GetPayment(context.Background(), first.TransactionID)
	if rec.Status != payment.StatusFailed {
		t.Errorf("stale record status: got %q", rec.Status)
	}
}

func TestLateSettlementSupersedesFailedRecord(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()
	out := e.buy(t, e.e2)

	e.clock.Advance(paywall.DefaultIntentTimeout + time.Minute)
	if _, err := e.pw.ExpireStale(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := e.webhook(t, out.TransactionID, payment.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != payment.StateCompleted || !res.Applied {
		t.Fatalf("outcome: got %+v", res)
	}
	if res.TransactionID.String() == out.TransactionID.String() {
		t.Error("late settlement must be recorded under a new transaction id")
	}

	orig, _ := e.pw.GetPayment(ctx, out.TransactionID)
	if orig.Status != payment.StatusFailed {
		t.Errorf("original record was rewritten: %q", orig.Status)
	}

	again, err := e.webhook(t, out.TransactionID, payment.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if again.TransactionID.String() != res.TransactionID.String() {
		t.Error("repeated late callback created another record")
	}

	late, err := e.store.ListPayments(ctx, payment.ListOpts{Supersedes: out.TransactionID})
	if err != nil {
		t.Fatal(err)
	}
	if len(late) != 1 {
		t.Fatalf("superseding records: got %d, want 1", len(late))
	}
	if p := e.profile(t); p.TotalSpent != 300 {
		t.Errorf("TotalSpent: got %d, want 300", p.TotalSpent)
	}
}

func TestGrantFailureIsRepairedByReconcile(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()
	out := e.buy(t, e.e2)

	e.store.failMerge.Store(true)
	before := e.store.merges.Load()
	res, err := e.pw.HandleOutcome(ctx, out.TransactionID, providerCompleted())
	if !errors.Is(err, paywall.ErrPurchaseSucceededButNotApplied) {
		t.Fatalf("got %v, want ErrPurchaseSucceededButNotApplied", err)
	}
	if got := e.store.merges.Load() - before; got != 3 {
		t.Errorf("merge attempts: got %d, want 3", got)
	}
	if res == nil || res.State != payment.StateCompleted || res.Applied {
		t.Errorf("outcome: got %+v", res)
	}
	if paywall.AffordanceFor(err) != paywall.AffordanceContactSupport {
		t.Errorf("affordance: got %q", paywall.AffordanceFor(err))
	}
	if e.events.failed.Load() != 1 {
		t.Errorf("OnGrantFailed fired %d times", e.events.failed.Load())
	}
	if e.allowed(t, e.e2, 0) {
		t.Fatal("E2 should still be locked")
	}

	e.store.failMerge.Store(false)
	report, err := e.pw.Reconcile(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 1 || report.Repaired != 1 || report.Failed != 0 {
		t.Errorf("report: got %+v", report)
	}
	if !e.allowed(t, e.e2, 0) {
		t.Error("E2 should be unlocked after reconciliation")
	}

	report, err = e.pw.Reconcile(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Repaired != 0 {
		t.Errorf("second pass repaired %d", report.Repaired)
	}
}

func TestListPaymentsRequiresAdmin(t *testing.T) {
	e := setup(t)
	e.enroll(t)
	ctx := context.Background()
	e.buy(t, e.e2)

	if _, err := e.pw.ListPayments(ctx, e.student.ID, payment.ListOpts{}); !errors.Is(err, paywall.ErrForbidden) {
		t.Errorf("student: got %v", err)
	}
	recs, err := e.pw.ListPayments(ctx, e.admin.ID, payment.ListOpts{Status: payment.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("pending payments: got %d, want 1", len(recs))
	}

	mine, err := e.pw.ListPurchases(ctx, e.student.ID, payment.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("own purchases: got %d, want 1", len(mine))
	}
}
