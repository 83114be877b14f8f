// Package storetest holds the behavioral suite every store.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/types"
)

// Run exercises a fresh store produced by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CourseRoundTrip", testCourseRoundTrip},
		{"ListCoursesFilters", testListCoursesFilters},
		{"ProfileRoundTrip", testProfileRoundTrip},
		{"MergeIsIdempotent", testMergeIsIdempotent},
		{"ConcurrentMergesKeepEveryUnit", testConcurrentMerges},
		{"SinglePendingPerItem", testSinglePendingPerItem},
		{"FinalizeIsOneWay", testFinalizeIsOneWay},
		{"DeletePending", testDeletePending},
		{"SupersedesIsUnique", testSupersedesIsUnique},
		{"ListPaymentsFilters", testListPaymentsFilters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			if err := s.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate: %v", err)
			}
			tt.fn(t, s)
		})
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newProfile(t *testing.T, s store.Store) *profile.Profile {
	t.Helper()
	p := &profile.Profile{
		Entity: types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		ID:     id.NewUserID(),
		Email:  "learner@example.com",
		Role:   profile.RoleStudent,
	}
	if err := s.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	return p
}

func newPending(userID id.UserID, itemID id.ID, created time.Time) *payment.Record {
	return &payment.Record{
		Entity:   types.Entity{CreatedAt: created, UpdatedAt: created},
		ID:       id.NewTransactionID(),
		Provider: payment.MethodPayPal,
		UserID:   userID,
		CourseID: id.NewCourseID(),
		ItemKind: payment.ItemUnit,
		ItemID:   itemID,
		Amount:   types.USD(300),
		Status:   payment.StatusPending,
	}
}

func testCourseRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	price := types.USD(300)
	c := &catalog.Course{
		Entity:       types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		ID:           id.NewCourseID(),
		InstructorID: id.NewUserID(),
		Title:        "Intro to Go",
		Slug:         "intro-to-go",
		Level:        catalog.LevelBeginner,
		Published:    true,
		Units: []catalog.Unit{
			{ID: id.NewUnitID(), Kind: catalog.KindPDF, Title: "Workbook", Pages: 42, Price: &price},
			{ID: id.NewUnitID(), Kind: catalog.KindVideo, Title: "E1", Ordinal: 0},
		},
	}
	if err := s.CreateCourse(ctx, c); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if err := s.CreateCourse(ctx, c); !errors.Is(err, paywall.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateCourse: got %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetCourse(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if got.Title != c.Title || got.InstructorID.String() != c.InstructorID.String() {
		t.Errorf("GetCourse: got %+v", got)
	}
	if len(got.Units) != 2 || got.Units[0].Pages != 42 || got.Units[0].Price == nil || got.Units[0].Price.Amount != 300 {
		t.Errorf("units not preserved: %+v", got.Units)
	}
	if got.Price != nil {
		t.Errorf("course price: got %v, want nil", got.Price)
	}

	got.Title = "Go, Revisited"
	if err := s.UpdateCourse(ctx, got); err != nil {
		t.Fatalf("UpdateCourse: %v", err)
	}
	again, _ := s.GetCourse(ctx, c.ID)
	if again.Title != "Go, Revisited" {
		t.Errorf("title after update: got %q", again.Title)
	}

	if _, err := s.GetCourse(ctx, id.NewCourseID()); !errors.Is(err, paywall.ErrCourseNotFound) {
		t.Errorf("missing course: got %v", err)
	}
	missing := &catalog.Course{ID: id.NewCourseID(), Title: "x"}
	if err := s.UpdateCourse(ctx, missing); !errors.Is(err, paywall.ErrCourseNotFound) {
		t.Errorf("update missing course: got %v", err)
	}
}

func testListCoursesFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	teacher := id.NewUserID()
	for i, spec := range []struct {
		instructor id.UserID
		category   string
		published  bool
	}{
		{teacher, "go", true},
		{teacher, "rust", false},
		{id.NewUserID(), "go", true},
	} {
		created := epoch.Add(time.Duration(i) * time.Minute)
		c := &catalog.Course{
			Entity:       types.Entity{CreatedAt: created, UpdatedAt: created},
			ID:           id.NewCourseID(),
			InstructorID: spec.instructor,
			Title:        "course",
			Category:     spec.category,
			Published:    spec.published,
		}
		if err := s.CreateCourse(ctx, c); err != nil {
			t.Fatalf("CreateCourse: %v", err)
		}
	}

	tests := []struct {
		name string
		opts catalog.ListOpts
		want int
	}{
		{"all", catalog.ListOpts{}, 3},
		{"instructor", catalog.ListOpts{InstructorID: teacher}, 2},
		{"category", catalog.ListOpts{Category: "go"}, 2},
		{"published", catalog.ListOpts{PublishedOnly: true}, 2},
		{"limit", catalog.ListOpts{Limit: 1}, 1},
		{"offset", catalog.ListOpts{Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCourses(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListCourses: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d courses, want %d", len(got), tt.want)
			}
		})
	}
}

func testProfileRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProfile(t, s)

	if err := s.CreateProfile(ctx, p); !errors.Is(err, paywall.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateProfile: got %v", err)
	}
	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Email != p.Email || got.Role != profile.RoleStudent {
		t.Errorf("GetProfile: got %+v", got)
	}

	if err := s.SetRole(ctx, p.ID, profile.RoleTeacher); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	got, _ = s.GetProfile(ctx, p.ID)
	if got.Role != profile.RoleTeacher {
		t.Errorf("role: got %q", got.Role)
	}

	if _, err := s.GetProfile(ctx, id.NewUserID()); !errors.Is(err, paywall.ErrProfileNotFound) {
		t.Errorf("missing profile: got %v", err)
	}
	if err := s.SetRole(ctx, id.NewUserID(), profile.RoleAdmin); !errors.Is(err, paywall.ErrProfileNotFound) {
		t.Errorf("SetRole missing: got %v", err)
	}
	if _, err := s.MergeEntitlement(ctx, id.NewUserID(), profile.Grant{AddCourse: id.NewCourseID()}); !errors.Is(err, paywall.ErrProfileNotFound) {
		t.Errorf("merge missing: got %v", err)
	}
}

func testMergeIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProfile(t, s)
	course, unit, txn := id.NewCourseID(), id.NewUnitID(), id.NewTransactionID()

	enroll := profile.Grant{AddCourse: course}
	if changed, err := s.MergeEntitlement(ctx, p.ID, enroll); err != nil || !changed {
		t.Fatalf("enroll: changed=%v err=%v", changed, err)
	}
	if changed, _ := s.MergeEntitlement(ctx, p.ID, enroll); changed {
		t.Error("second enroll reported a change")
	}

	buy := profile.Grant{AddUnits: []id.UnitID{unit}, PaymentID: txn, Amount: 300}
	for i := range 3 {
		changed, err := s.MergeEntitlement(ctx, p.ID, buy)
		if err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
		if changed != (i == 0) {
			t.Errorf("merge %d: changed=%v", i, changed)
		}
	}

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsEnrolled(course) || !got.HasPurchased(unit) || !got.HasApplied(txn) {
		t.Errorf("sets after merge: %+v", got)
	}
	if len(got.PurchasedUnitIDs) != 1 || len(got.AppliedPaymentIDs) != 1 {
		t.Errorf("duplicates in sets: %+v", got)
	}
	if got.TotalSpent != 300 {
		t.Errorf("TotalSpent: got %d, want 300", got.TotalSpent)
	}
}

func testConcurrentMerges(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProfile(t, s)

	const n = 8
	units := make([]id.UnitID, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		units[i] = id.NewUnitID()
		wg.Add(1)
		go func(u id.UnitID) {
			defer wg.Done()
			g := profile.Grant{AddUnits: []id.UnitID{u}, PaymentID: id.NewTransactionID(), Amount: 100}
			if _, err := s.MergeEntitlement(ctx, p.ID, g); err != nil {
				errs <- err
			}
		}(units[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent merge: %v", err)
	}

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range units {
		if !got.HasPurchased(u) {
			t.Errorf("unit %s lost", u)
		}
	}
	if got.TotalSpent != n*100 {
		t.Errorf("TotalSpent: got %d, want %d", got.TotalSpent, n*100)
	}
}

func testSinglePendingPerItem(t *testing.T, s store.Store) {
	ctx := context.Background()
	user, item := id.NewUserID(), id.ID(id.NewUnitID())

	first := newPending(user, item, epoch)
	if err := s.CreatePayment(ctx, first); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if err := s.CreatePayment(ctx, first); !errors.Is(err, paywall.ErrAlreadyExists) {
		t.Errorf("same id: got %v, want ErrAlreadyExists", err)
	}
	if err := s.CreatePayment(ctx, newPending(user, item, epoch)); !errors.Is(err, paywall.ErrPurchaseInProgress) {
		t.Errorf("second pending: got %v, want ErrPurchaseInProgress", err)
	}
	if err := s.CreatePayment(ctx, newPending(user, id.NewUnitID(), epoch)); err != nil {
		t.Errorf("other item: %v", err)
	}

	got, err := s.GetPendingPayment(ctx, user, item)
	if err != nil {
		t.Fatalf("GetPendingPayment: %v", err)
	}
	if got.ID.String() != first.ID.String() {
		t.Errorf("pending: got %s, want %s", got.ID, first.ID)
	}

	if err := s.FinalizePayment(ctx, first.ID, payment.StatusCompleted, "", epoch.Add(time.Minute)); err != nil {
		t.Fatalf("FinalizePayment: %v", err)
	}
	if _, err := s.GetPendingPayment(ctx, user, item); !errors.Is(err, paywall.ErrPaymentNotFound) {
		t.Errorf("pending after finalize: got %v", err)
	}
	if err := s.CreatePayment(ctx, newPending(user, item, epoch)); err != nil {
		t.Errorf("new pending after finalize: %v", err)
	}
}

func testFinalizeIsOneWay(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newPending(id.NewUserID(), id.NewUnitID(), epoch)
	if err := s.CreatePayment(ctx, rec); err != nil {
		t.Fatal(err)
	}

	submitted := epoch.Add(time.Second)
	if err := s.MarkPaymentSubmitted(ctx, rec.ID, "ORDER-1", submitted); err != nil {
		t.Fatalf("MarkPaymentSubmitted: %v", err)
	}
	byRef, err := s.GetPaymentByProviderRef(ctx, payment.MethodPayPal, "ORDER-1")
	if err != nil {
		t.Fatalf("GetPaymentByProviderRef: %v", err)
	}
	if byRef.ID.String() != rec.ID.String() || !byRef.Submitted() {
		t.Errorf("by ref: got %+v", byRef)
	}

	settled := epoch.Add(time.Minute)
	if err := s.FinalizePayment(ctx, rec.ID, payment.StatusFailed, payment.ReasonDeclined, settled); err != nil {
		t.Fatalf("FinalizePayment: %v", err)
	}
	for _, status := range []payment.Status{payment.StatusCompleted, payment.StatusFailed} {
		if err := s.FinalizePayment(ctx, rec.ID, status, "", settled); !errors.Is(err, paywall.ErrPaymentFinalized) {
			t.Errorf("refinalize %s: got %v", status, err)
		}
	}
	if err := s.MarkPaymentSubmitted(ctx, rec.ID, "ORDER-2", settled); !errors.Is(err, paywall.ErrPaymentFinalized) {
		t.Errorf("submit after finalize: got %v", err)
	}

	got, err := s.GetPayment(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != payment.StatusFailed || got.FailureReason != payment.ReasonDeclined {
		t.Errorf("status: got %s/%s", got.Status, got.FailureReason)
	}
	if got.SettledAt == nil || !got.SettledAt.Equal(settled) {
		t.Errorf("SettledAt: got %v", got.SettledAt)
	}
	if got.ProviderRef != "ORDER-1" || !got.Amount.Equal(types.USD(300)) {
		t.Errorf("record mutated: %+v", got)
	}

	if err := s.FinalizePayment(ctx, id.NewTransactionID(), payment.StatusFailed, "", settled); !errors.Is(err, paywall.ErrPaymentNotFound) {
		t.Errorf("finalize missing: got %v", err)
	}
}

func testDeletePending(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newPending(id.NewUserID(), id.NewUnitID(), epoch)
	if err := s.CreatePayment(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePendingPayment(ctx, rec.ID); err != nil {
		t.Fatalf("DeletePendingPayment: %v", err)
	}
	if _, err := s.GetPayment(ctx, rec.ID); !errors.Is(err, paywall.ErrPaymentNotFound) {
		t.Errorf("after delete: got %v", err)
	}
	if err := s.CreatePayment(ctx, newPending(rec.UserID, rec.ItemID, epoch)); err != nil {
		t.Errorf("reserve after delete: %v", err)
	}

	done := newPending(id.NewUserID(), id.NewUnitID(), epoch)
	if err := s.CreatePayment(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizePayment(ctx, done.ID, payment.StatusCompleted, "", epoch); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePendingPayment(ctx, done.ID); !errors.Is(err, paywall.ErrPaymentFinalized) {
		t.Errorf("delete terminal: got %v", err)
	}
}

func testSupersedesIsUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	orig := newPending(id.NewUserID(), id.NewUnitID(), epoch)
	orig.ProviderRef = "ORDER-9"
	if err := s.CreatePayment(ctx, orig); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizePayment(ctx, orig.ID, payment.StatusFailed, payment.ReasonTimeout, epoch); err != nil {
		t.Fatal(err)
	}

	late := func() *payment.Record {
		r := newPending(orig.UserID, orig.ItemID, epoch.Add(time.Hour))
		r.Status = payment.StatusCompleted
		r.ProviderRef = orig.ProviderRef
		r.Supersedes = orig.ID
		return r
	}
	first := late()
	if err := s.CreatePayment(ctx, first); err != nil {
		t.Fatalf("superseding record: %v", err)
	}
	if err := s.CreatePayment(ctx, late()); !errors.Is(err, paywall.ErrAlreadyExists) {
		t.Errorf("second superseding record: got %v, want ErrAlreadyExists", err)
	}

	byRef, err := s.GetPaymentByProviderRef(ctx, payment.MethodPayPal, "ORDER-9")
	if err != nil {
		t.Fatal(err)
	}
	if byRef.ID.String() != orig.ID.String() {
		t.Errorf("provider ref resolves to %s, want original %s", byRef.ID, orig.ID)
	}

	list, err := s.ListPayments(ctx, payment.ListOpts{Supersedes: orig.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID.String() != first.ID.String() {
		t.Errorf("ListPayments by supersedes: got %d records", len(list))
	}
}

func testListPaymentsFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice, bob := id.NewUserID(), id.NewUserID()

	recs := []*payment.Record{
		newPending(alice, id.NewUnitID(), epoch),
		newPending(alice, id.NewUnitID(), epoch.Add(time.Hour)),
		newPending(bob, id.NewUnitID(), epoch.Add(2*time.Hour)),
	}
	recs[2].Provider = payment.MethodInterSend
	recs[1].CourseID = recs[0].CourseID
	for _, r := range recs {
		if err := s.CreatePayment(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.FinalizePayment(ctx, recs[0].ID, payment.StatusCompleted, "", epoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts payment.ListOpts
		want []*payment.Record
	}{
		{"all", payment.ListOpts{}, recs},
		{"user", payment.ListOpts{UserID: alice}, recs[:2]},
		{"status", payment.ListOpts{Status: payment.StatusPending}, recs[1:]},
		{"provider", payment.ListOpts{Provider: payment.MethodInterSend}, recs[2:]},
		{"item", payment.ListOpts{ItemID: recs[1].ItemID}, recs[1:2]},
		{"course", payment.ListOpts{CourseID: recs[0].CourseID}, recs[:2]},
		{"unbounded limit", payment.ListOpts{Limit: math.MaxInt, Offset: 1}, recs[1:]},
		{"offset past end", payment.ListOpts{Offset: 10}, nil},
		{"created before", payment.ListOpts{CreatedBefore: epoch.Add(time.Hour)}, recs[:1]},
		{"created after", payment.ListOpts{CreatedAfter: epoch.Add(time.Hour)}, recs[1:]},
		{"page", payment.ListOpts{Limit: 1, Offset: 1}, recs[1:2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListPayments(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListPayments: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID.String() != tt.want[i].ID.String() {
					t.Errorf("record %d: got %s, want %s", i, got[i].ID, tt.want[i].ID)
				}
			}
		})
	}
}
