package entitlement_test

import (
	"errors"
	"testing"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/types"
)

func price(cents int64) *types.Money {
	m := types.USD(cents)
	return &m
}

func fixture() (*catalog.Course, *catalog.Unit, *catalog.Unit, *catalog.Unit) {
	c := &catalog.Course{
		ID:    id.NewCourseID(),
		Title: "Intro to Go",
		Units: []catalog.Unit{
			{Kind: catalog.KindVideo, Title: "E1", Price: price(300)},
			{Kind: catalog.KindPDF, Title: "Workbook", Pages: 42, Price: price(500)},
			{Kind: catalog.KindVideo, Title: "E2", Price: price(300)},
		},
	}
	c.Normalize()
	return c, &c.Units[0], &c.Units[1], &c.Units[2]
}

func enrolled(c *catalog.Course, purchased ...id.UnitID) *profile.Profile {
	return &profile.Profile{
		ID:                id.NewUserID(),
		Role:              profile.RoleStudent,
		EnrolledCourseIDs: []id.CourseID{c.ID},
		PurchasedUnitIDs:  purchased,
	}
}

func TestEvaluateNotEnrolledAlwaysRequiresEnrollment(t *testing.T) {
	c, e1, pdf, e2 := fixture()
	stranger := &profile.Profile{
		ID:               id.NewUserID(),
		PurchasedUnitIDs: []id.UnitID{e1.ID, pdf.ID, e2.ID},
	}

	viewers := map[string]*profile.Profile{
		"anonymous":                   nil,
		"not enrolled with purchases": stranger,
	}
	for name, viewer := range viewers {
		for _, u := range []*catalog.Unit{e1, pdf, e2} {
			for _, cursor := range []int{1, 10, 11, 42} {
				d, err := entitlement.Evaluate(viewer, c, u, cursor)
				if err != nil {
					t.Fatalf("%s: unexpected error: %v", name, err)
				}
				if d.Allowed || d.Reason != entitlement.ReasonRequiresEnrollment {
					t.Errorf("%s/%s/%d: got %+v, want requires_enrollment", name, u.Title, cursor, d)
				}
			}
		}
	}
}

func TestEvaluateFirstEpisodeFree(t *testing.T) {
	c, e1, _, _ := fixture()

	for _, user := range []*profile.Profile{enrolled(c), enrolled(c, e1.ID)} {
		d, err := entitlement.Evaluate(user, c, e1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Errorf("ordinal 0 should be allowed, got %+v", d)
		}
	}
}

func TestEvaluatePDFThreshold(t *testing.T) {
	c, _, pdf, _ := fixture()

	tests := []struct {
		name      string
		user      *profile.Profile
		cursor    int
		allowed   bool
		wantPrice bool
	}{
		{"first page", enrolled(c), 1, true, false},
		{"page 10 free", enrolled(c), 10, true, false},
		{"page 11 requires purchase", enrolled(c), 11, false, true},
		{"last page requires purchase", enrolled(c), 42, false, true},
		{"page 11 purchased", enrolled(c, pdf.ID), 11, true, false},
		{"last page purchased", enrolled(c, pdf.ID), 42, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := entitlement.Evaluate(tt.user, c, pdf, tt.cursor)
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed: got %v, want %v", d.Allowed, tt.allowed)
			}
			if tt.wantPrice {
				if d.Reason != entitlement.ReasonRequiresPurchase {
					t.Errorf("Reason: got %q", d.Reason)
				}
				if d.UnitID.String() != pdf.ID.String() {
					t.Errorf("UnitID: got %s, want %s", d.UnitID, pdf.ID)
				}
				if d.Price == nil || !d.Price.Equal(types.USD(500)) {
					t.Errorf("Price: got %v, want $5.00", d.Price)
				}
			}
		})
	}
}

func TestEvaluatePaidEpisode(t *testing.T) {
	c, _, _, e2 := fixture()

	d, err := entitlement.Evaluate(enrolled(c), c, e2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != entitlement.ReasonRequiresPurchase {
		t.Fatalf("got %+v, want requires_purchase", d)
	}
	if d.Price == nil || !d.Price.Equal(types.USD(300)) {
		t.Errorf("Price: got %v, want $3.00", d.Price)
	}

	d, err = entitlement.Evaluate(enrolled(c, e2.ID), c, e2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("purchased episode should be allowed, got %+v", d)
	}
}

func TestEvaluatePreconditions(t *testing.T) {
	c, _, pdf, _ := fixture()
	other := &catalog.Unit{ID: id.NewUnitID(), Kind: catalog.KindPDF, Pages: 5}

	tests := []struct {
		name   string
		unit   *catalog.Unit
		cursor int
		want   error
	}{
		{"cursor zero", pdf, 0, entitlement.ErrInvalidCursor},
		{"cursor negative", pdf, -3, entitlement.ErrInvalidCursor},
		{"cursor past end", pdf, 43, entitlement.ErrInvalidCursor},
		{"foreign unit", other, 1, entitlement.ErrUnitNotInCourse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := entitlement.Evaluate(enrolled(c), c, tt.unit, tt.cursor)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	c, _, pdf, _ := fixture()
	user := enrolled(c)
	before := len(user.PurchasedUnitIDs)

	first, _ := entitlement.Evaluate(user, c, pdf, 20)
	for i := 0; i < 5; i++ {
		again, _ := entitlement.Evaluate(user, c, pdf, 20)
		if again.Allowed != first.Allowed || again.Reason != first.Reason {
			t.Fatalf("decision changed between calls: %+v vs %+v", first, again)
		}
	}
	if len(user.PurchasedUnitIDs) != before {
		t.Error("Evaluate mutated the profile")
	}
}

func TestPreviewBudget(t *testing.T) {
	_, e1, pdf, e2 := fixture()
	short := &catalog.Unit{Kind: catalog.KindPDF, Pages: 4}

	tests := []struct {
		name  string
		unit  *catalog.Unit
		limit int
		total int
	}{
		{"42 page pdf", pdf, 10, 42},
		{"short pdf", short, 4, 4},
		{"first episode", e1, 1, 1},
		{"later episode", e2, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := entitlement.PreviewBudget(tt.unit)
			if b.Limit != tt.limit || b.Total != tt.total {
				t.Errorf("got %+v, want limit %d total %d", b, tt.limit, tt.total)
			}
			if b.Kind != tt.unit.Kind {
				t.Errorf("Kind: got %q, want %q", b.Kind, tt.unit.Kind)
			}
		})
	}
}
