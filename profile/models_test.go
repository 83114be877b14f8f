package profile_test

import (
	"testing"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
)

func TestApplyIsIdempotent(t *testing.T) {
	course, unit := id.NewCourseID(), id.NewUnitID()
	txn := id.NewTransactionID()
	g := profile.Grant{AddCourse: course, AddUnits: []id.UnitID{unit}, PaymentID: txn, Amount: 2000}

	p := &profile.Profile{ID: id.NewUserID(), Role: profile.RoleStudent}
	if p.Satisfies(g) {
		t.Fatal("empty profile satisfies grant")
	}
	if !p.Apply(g) {
		t.Fatal("first Apply reported no change")
	}
	if p.Apply(g) {
		t.Error("second Apply reported a change")
	}
	if !p.Satisfies(g) || !p.HasApplied(txn) {
		t.Error("grant not recorded")
	}
	if len(p.EnrolledCourseIDs) != 1 || len(p.PurchasedUnitIDs) != 1 || p.TotalSpent != 2000 {
		t.Errorf("profile after repeat: %+v", p)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	p := &profile.Profile{PurchasedUnitIDs: []id.UnitID{id.NewUnitID()}}
	cp := p.Clone()
	cp.Apply(profile.Grant{AddUnits: []id.UnitID{id.NewUnitID()}})
	if len(p.PurchasedUnitIDs) != 1 {
		t.Errorf("original mutated: %d units", len(p.PurchasedUnitIDs))
	}
}

func TestRoles(t *testing.T) {
	tests := []struct {
		role         profile.Role
		valid, write bool
	}{
		{profile.RoleStudent, true, false},
		{profile.RoleTeacher, true, true},
		{profile.RoleAdmin, true, true},
		{"owner", false, false},
	}
	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.valid {
			t.Errorf("%q.Valid() = %v", tt.role, got)
		}
		if got := tt.role.CanAuthor(); got != tt.write {
			t.Errorf("%q.CanAuthor() = %v", tt.role, got)
		}
	}
}
