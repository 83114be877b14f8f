// Package profile models the user record that carries entitlements.
package profile

import (
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/types"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// CanAuthor reports whether the role may create and edit courses.
func (r Role) CanAuthor() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Profile is a registered user. The id sets behave as sets: order is
// irrelevant and members are unique.
type Profile struct {
	types.Entity
	ID                id.UserID          `json:"id"`
	Email             string             `json:"email"`
	DisplayName       string             `json:"display_name"`
	Role              Role               `json:"role"`
	EnrolledCourseIDs []id.CourseID      `json:"enrolled_course_ids"`
	PurchasedUnitIDs  []id.UnitID        `json:"purchased_unit_ids"`
	AppliedPaymentIDs []id.TransactionID `json:"applied_payment_ids"`
	TotalSpent        int64              `json:"total_spent"` // minor units of the platform currency
}

// IsEnrolled reports whether courseID is in the enrolled set.
func (p *Profile) IsEnrolled(courseID id.CourseID) bool {
	return contains(p.EnrolledCourseIDs, courseID)
}

// HasPurchased reports whether unitID is in the purchased set.
func (p *Profile) HasPurchased(unitID id.UnitID) bool {
	return contains(p.PurchasedUnitIDs, unitID)
}

// HasApplied reports whether the payment has already been granted.
func (p *Profile) HasApplied(paymentID id.TransactionID) bool {
	return contains(p.AppliedPaymentIDs, paymentID)
}

// Satisfies reports whether every element of g is already present.
func (p *Profile) Satisfies(g Grant) bool {
	if !g.AddCourse.IsNil() && !p.IsEnrolled(g.AddCourse) {
		return false
	}
	for _, u := range g.AddUnits {
		if !p.HasPurchased(u) {
			return false
		}
	}
	return true
}

// Apply merges g into the profile in place using set-union semantics and
// reports whether anything changed. TotalSpent grows only the first time
// a payment id is seen.
func (p *Profile) Apply(g Grant) bool {
	changed := false
	if !g.AddCourse.IsNil() && !p.IsEnrolled(g.AddCourse) {
		p.EnrolledCourseIDs = append(p.EnrolledCourseIDs, g.AddCourse)
		changed = true
	}
	for _, u := range g.AddUnits {
		if !u.IsNil() && !p.HasPurchased(u) {
			p.PurchasedUnitIDs = append(p.PurchasedUnitIDs, u)
			changed = true
		}
	}
	if !g.PaymentID.IsNil() && !p.HasApplied(g.PaymentID) {
		p.AppliedPaymentIDs = append(p.AppliedPaymentIDs, g.PaymentID)
		p.TotalSpent += g.Amount
		changed = true
	}
	return changed
}

// Clone returns a deep copy so callers can't alias stored slices.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.EnrolledCourseIDs = append([]id.CourseID(nil), p.EnrolledCourseIDs...)
	cp.PurchasedUnitIDs = append([]id.UnitID(nil), p.PurchasedUnitIDs...)
	cp.AppliedPaymentIDs = append([]id.TransactionID(nil), p.AppliedPaymentIDs...)
	return &cp
}

// Grant is an atomic entitlement merge. A unit purchase adds one unit; a
// full-course purchase adds the course and every unit in it. PaymentID is
// the idempotency key for purchases and is Nil for free enrollment.
type Grant struct {
	AddCourse id.CourseID      `json:"add_course,omitempty"`
	AddUnits  []id.UnitID      `json:"add_units,omitempty"`
	PaymentID id.TransactionID `json:"payment_id,omitempty"`
	Amount    int64            `json:"amount,omitempty"`
}

// Empty reports whether the grant adds nothing.
func (g Grant) Empty() bool {
	return g.AddCourse.IsNil() && len(g.AddUnits) == 0
}

func contains(set []id.ID, v id.ID) bool {
	s := v.String()
	for _, e := range set {
		if e.String() == s {
			return true
		}
	}
	return false
}
