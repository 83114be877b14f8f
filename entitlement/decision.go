// Package entitlement decides whether a viewer may access a content unit.
//
// Evaluate is a pure function over a snapshot of the viewer's profile and
// the course. It performs no I/O and is safe to call concurrently on every
// render.
package entitlement

import (
	"errors"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/types"
)

// FreePageThreshold is the last PDF page an enrolled viewer may read
// without buying the document.
const FreePageThreshold = 10

// Precondition violations. These are caller bugs, not user-facing denials.
var (
	ErrInvalidCursor   = errors.New("paywall: cursor out of range")
	ErrUnitNotInCourse = errors.New("paywall: unit does not belong to course")
	ErrUnknownUnitKind = errors.New("paywall: unknown content unit kind")
)

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonRequiresEnrollment Reason = "requires_enrollment"
	ReasonRequiresPurchase   Reason = "requires_purchase"
)

// Decision is the verdict for one (viewer, unit, cursor) triple. A denial
// always carries a reason; a purchase denial also names the unit and price.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  Reason       `json:"reason,omitempty"`
	UnitID  id.UnitID    `json:"unit_id,omitempty"`
	Price   *types.Money `json:"price,omitempty"`
}

// Allow grants access.
func Allow() Decision { return Decision{Allowed: true} }

// DenyRequiresEnrollment tells the UI to offer enrollment.
func DenyRequiresEnrollment() Decision {
	return Decision{Reason: ReasonRequiresEnrollment}
}

// DenyRequiresPurchase tells the UI to offer checkout for the unit.
func DenyRequiresPurchase(unitID id.UnitID, price *types.Money) Decision {
	return Decision{Reason: ReasonRequiresPurchase, UnitID: unitID, Price: price}
}

// Budget describes a unit's free preview for UI messaging only.
type Budget struct {
	Kind  catalog.UnitKind `json:"kind"`
	Limit int              `json:"limit"`
	Total int              `json:"total"`
}
