package entitlement

import (
	"fmt"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/profile"
)

// Evaluate decides whether user may view unit of course at cursor. A nil
// user is anonymous. For PDFs cursor is a 1-based page number; videos are
// gated as a whole and ignore it.
func Evaluate(user *profile.Profile, course *catalog.Course, unit *catalog.Unit, cursor int) (Decision, error) {
	if course.FindUnit(unit.ID) == nil {
		return Decision{}, fmt.Errorf("%w: unit %s, course %s", ErrUnitNotInCourse, unit.ID, course.ID)
	}
	if unit.Kind == catalog.KindPDF && (cursor < 1 || cursor > unit.Pages) {
		return Decision{}, fmt.Errorf("%w: page %d of %d", ErrInvalidCursor, cursor, unit.Pages)
	}

	if user == nil || !user.IsEnrolled(course.ID) {
		return DenyRequiresEnrollment(), nil
	}

	switch unit.Kind {
	case catalog.KindVideo:
		if unit.Ordinal == 0 {
			return Allow(), nil
		}
	case catalog.KindPDF:
		if cursor <= FreePageThreshold {
			return Allow(), nil
		}
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownUnitKind, unit.Kind)
	}

	if user.HasPurchased(unit.ID) {
		return Allow(), nil
	}
	return DenyRequiresPurchase(unit.ID, unit.Price), nil
}

// PreviewBudget reports how much of unit is free to an enrolled viewer.
func PreviewBudget(unit *catalog.Unit) Budget {
	switch unit.Kind {
	case catalog.KindPDF:
		return Budget{Kind: unit.Kind, Limit: min(FreePageThreshold, unit.Pages), Total: unit.Pages}
	case catalog.KindVideo:
		limit := 0
		if unit.Ordinal == 0 {
			limit = 1
		}
		return Budget{Kind: unit.Kind, Limit: limit, Total: 1}
	default:
		return Budget{Kind: unit.Kind}
	}
}
