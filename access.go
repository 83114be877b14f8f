package paywall

import (
	"context"
	"errors"
	"strings"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/types"
)

// ──────────────────────────────────────────────────
// Access checks
// ──────────────────────────────────────────────────

// Check decides whether viewerID may see the content at cursor. A Nil
// viewer is anonymous. Cursor is the page for PDFs and ignored for videos.
func (p *Paywall) Check(ctx context.Context, viewerID id.UserID, courseID id.CourseID, unitID id.UnitID, cursor int) (*entitlement.Decision, error) {
	course, unit, err := p.resolveUnit(ctx, courseID, unitID)
	if err != nil {
		return nil, err
	}

	viewer, err := p.viewer(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	d, err := entitlement.Evaluate(viewer, course, unit, cursor)
	if err != nil {
		p.logger.Error("access check precondition violated",
			"user_id", viewerID,
			"course_id", courseID,
			"unit_id", unitID,
			"cursor", cursor,
			"error", err,
		)
		return nil, err
	}

	p.plugins.EmitAccessChecked(ctx, viewerID, &d)
	return &d, nil
}

// PreviewBudget describes the free preview of a unit.
func (p *Paywall) PreviewBudget(ctx context.Context, courseID id.CourseID, unitID id.UnitID) (*entitlement.Budget, error) {
	_, unit, err := p.resolveUnit(ctx, courseID, unitID)
	if err != nil {
		return nil, err
	}
	b := entitlement.PreviewBudget(unit)
	return &b, nil
}

func (p *Paywall) resolveUnit(ctx context.Context, courseID id.CourseID, unitID id.UnitID) (*catalog.Course, *catalog.Unit, error) {
	course, err := p.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, nil, err
	}
	unit := course.FindUnit(unitID)
	if unit == nil {
		return nil, nil, ErrUnitNotFound
	}
	return course, unit, nil
}

// viewer loads the profile snapshot through the cache. Unknown and
// anonymous viewers yield nil, which the engine treats as not enrolled.
func (p *Paywall) viewer(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	if userID.IsNil() {
		return nil, nil
	}
	prof, err := p.loadProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, nil
	}
	return prof, err
}

func (p *Paywall) loadProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	if p.cacheTTL > 0 {
		if prof, ok, err := p.cache.GetProfile(ctx, userID); err == nil && ok {
			return prof, nil
		} else if err != nil {
			p.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
		}
	}

	prof, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p.cacheTTL > 0 {
		_ = p.cache.SetProfile(ctx, prof, p.cacheTTL) //nolint:errcheck // best-effort cache set
	}
	return prof, nil
}

func (p *Paywall) invalidate(ctx context.Context, userID id.UserID) {
	if err := p.cache.Invalidate(ctx, userID); err != nil {
		p.logger.Warn("profile cache invalidation failed", "user_id", userID, "error", err)
	}
}

// ──────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────

// RegisterUser creates a profile. Only student and teacher roles may be
// chosen at sign-up.
func (p *Paywall) RegisterUser(ctx context.Context, prof *profile.Profile) error {
	if prof.Role == "" {
		prof.Role = profile.RoleStudent
	}
	switch prof.Role {
	case profile.RoleStudent, profile.RoleTeacher:
	case profile.RoleAdmin:
		return ErrForbidden
	default:
		return ErrInvalidRole
	}

	prof.Email = strings.ToLower(strings.TrimSpace(prof.Email))
	if prof.Email == "" {
		return ValidationError{Field: "email", Message: "required"}
	}
	if prof.ID.IsNil() {
		prof.ID = id.NewUserID()
	}
	prof.Entity = p.entity()
	prof.EnrolledCourseIDs = nil
	prof.PurchasedUnitIDs = nil
	prof.AppliedPaymentIDs = nil
	prof.TotalSpent = 0

	if err := p.store.CreateProfile(ctx, prof); err != nil {
		return err
	}

	p.plugins.EmitUserRegistered(ctx, prof)
	return nil
}

// GetProfile returns the stored profile, bypassing the cache.
func (p *Paywall) GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	return p.store.GetProfile(ctx, userID)
}

// SetRole changes a user's role. The actor must be an admin.
func (p *Paywall) SetRole(ctx context.Context, actorID, userID id.UserID, role profile.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if err := p.RequireRole(ctx, actorID, profile.RoleAdmin); err != nil {
		return err
	}
	if err := p.store.SetRole(ctx, userID, role); err != nil {
		return err
	}
	p.invalidate(ctx, userID)
	return nil
}

// RequireRole fails unless actorID is a registered user holding role.
func (p *Paywall) RequireRole(ctx context.Context, actorID id.UserID, role profile.Role) error {
	if actorID.IsNil() {
		return ErrUnauthenticated
	}
	actor, err := p.store.GetProfile(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role != role {
		return ErrForbidden
	}
	return nil
}

// ──────────────────────────────────────────────────
// Enrollment
// ──────────────────────────────────────────────────

// Enroll adds a free course to the user's enrolled set. Paid courses are
// bought through Purchase instead.
func (p *Paywall) Enroll(ctx context.Context, userID id.UserID, courseID id.CourseID) error {
	if userID.IsNil() {
		return ErrUnauthenticated
	}
	course, err := p.store.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if !course.IsFree() {
		return ErrEnrollmentRequiresPurchase
	}

	changed, err := p.merge(ctx, userID, profile.Grant{AddCourse: course.ID})
	if err != nil {
		return err
	}
	p.invalidate(ctx, userID)

	if changed {
		p.logger.Info("user enrolled", "user_id", userID, "course_id", courseID)
		p.plugins.EmitEnrolled(ctx, userID, course.ID)
	}
	return nil
}

func (p *Paywall) entity() types.Entity {
	now := p.now()
	return types.Entity{CreatedAt: now, UpdatedAt: now}
}
