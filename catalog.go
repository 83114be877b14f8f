package paywall

import (
	"context"
	"fmt"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
)

// ──────────────────────────────────────────────────
// Catalog authoring
// ──────────────────────────────────────────────────

// CreateCourse stores a new course authored by actorID, who must be a
// teacher or admin.
func (p *Paywall) CreateCourse(ctx context.Context, actorID id.UserID, c *catalog.Course) error {
	if actorID.IsNil() {
		return ErrUnauthenticated
	}
	actor, err := p.store.GetProfile(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.Role.CanAuthor() {
		return ErrForbidden
	}

	if c.ID.IsNil() {
		c.ID = id.NewCourseID()
	}
	// Grants are keyed by unit id, so ids are never taken from the caller.
	for i := range c.Units {
		c.Units[i].ID = id.Nil
	}
	c.InstructorID = actor.ID
	c.Entity = p.entity()
	if err := prepareCourse(c); err != nil {
		return err
	}

	if err := p.store.CreateCourse(ctx, c); err != nil {
		return err
	}

	p.logger.Info("course created", "course_id", c.ID, "instructor_id", actorID, "units", len(c.Units))
	p.plugins.EmitCourseCreated(ctx, c)
	return nil
}

// UpdateCourse replaces a course's content. Only its instructor or an
// admin may edit it. Existing units are matched by id and may be edited or
// reordered but not removed; units without an id are added.
func (p *Paywall) UpdateCourse(ctx context.Context, actorID id.UserID, c *catalog.Course) error {
	if actorID.IsNil() {
		return ErrUnauthenticated
	}
	actor, err := p.store.GetProfile(ctx, actorID)
	if err != nil {
		return err
	}
	existing, err := p.store.GetCourse(ctx, c.ID)
	if err != nil {
		return err
	}
	if actor.Role != profile.RoleAdmin && !existing.InstructorID.Equal(actor.ID) {
		return ErrForbidden
	}

	if err := keepsUnits(existing, c); err != nil {
		return err
	}

	c.InstructorID = existing.InstructorID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = p.now()
	if err := prepareCourse(c); err != nil {
		return err
	}

	if err := p.store.UpdateCourse(ctx, c); err != nil {
		return err
	}

	p.plugins.EmitCourseUpdated(ctx, c)
	return nil
}

// GetCourse retrieves a course by ID.
func (p *Paywall) GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error) {
	return p.store.GetCourse(ctx, courseID)
}

// ListCourses lists courses matching opts.
func (p *Paywall) ListCourses(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Course, error) {
	return p.store.ListCourses(ctx, opts)
}

// keepsUnits checks an edit against the stored course. Buyers hold unit
// ids, so every stored unit must survive under its id and no unit may
// claim an id the course never issued.
func keepsUnits(existing, c *catalog.Course) error {
	for i, u := range c.Units {
		if !u.ID.IsNil() && existing.FindUnit(u.ID) == nil {
			return fmt.Errorf("%w: unit %d: unknown unit id %s", ErrInvalidCourse, i, u.ID)
		}
	}
	for _, u := range existing.Units {
		if c.FindUnit(u.ID) == nil {
			return fmt.Errorf("%w: unit %s (%s) cannot be removed", ErrInvalidCourse, u.ID, u.Title)
		}
	}
	return nil
}

func prepareCourse(c *catalog.Course) error {
	if c.Title == "" {
		return ValidationError{Field: "title", Message: "required"}
	}
	seen := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		if u.ID.IsNil() {
			continue
		}
		if seen[u.ID.String()] {
			return fmt.Errorf("%w: unit %d: duplicate id %s", ErrInvalidCourse, i, u.ID)
		}
		seen[u.ID.String()] = true
	}
	c.Normalize()

	for i, u := range c.Units {
		switch u.Kind {
		case catalog.KindPDF:
			if u.Pages <= 0 {
				return fmt.Errorf("%w: unit %d: pdf must have at least one page", ErrInvalidCourse, i)
			}
		case catalog.KindVideo:
		default:
			return fmt.Errorf("%w: unit %d: %w", ErrInvalidCourse, i, ErrUnknownUnitKind)
		}
		if u.Price != nil && u.Price.IsNegative() {
			return fmt.Errorf("%w: unit %d: negative price", ErrInvalidCourse, i)
		}
	}
	if c.Price != nil && c.Price.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidCourse)
	}
	return nil
}
