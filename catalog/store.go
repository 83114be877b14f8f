package catalog

import (
	"context"

	"github.com/xraph/paywall/id"
)

type Store interface {
	CreateCourse(ctx context.Context, c *Course) error
	GetCourse(ctx context.Context, courseID id.CourseID) (*Course, error)
	UpdateCourse(ctx context.Context, c *Course) error
	ListCourses(ctx context.Context, opts ListOpts) ([]*Course, error)
}

type ListOpts struct {
	InstructorID  id.UserID
	Category      string
	PublishedOnly bool
	Limit         int
	Offset        int
}
