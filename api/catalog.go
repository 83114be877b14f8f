package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
)

// ──────────────────────────────────────────────────
// Courses
// ──────────────────────────────────────────────────

func (s *Server) listCourses(c *gin.Context) {
	opts := catalog.ListOpts{
		Category:      c.Query("category"),
		PublishedOnly: true,
		Limit:         queryLimit(c, 50),
		Offset:        queryInt(c, "offset", 0),
	}
	if v := c.Query("instructor_id"); v != "" {
		instructorID, err := id.ParseUserID(v)
		if err != nil {
			s.fail(c, paywall.ValidationError{Field: "instructor_id", Message: err.Error()}, nil)
			return
		}
		opts.InstructorID = instructorID
	}

	courses, err := s.engine.ListCourses(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": courses})
}

func (s *Server) getCourse(c *gin.Context) {
	courseID, ok := s.pathID(c, "courseID", id.ParseCourseID)
	if !ok {
		return
	}
	course, err := s.engine.GetCourse(c.Request.Context(), courseID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	// Drafts are visible to their instructor only.
	if !course.Published && !course.InstructorID.Equal(viewer(c)) {
		s.fail(c, paywall.ErrCourseNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (s *Server) createCourse(c *gin.Context) {
	var course catalog.Course
	if err := c.ShouldBindJSON(&course); err != nil {
		s.fail(c, paywall.ValidationError{Field: "body", Message: err.Error()}, nil)
		return
	}
	course.ID = id.Nil
	if err := s.engine.CreateCourse(c.Request.Context(), viewer(c), &course); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, &course)
}

func (s *Server) updateCourse(c *gin.Context) {
	courseID, ok := s.pathID(c, "courseID", id.ParseCourseID)
	if !ok {
		return
	}
	var course catalog.Course
	if err := c.ShouldBindJSON(&course); err != nil {
		s.fail(c, paywall.ValidationError{Field: "body", Message: err.Error()}, nil)
		return
	}
	course.ID = courseID
	if err := s.engine.UpdateCourse(c.Request.Context(), viewer(c), &course); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, &course)
}

// ──────────────────────────────────────────────────
// Access
// ──────────────────────────────────────────────────

// checkAccess always answers 200 with a decision; denial is not an error.
func (s *Server) checkAccess(c *gin.Context) {
	courseID, ok := s.pathID(c, "courseID", id.ParseCourseID)
	if !ok {
		return
	}
	unitID, ok := s.pathID(c, "unitID", id.ParseUnitID)
	if !ok {
		return
	}
	cursor, err := strconv.Atoi(c.DefaultQuery("cursor", "0"))
	if err != nil {
		s.fail(c, paywall.ValidationError{Field: "cursor", Message: "must be an integer"}, nil)
		return
	}

	decision, err := s.engine.Check(c.Request.Context(), viewer(c), courseID, unitID, cursor)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) previewBudget(c *gin.Context) {
	courseID, ok := s.pathID(c, "courseID", id.ParseCourseID)
	if !ok {
		return
	}
	unitID, ok := s.pathID(c, "unitID", id.ParseUnitID)
	if !ok {
		return
	}
	budget, err := s.engine.PreviewBudget(c.Request.Context(), courseID, unitID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, budget)
}

// ──────────────────────────────────────────────────
// Profiles
// ──────────────────────────────────────────────────

type registerRequest struct {
	Email       string       `json:"email" binding:"required,email"`
	DisplayName string       `json:"display_name"`
	Role        profile.Role `json:"role"`
}

// register creates the profile of the token's subject.
func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, paywall.ValidationError{Field: "body", Message: err.Error()}, nil)
		return
	}
	prof := &profile.Profile{
		ID:          viewer(c),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	}
	if err := s.engine.RegisterUser(c.Request.Context(), prof); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, prof)
}

func (s *Server) me(c *gin.Context) {
	prof, err := s.engine.GetProfile(c.Request.Context(), viewer(c))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, prof)
}

type enrollRequest struct {
	CourseID id.CourseID `json:"course_id"`
}

func (s *Server) enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, paywall.ValidationError{Field: "course_id", Message: err.Error()}, nil)
		return
	}
	if req.CourseID.IsNil() {
		s.fail(c, paywall.ValidationError{Field: "course_id", Message: "required"}, nil)
		return
	}
	if err := s.engine.Enroll(c.Request.Context(), viewer(c), req.CourseID); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": true, "course_id": req.CourseID})
}

type roleRequest struct {
	Role profile.Role `json:"role" binding:"required"`
}

func (s *Server) setRole(c *gin.Context) {
	userID, ok := s.pathID(c, "userID", id.ParseUserID)
	if !ok {
		return
	}
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, paywall.ValidationError{Field: "role", Message: err.Error()}, nil)
		return
	}
	if err := s.engine.SetRole(c.Request.Context(), viewer(c), userID, req.Role); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": req.Role})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// pathID parses a typed id from a path parameter, writing a 400 on failure.
func (s *Server) pathID(c *gin.Context, name string, parse func(string) (id.ID, error)) (id.ID, bool) {
	v, err := parse(c.Param(name))
	if err != nil {
		s.fail(c, paywall.ValidationError{Field: name, Message: err.Error()}, nil)
		return id.Nil, false
	}
	return v, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// queryLimit reads the page size, capped at MaxPageSize.
func queryLimit(c *gin.Context, def int) int {
	return min(queryInt(c, "limit", def), MaxPageSize)
}
