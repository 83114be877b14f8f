// Package memory provides an in-process store.Store for tests and
// single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	courses  map[string]*catalog.Course
	profiles map[string]*profile.Profile
	payments map[string]*payment.Record

	// (user, item) -> transaction id of the single pending record
	inflight map[string]string
	closed   bool
}

func New() *Store {
	return &Store{
		courses:  make(map[string]*catalog.Course),
		profiles: make(map[string]*profile.Profile),
		payments: make(map[string]*payment.Record),
		inflight: make(map[string]string),
	}
}

func inflightKey(userID id.UserID, itemID id.ID) string {
	return userID.String() + "|" + itemID.String()
}

// ==================== Catalog ====================

func (s *Store) CreateCourse(_ context.Context, c *catalog.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.courses[c.ID.String()]; exists {
		return paywall.ErrAlreadyExists
	}
	s.courses[c.ID.String()] = cloneCourse(c)
	return nil
}

func (s *Store) GetCourse(_ context.Context, courseID id.CourseID) (*catalog.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.courses[courseID.String()]; ok {
		return cloneCourse(c), nil
	}
	return nil, paywall.ErrCourseNotFound
}

func (s *Store) UpdateCourse(_ context.Context, c *catalog.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.courses[c.ID.String()]; !exists {
		return paywall.ErrCourseNotFound
	}
	s.courses[c.ID.String()] = cloneCourse(c)
	return nil
}

func (s *Store) ListCourses(_ context.Context, opts catalog.ListOpts) ([]*catalog.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.Course, 0)
	for _, c := range s.courses {
		if !opts.InstructorID.IsNil() && !c.InstructorID.Equal(opts.InstructorID) {
			continue
		}
		if opts.Category != "" && c.Category != opts.Category {
			continue
		}
		if opts.PublishedOnly && !c.Published {
			continue
		}
		result = append(result, cloneCourse(c))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Profiles ====================

func (s *Store) CreateProfile(_ context.Context, p *profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[p.ID.String()]; exists {
		return paywall.ErrAlreadyExists
	}
	s.profiles[p.ID.String()] = p.Clone()
	return nil
}

func (s *Store) GetProfile(_ context.Context, userID id.UserID) (*profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.profiles[userID.String()]; ok {
		return p.Clone(), nil
	}
	return nil, paywall.ErrProfileNotFound
}

func (s *Store) SetRole(_ context.Context, userID id.UserID, role profile.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID.String()]
	if !ok {
		return paywall.ErrProfileNotFound
	}
	p.Role = role
	p.Touch()
	return nil
}

// MergeEntitlement applies the grant under the store lock so concurrent
// grants for the same user are serialized and never lose a write.
func (s *Store) MergeEntitlement(_ context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, paywall.ErrStoreClosed
	}
	p, ok := s.profiles[userID.String()]
	if !ok {
		return false, paywall.ErrProfileNotFound
	}
	changed := p.Apply(g)
	if changed {
		p.Touch()
	}
	return changed, nil
}

// ==================== Payments ====================

func (s *Store) CreatePayment(_ context.Context, r *payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[r.ID.String()]; exists {
		return paywall.ErrAlreadyExists
	}
	if !r.Supersedes.IsNil() {
		for _, existing := range s.payments {
			if existing.Supersedes.Equal(r.Supersedes) {
				return paywall.ErrAlreadyExists
			}
		}
	}
	if r.Status == payment.StatusPending {
		key := inflightKey(r.UserID, r.ItemID)
		if _, busy := s.inflight[key]; busy {
			return paywall.ErrPurchaseInProgress
		}
		s.inflight[key] = r.ID.String()
	}

	cp := *r
	s.payments[r.ID.String()] = &cp
	return nil
}

func (s *Store) GetPayment(_ context.Context, txnID id.TransactionID) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.payments[txnID.String()]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, paywall.ErrPaymentNotFound
}

func (s *Store) GetPaymentByProviderRef(_ context.Context, provider payment.Method, ref string) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.payments {
		if r.Provider == provider && r.ProviderRef == ref && r.Supersedes.IsNil() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, paywall.ErrPaymentNotFound
}

func (s *Store) GetPendingPayment(_ context.Context, userID id.UserID, itemID id.ID) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.inflight[inflightKey(userID, itemID)]
	if !ok {
		return nil, paywall.ErrPaymentNotFound
	}
	cp := *s.payments[txn]
	return &cp, nil
}

func (s *Store) ListPayments(_ context.Context, opts payment.ListOpts) ([]*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*payment.Record, 0)
	for _, r := range s.payments {
		if !opts.UserID.IsNil() && !r.UserID.Equal(opts.UserID) {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Provider != "" && r.Provider != opts.Provider {
			continue
		}
		if !opts.CourseID.IsNil() && !r.CourseID.Equal(opts.CourseID) {
			continue
		}
		if !opts.ItemID.IsNil() && !r.ItemID.Equal(opts.ItemID) {
			continue
		}
		if !opts.Supersedes.IsNil() && !r.Supersedes.Equal(opts.Supersedes) {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !r.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		if !opts.CreatedAfter.IsZero() && r.CreatedAt.Before(opts.CreatedAfter) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) MarkPaymentSubmitted(_ context.Context, txnID id.TransactionID, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.payments[txnID.String()]
	if !ok {
		return paywall.ErrPaymentNotFound
	}
	if r.Status.IsTerminal() {
		return paywall.ErrPaymentFinalized
	}
	r.ProviderRef = ref
	r.SubmittedAt = &at
	r.UpdatedAt = at
	return nil
}

func (s *Store) FinalizePayment(_ context.Context, txnID id.TransactionID, status payment.Status, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.payments[txnID.String()]
	if !ok {
		return paywall.ErrPaymentNotFound
	}
	if r.Status.IsTerminal() {
		return paywall.ErrPaymentFinalized
	}
	r.Status = status
	r.FailureReason = reason
	r.SettledAt = &at
	r.UpdatedAt = at
	delete(s.inflight, inflightKey(r.UserID, r.ItemID))
	return nil
}

func (s *Store) DeletePendingPayment(_ context.Context, txnID id.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.payments[txnID.String()]
	if !ok {
		return paywall.ErrPaymentNotFound
	}
	if r.Status.IsTerminal() {
		return paywall.ErrPaymentFinalized
	}
	delete(s.payments, txnID.String())
	delete(s.inflight, inflightKey(r.UserID, r.ItemID))
	return nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return paywall.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// ==================== Helpers ====================

func cloneCourse(c *catalog.Course) *catalog.Course {
	cp := *c
	cp.Units = append([]catalog.Unit(nil), c.Units...)
	return &cp
}

// page returns items[offset:offset+limit] clamped to the slice. A
// non-positive limit means no limit.
func page[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	rest := len(items) - start
	if limit <= 0 || limit > rest {
		limit = rest
	}
	return items[start : start+limit]
}
