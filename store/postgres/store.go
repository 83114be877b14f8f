// Package postgres implements store.Store on PostgreSQL through GORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Postgres error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements store.Store using PostgreSQL via GORM.
type Store struct {
	db *gorm.DB
}

// DSN builds a key/value connection string.
func DSN(host, user, password, dbname, port string) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, user, password, dbname, port)
}

// Open connects to the database described by dsn.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("paywall/postgres: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM handle for direct access.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", paywall.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ==================== Catalog Store ====================

func (s *Store) CreateCourse(ctx context.Context, c *catalog.Course) error {
	m, err := toCourseModel(c)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return paywall.ErrAlreadyExists
		}
		return fmt.Errorf("paywall/postgres: create course: %w", err)
	}
	return nil
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error) {
	var m courseModel
	err := s.db.WithContext(ctx).Where("id = ?", courseID.String()).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, paywall.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/postgres: get course: %w", err)
	}
	return fromCourseModel(&m)
}

func (s *Store) UpdateCourse(ctx context.Context, c *catalog.Course) error {
	m, err := toCourseModel(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&courseModel{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"instructor_id":  m.InstructorID,
			"title":          m.Title,
			"slug":           m.Slug,
			"description":    m.Description,
			"category":       m.Category,
			"level":          m.Level,
			"published":      m.Published,
			"price_amount":   m.PriceAmount,
			"price_currency": m.PriceCurrency,
			"units":          m.Units,
			"updated_at":     m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("paywall/postgres: update course: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return paywall.ErrCourseNotFound
	}
	return nil
}

func (s *Store) ListCourses(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Course, error) {
	q := s.db.WithContext(ctx).Model(&courseModel{})
	if !opts.InstructorID.IsNil() {
		q = q.Where("instructor_id = ?", opts.InstructorID.String())
	}
	if opts.Category != "" {
		q = q.Where("category = ?", opts.Category)
	}
	if opts.PublishedOnly {
		q = q.Where("published = ?", true)
	}
	q = paginate(q, opts.Limit, opts.Offset).Order("created_at ASC, id ASC")

	var rows []courseModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("paywall/postgres: list courses: %w", err)
	}
	result := make([]*catalog.Course, 0, len(rows))
	for i := range rows {
		c, err := fromCourseModel(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// ==================== Profile Store ====================

func (s *Store) CreateProfile(ctx context.Context, p *profile.Profile) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toProfileModel(p)).Error; err != nil {
			return err
		}
		userID := p.ID.String()
		for _, c := range p.EnrolledCourseIDs {
			if _, err := insertIgnore(tx, &enrollmentModel{UserID: userID, CourseID: c.String()}); err != nil {
				return err
			}
		}
		for _, u := range p.PurchasedUnitIDs {
			if _, err := insertIgnore(tx, &unitPurchaseModel{UserID: userID, UnitID: u.String()}); err != nil {
				return err
			}
		}
		for _, t := range p.AppliedPaymentIDs {
			if _, err := insertIgnore(tx, &appliedPaymentModel{UserID: userID, PaymentID: t.String()}); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return paywall.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("paywall/postgres: create profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	db := s.db.WithContext(ctx)

	var m profileModel
	err := db.Where("id = ?", userID.String()).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, paywall.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/postgres: get profile: %w", err)
	}
	p, err := fromProfileModel(&m)
	if err != nil {
		return nil, err
	}

	var enrollments []enrollmentModel
	if err := db.Where("user_id = ?", m.ID).Order("created_at, course_id").Find(&enrollments).Error; err != nil {
		return nil, fmt.Errorf("paywall/postgres: read enrollments: %w", err)
	}
	var purchases []unitPurchaseModel
	if err := db.Where("user_id = ?", m.ID).Order("created_at, unit_id").Find(&purchases).Error; err != nil {
		return nil, fmt.Errorf("paywall/postgres: read purchases: %w", err)
	}
	var applied []appliedPaymentModel
	if err := db.Where("user_id = ?", m.ID).Order("created_at, payment_id").Find(&applied).Error; err != nil {
		return nil, fmt.Errorf("paywall/postgres: read applied payments: %w", err)
	}

	for _, e := range enrollments {
		if p.EnrolledCourseIDs, err = appendParsed(p.EnrolledCourseIDs, e.CourseID); err != nil {
			return nil, err
		}
	}
	for _, u := range purchases {
		if p.PurchasedUnitIDs, err = appendParsed(p.PurchasedUnitIDs, u.UnitID); err != nil {
			return nil, err
		}
	}
	for _, a := range applied {
		if p.AppliedPaymentIDs, err = appendParsed(p.AppliedPaymentIDs, a.PaymentID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Store) SetRole(ctx context.Context, userID id.UserID, role profile.Role) error {
	res := s.db.WithContext(ctx).Model(&profileModel{}).
		Where("id = ?", userID.String()).
		Updates(map[string]any{"role": string(role), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("paywall/postgres: set role: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return paywall.ErrProfileNotFound
	}
	return nil
}

// MergeEntitlement locks the profile row and inserts each grant member with
// ON CONFLICT DO NOTHING, all in one transaction. TotalSpent grows only when
// the applied-payment row is new.
func (s *Store) MergeEntitlement(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		uid := userID.String()

		var m profileModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", uid).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paywall.ErrProfileNotFound
		}
		if err != nil {
			return err
		}

		if !g.AddCourse.IsNil() {
			added, err := insertIgnore(tx, &enrollmentModel{UserID: uid, CourseID: g.AddCourse.String()})
			if err != nil {
				return err
			}
			changed = changed || added
		}
		for _, u := range g.AddUnits {
			if u.IsNil() {
				continue
			}
			added, err := insertIgnore(tx, &unitPurchaseModel{UserID: uid, UnitID: u.String()})
			if err != nil {
				return err
			}
			changed = changed || added
		}

		updates := map[string]any{}
		if !g.PaymentID.IsNil() {
			added, err := insertIgnore(tx, &appliedPaymentModel{UserID: uid, PaymentID: g.PaymentID.String()})
			if err != nil {
				return err
			}
			if added {
				updates["total_spent"] = gorm.Expr("total_spent + ?", g.Amount)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		updates["updated_at"] = time.Now().UTC()
		return tx.Model(&profileModel{}).Where("id = ?", uid).Updates(updates).Error
	})
	switch {
	case err == nil:
		return changed, nil
	case errors.Is(err, paywall.ErrProfileNotFound):
		return false, err
	case isConflict(err):
		return false, fmt.Errorf("%w: %w", paywall.ErrEntitlementWriteConflict, err)
	default:
		return false, fmt.Errorf("paywall/postgres: merge entitlement: %w", err)
	}
}

func insertIgnore(tx *gorm.DB, row any) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func appendParsed(set []id.ID, raw string) ([]id.ID, error) {
	v, err := id.Parse(raw)
	if err != nil {
		return set, err
	}
	return append(set, v), nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, r *payment.Record) error {
	m, err := toPaymentModel(r)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		if pgErr.ConstraintName == "idx_paywall_payments_inflight" {
			return paywall.ErrPurchaseInProgress
		}
		return paywall.ErrAlreadyExists
	}
	return fmt.Errorf("paywall/postgres: create payment: %w", err)
}

func (s *Store) GetPayment(ctx context.Context, txnID id.TransactionID) (*payment.Record, error) {
	return s.firstPayment(s.db.WithContext(ctx).Where("id = ?", txnID.String()))
}

func (s *Store) GetPaymentByProviderRef(ctx context.Context, provider payment.Method, ref string) (*payment.Record, error) {
	return s.firstPayment(s.db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ? AND supersedes = ''", string(provider), ref))
}

func (s *Store) GetPendingPayment(ctx context.Context, userID id.UserID, itemID id.ID) (*payment.Record, error) {
	return s.firstPayment(s.db.WithContext(ctx).
		Where("user_id = ? AND item_id = ? AND status = ?", userID.String(), itemID.String(), string(payment.StatusPending)))
}

func (s *Store) firstPayment(q *gorm.DB) (*payment.Record, error) {
	var m paymentModel
	err := q.First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, paywall.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/postgres: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Record, error) {
	q := s.db.WithContext(ctx).Model(&paymentModel{})
	if !opts.UserID.IsNil() {
		q = q.Where("user_id = ?", opts.UserID.String())
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Provider != "" {
		q = q.Where("provider = ?", string(opts.Provider))
	}
	if !opts.CourseID.IsNil() {
		q = q.Where("course_id = ?", opts.CourseID.String())
	}
	if !opts.ItemID.IsNil() {
		q = q.Where("item_id = ?", opts.ItemID.String())
	}
	if !opts.Supersedes.IsNil() {
		q = q.Where("supersedes = ?", opts.Supersedes.String())
	}
	if !opts.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", opts.CreatedBefore)
	}
	if !opts.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", opts.CreatedAfter)
	}
	q = paginate(q, opts.Limit, opts.Offset).Order("created_at ASC, id ASC")

	var rows []paymentModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("paywall/postgres: list payments: %w", err)
	}
	result := make([]*payment.Record, 0, len(rows))
	for i := range rows {
		r, err := fromPaymentModel(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) MarkPaymentSubmitted(ctx context.Context, txnID id.TransactionID, ref string, at time.Time) error {
	return s.updatePending(ctx, txnID, map[string]any{
		"provider_ref": ref,
		"submitted_at": at,
		"updated_at":   at,
	})
}

func (s *Store) FinalizePayment(ctx context.Context, txnID id.TransactionID, status payment.Status, reason string, at time.Time) error {
	return s.updatePending(ctx, txnID, map[string]any{
		"status":         string(status),
		"failure_reason": reason,
		"settled_at":     at,
		"updated_at":     at,
	})
}

func (s *Store) DeletePendingPayment(ctx context.Context, txnID id.TransactionID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", txnID.String(), string(payment.StatusPending)).
		Delete(&paymentModel{})
	if res.Error != nil {
		return fmt.Errorf("paywall/postgres: delete payment: %w", res.Error)
	}
	return s.requirePending(ctx, res.RowsAffected, txnID)
}

// updatePending applies fields only while the record is still pending, so
// terminal records stay immutable under concurrent writers.
func (s *Store) updatePending(ctx context.Context, txnID id.TransactionID, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&paymentModel{}).
		Where("id = ? AND status = ?", txnID.String(), string(payment.StatusPending)).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("paywall/postgres: update payment: %w", res.Error)
	}
	return s.requirePending(ctx, res.RowsAffected, txnID)
}

func (s *Store) requirePending(ctx context.Context, affected int64, txnID id.TransactionID) error {
	if affected > 0 {
		return nil
	}
	if _, err := s.GetPayment(ctx, txnID); err != nil {
		return err
	}
	return paywall.ErrPaymentFinalized
}

// ==================== Helpers ====================

func paginate(q *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}
