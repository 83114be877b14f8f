// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database file at path. Migrate must be called before use.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("paywall/sqlite: storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("paywall/sqlite: open: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("paywall/sqlite: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := applyMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("%w: sqlite: %w", paywall.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Catalog ====================

const courseColumns = `id, instructor_id, title, slug, description, category, level,
	published, price_amount, price_currency, units, created_at, updated_at`

func (s *Store) CreateCourse(ctx context.Context, c *catalog.Course) error {
	units, err := json.Marshal(c.Units)
	if err != nil {
		return fmt.Errorf("paywall/sqlite: encode units: %w", err)
	}
	amount, currency := moneyColumns(c.Price)

	_, err = s.db.ExecContext(ctx, `INSERT INTO paywall_courses (`+courseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.InstructorID.String(), c.Title, c.Slug, c.Description,
		c.Category, string(c.Level), c.Published, amount, currency, string(units),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return paywall.ErrAlreadyExists
		}
		return fmt.Errorf("paywall/sqlite: create course: %w", err)
	}
	return nil
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM paywall_courses WHERE id = ?`, courseID.String())
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paywall.ErrCourseNotFound
	}
	return c, err
}

func (s *Store) UpdateCourse(ctx context.Context, c *catalog.Course) error {
	units, err := json.Marshal(c.Units)
	if err != nil {
		return fmt.Errorf("paywall/sqlite: encode units: %w", err)
	}
	amount, currency := moneyColumns(c.Price)

	res, err := s.db.ExecContext(ctx, `UPDATE paywall_courses SET
		instructor_id = ?, title = ?, slug = ?, description = ?, category = ?, level = ?,
		published = ?, price_amount = ?, price_currency = ?, units = ?, updated_at = ?
		WHERE id = ?`,
		c.InstructorID.String(), c.Title, c.Slug, c.Description, c.Category, string(c.Level),
		c.Published, amount, currency, string(units), toMillis(c.UpdatedAt),
		c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("paywall/sqlite: update course: %w", err)
	}
	return requireRow(res, paywall.ErrCourseNotFound)
}

func (s *Store) ListCourses(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Course, error) {
	var (
		where []string
		args  []any
	)
	if !opts.InstructorID.IsNil() {
		where = append(where, "instructor_id = ?")
		args = append(args, opts.InstructorID.String())
	}
	if opts.Category != "" {
		where = append(where, "category = ?")
		args = append(args, opts.Category)
	}
	if opts.PublishedOnly {
		where = append(where, "published = 1")
	}

	q := `SELECT ` + courseColumns + ` FROM paywall_courses` + whereClause(where) +
		` ORDER BY created_at ASC, id ASC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("paywall/sqlite: list courses: %w", err)
	}
	defer rows.Close()

	result := make([]*catalog.Course, 0)
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// ==================== Profiles ====================

func (s *Store) CreateProfile(ctx context.Context, p *profile.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("paywall/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO paywall_profiles
		(id, email, display_name, role, total_spent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Email, p.DisplayName, string(p.Role), p.TotalSpent,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return paywall.ErrAlreadyExists
		}
		return fmt.Errorf("paywall/sqlite: create profile: %w", err)
	}

	for _, c := range p.EnrolledCourseIDs {
		if _, err := insertMember(ctx, tx, "paywall_enrollments", "course_id", p.ID, c); err != nil {
			return err
		}
	}
	for _, u := range p.PurchasedUnitIDs {
		if _, err := insertMember(ctx, tx, "paywall_unit_purchases", "unit_id", p.ID, u); err != nil {
			return err
		}
	}
	for _, t := range p.AppliedPaymentIDs {
		if _, err := insertMember(ctx, tx, "paywall_applied_payments", "payment_id", p.ID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	p := &profile.Profile{}
	var role string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `SELECT id, email, display_name, role, total_spent, created_at, updated_at
		FROM paywall_profiles WHERE id = ?`, userID.String(),
	).Scan(&p.ID, &p.Email, &p.DisplayName, &role, &p.TotalSpent, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paywall.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/sqlite: get profile: %w", err)
	}
	p.Role = profile.Role(role)
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)

	if p.EnrolledCourseIDs, err = s.members(ctx, "paywall_enrollments", "course_id", userID); err != nil {
		return nil, err
	}
	if p.PurchasedUnitIDs, err = s.members(ctx, "paywall_unit_purchases", "unit_id", userID); err != nil {
		return nil, err
	}
	if p.AppliedPaymentIDs, err = s.members(ctx, "paywall_applied_payments", "payment_id", userID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) SetRole(ctx context.Context, userID id.UserID, role profile.Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paywall_profiles SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), toMillis(time.Now()), userID.String())
	if err != nil {
		return fmt.Errorf("paywall/sqlite: set role: %w", err)
	}
	return requireRow(res, paywall.ErrProfileNotFound)
}

// MergeEntitlement inserts each grant member with INSERT OR IGNORE inside
// one immediate transaction. TotalSpent grows only when the applied payment
// row is new.
func (s *Store) MergeEntitlement(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, translateBusy(fmt.Errorf("paywall/sqlite: begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM paywall_profiles WHERE id = ?`, userID.String(),
	).Scan(&exists); err != nil {
		return false, translateBusy(fmt.Errorf("paywall/sqlite: merge: %w", err))
	}
	if exists == 0 {
		return false, paywall.ErrProfileNotFound
	}

	changed := false
	if !g.AddCourse.IsNil() {
		added, err := insertMember(ctx, tx, "paywall_enrollments", "course_id", userID, g.AddCourse)
		if err != nil {
			return false, err
		}
		changed = changed || added
	}
	for _, u := range g.AddUnits {
		if u.IsNil() {
			continue
		}
		added, err := insertMember(ctx, tx, "paywall_unit_purchases", "unit_id", userID, u)
		if err != nil {
			return false, err
		}
		changed = changed || added
	}
	if !g.PaymentID.IsNil() {
		added, err := insertMember(ctx, tx, "paywall_applied_payments", "payment_id", userID, g.PaymentID)
		if err != nil {
			return false, err
		}
		if added {
			if _, err := tx.ExecContext(ctx,
				`UPDATE paywall_profiles SET total_spent = total_spent + ? WHERE id = ?`,
				g.Amount, userID.String()); err != nil {
				return false, translateBusy(fmt.Errorf("paywall/sqlite: merge total: %w", err))
			}
			changed = true
		}
	}

	if changed {
		if _, err := tx.ExecContext(ctx, `UPDATE paywall_profiles SET updated_at = ? WHERE id = ?`,
			toMillis(time.Now()), userID.String()); err != nil {
			return false, translateBusy(fmt.Errorf("paywall/sqlite: merge touch: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return false, translateBusy(fmt.Errorf("paywall/sqlite: merge commit: %w", err))
	}
	return changed, nil
}

func insertMember(ctx context.Context, tx *sql.Tx, table, column string, userID id.UserID, member id.ID) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (user_id, `+column+`) VALUES (?, ?)`,
		userID.String(), member.String())
	if err != nil {
		return false, translateBusy(fmt.Errorf("paywall/sqlite: insert %s: %w", table, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) members(ctx context.Context, table, column string, userID id.UserID) ([]id.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+` FROM `+table+` WHERE user_id = ? ORDER BY rowid`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("paywall/sqlite: read %s: %w", table, err)
	}
	defer rows.Close()

	var out []id.ID
	for rows.Next() {
		var v id.ID
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ==================== Payments ====================

const paymentColumns = `id, provider, provider_ref, user_id, course_id, item_kind, item_id,
	amount, currency, description, status, failure_reason, supersedes,
	submitted_at, settled_at, metadata, created_at, updated_at`

func (s *Store) CreatePayment(ctx context.Context, r *payment.Record) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("paywall/sqlite: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO paywall_payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), string(r.Provider), r.ProviderRef, r.UserID.String(), r.CourseID.String(),
		string(r.ItemKind), r.ItemID.String(), r.Amount.Amount, r.Amount.Currency, r.Description,
		string(r.Status), r.FailureReason, r.Supersedes.String(),
		nullMillis(r.SubmittedAt), nullMillis(r.SettledAt), string(meta),
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "paywall_payments.item_id") {
			return paywall.ErrPurchaseInProgress
		}
		return paywall.ErrAlreadyExists
	}
	return fmt.Errorf("paywall/sqlite: create payment: %w", err)
}

func (s *Store) GetPayment(ctx context.Context, txnID id.TransactionID) (*payment.Record, error) {
	return s.getPayment(ctx, `WHERE id = ?`, txnID.String())
}

func (s *Store) GetPaymentByProviderRef(ctx context.Context, provider payment.Method, ref string) (*payment.Record, error) {
	return s.getPayment(ctx, `WHERE provider = ? AND provider_ref = ? AND supersedes = ''`, string(provider), ref)
}

func (s *Store) GetPendingPayment(ctx context.Context, userID id.UserID, itemID id.ID) (*payment.Record, error) {
	return s.getPayment(ctx, `WHERE user_id = ? AND item_id = ? AND status = 'pending'`,
		userID.String(), itemID.String())
}

func (s *Store) getPayment(ctx context.Context, where string, args ...any) (*payment.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM paywall_payments `+where+` LIMIT 1`, args...)
	r, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paywall.ErrPaymentNotFound
	}
	return r, err
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Record, error) {
	var (
		where []string
		args  []any
	)
	if !opts.UserID.IsNil() {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID.String())
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(opts.Provider))
	}
	if !opts.CourseID.IsNil() {
		where = append(where, "course_id = ?")
		args = append(args, opts.CourseID.String())
	}
	if !opts.ItemID.IsNil() {
		where = append(where, "item_id = ?")
		args = append(args, opts.ItemID.String())
	}
	if !opts.Supersedes.IsNil() {
		where = append(where, "supersedes = ?")
		args = append(args, opts.Supersedes.String())
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(opts.CreatedBefore))
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(opts.CreatedAfter))
	}

	q := `SELECT ` + paymentColumns + ` FROM paywall_payments` + whereClause(where) +
		` ORDER BY created_at ASC, id ASC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("paywall/sqlite: list payments: %w", err)
	}
	defer rows.Close()

	result := make([]*payment.Record, 0)
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) MarkPaymentSubmitted(ctx context.Context, txnID id.TransactionID, ref string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE paywall_payments
		SET provider_ref = ?, submitted_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		ref, toMillis(at), toMillis(at), txnID.String())
	if err != nil {
		return fmt.Errorf("paywall/sqlite: mark submitted: %w", err)
	}
	return s.requirePending(ctx, res, txnID)
}

func (s *Store) FinalizePayment(ctx context.Context, txnID id.TransactionID, status payment.Status, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE paywall_payments
		SET status = ?, failure_reason = ?, settled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), reason, toMillis(at), toMillis(at), txnID.String())
	if err != nil {
		return fmt.Errorf("paywall/sqlite: finalize payment: %w", err)
	}
	return s.requirePending(ctx, res, txnID)
}

func (s *Store) DeletePendingPayment(ctx context.Context, txnID id.TransactionID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM paywall_payments WHERE id = ? AND status = 'pending'`, txnID.String())
	if err != nil {
		return fmt.Errorf("paywall/sqlite: delete payment: %w", err)
	}
	return s.requirePending(ctx, res, txnID)
}

// requirePending turns a conditional write that touched nothing into
// ErrPaymentNotFound or ErrPaymentFinalized.
func (s *Store) requirePending(ctx context.Context, res sql.Result, txnID id.TransactionID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetPayment(ctx, txnID); err != nil {
		return err
	}
	return paywall.ErrPaymentFinalized
}

// ==================== Helpers ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanCourse(row scanner) (*catalog.Course, error) {
	c := &catalog.Course{}
	var (
		level, currency, units string
		amount                 sql.NullInt64
		created, updated       int64
	)
	if err := row.Scan(&c.ID, &c.InstructorID, &c.Title, &c.Slug, &c.Description, &c.Category,
		&level, &c.Published, &amount, &currency, &units, &created, &updated); err != nil {
		return nil, err
	}
	c.Level = catalog.Level(level)
	if amount.Valid {
		m := types.New(amount.Int64, currency)
		c.Price = &m
	}
	if err := json.Unmarshal([]byte(units), &c.Units); err != nil {
		return nil, fmt.Errorf("paywall/sqlite: decode units: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = fromMillis(created), fromMillis(updated)
	return c, nil
}

func scanPayment(row scanner) (*payment.Record, error) {
	r := &payment.Record{}
	var (
		provider, kind, status, currency, meta string
		amount, created, updated               int64
		submitted, settled                     sql.NullInt64
	)
	if err := row.Scan(&r.ID, &provider, &r.ProviderRef, &r.UserID, &r.CourseID, &kind, &r.ItemID,
		&amount, &currency, &r.Description, &status, &r.FailureReason, &r.Supersedes,
		&submitted, &settled, &meta, &created, &updated); err != nil {
		return nil, err
	}
	r.Provider = payment.Method(provider)
	r.ItemKind = payment.ItemKind(kind)
	r.Status = payment.Status(status)
	r.Amount = types.New(amount, currency)
	r.SubmittedAt = fromNullMillis(submitted)
	r.SettledAt = fromNullMillis(settled)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("paywall/sqlite: decode metadata: %w", err)
		}
	}
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	return r, nil
}

func moneyColumns(m *types.Money) (sql.NullInt64, string) {
	if m == nil {
		return sql.NullInt64{}, ""
	}
	return sql.NullInt64{Int64: m.Amount, Valid: true}, m.Currency
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// translateBusy marks lock contention as a retryable write conflict.
func translateBusy(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", paywall.ErrEntitlementWriteConflict, err)
		}
	}
	return err
}
