package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const migrationTable = "schema_migrations"

type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations lists the schema in apply order. Each entry runs at most once.
var Migrations = []migration{
	{
		Name:    "create_paywall_courses",
		Version: "20260301000001",
		Up: `
CREATE TABLE IF NOT EXISTS paywall_courses (
    id             TEXT PRIMARY KEY,
    instructor_id  TEXT NOT NULL DEFAULT '',
    title          TEXT NOT NULL DEFAULT '',
    slug           TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    level          TEXT NOT NULL DEFAULT '',
    published      INTEGER NOT NULL DEFAULT 0,
    price_amount   INTEGER,
    price_currency TEXT NOT NULL DEFAULT '',
    units          TEXT NOT NULL DEFAULT '[]',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_paywall_courses_instructor ON paywall_courses (instructor_id);
CREATE INDEX IF NOT EXISTS idx_paywall_courses_category ON paywall_courses (category, published);
`,
	},
	{
		Name:    "create_paywall_profiles",
		Version: "20260301000002",
		Up: `
CREATE TABLE IF NOT EXISTS paywall_profiles (
    id           TEXT PRIMARY KEY,
    email        TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT 'student',
    total_spent  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_paywall_profiles_email ON paywall_profiles (email);

CREATE TABLE IF NOT EXISTS paywall_enrollments (
    user_id   TEXT NOT NULL REFERENCES paywall_profiles (id) ON DELETE CASCADE,
    course_id TEXT NOT NULL,
    PRIMARY KEY (user_id, course_id)
);

CREATE TABLE IF NOT EXISTS paywall_unit_purchases (
    user_id TEXT NOT NULL REFERENCES paywall_profiles (id) ON DELETE CASCADE,
    unit_id TEXT NOT NULL,
    PRIMARY KEY (user_id, unit_id)
);

CREATE TABLE IF NOT EXISTS paywall_applied_payments (
    user_id    TEXT NOT NULL REFERENCES paywall_profiles (id) ON DELETE CASCADE,
    payment_id TEXT NOT NULL,
    PRIMARY KEY (user_id, payment_id)
);
`,
	},
	{
		Name:    "create_paywall_payments",
		Version: "20260301000003",
		Up: `
CREATE TABLE IF NOT EXISTS paywall_payments (
    id             TEXT PRIMARY KEY,
    provider       TEXT NOT NULL DEFAULT '',
    provider_ref   TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL,
    course_id      TEXT NOT NULL DEFAULT '',
    item_kind      TEXT NOT NULL DEFAULT '',
    item_id        TEXT NOT NULL,
    amount         INTEGER NOT NULL DEFAULT 0,
    currency       TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    failure_reason TEXT NOT NULL DEFAULT '',
    supersedes     TEXT NOT NULL DEFAULT '',
    submitted_at   INTEGER,
    settled_at     INTEGER,
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_paywall_payments_inflight
    ON paywall_payments (user_id, item_id) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_paywall_payments_supersedes
    ON paywall_payments (supersedes) WHERE supersedes <> '';
CREATE INDEX IF NOT EXISTS idx_paywall_payments_provider_ref ON paywall_payments (provider, provider_ref);
CREATE INDEX IF NOT EXISTS idx_paywall_payments_status ON paywall_payments (status, created_at);
CREATE INDEX IF NOT EXISTS idx_paywall_payments_user ON paywall_payments (user_id, created_at);
`,
	},
}

// applyMigrations runs every migration not yet recorded in schema_migrations,
// each inside its own transaction.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range Migrations {
		key := m.Version + "_" + m.Name

		var n int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, key,
		).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", key, err)
		}
		if n > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			key, toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", key, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", key, err)
		}
	}
	return nil
}
