package postgres

import (
	"context"
	"fmt"
)

// models lists every table managed by AutoMigrate.
var models = []any{
	&courseModel{},
	&profileModel{},
	&enrollmentModel{},
	&unitPurchaseModel{},
	&appliedPaymentModel{},
	&paymentModel{},
}

// partialIndexes cannot be expressed as struct tags. The in-flight index
// is what makes "one pending payment per user and item" hold across
// processes.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_paywall_payments_inflight
    ON paywall_payments (user_id, item_id) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_paywall_payments_supersedes
    ON paywall_payments (supersedes) WHERE supersedes <> ''`,
}

func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
