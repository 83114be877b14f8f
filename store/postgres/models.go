package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/types"
)

// ==================== Catalog models ====================

type courseModel struct {
	ID            string `gorm:"primaryKey;type:text"`
	InstructorID  string `gorm:"type:text;not null;default:'';index"`
	Title         string `gorm:"type:text;not null;default:''"`
	Slug          string `gorm:"type:text;not null;default:''"`
	Description   string `gorm:"type:text;not null;default:''"`
	Category      string `gorm:"type:text;not null;default:'';index:idx_paywall_courses_category"`
	Level         string `gorm:"type:text;not null;default:''"`
	Published     bool   `gorm:"not null;default:false;index:idx_paywall_courses_category"`
	PriceAmount   *int64
	PriceCurrency string `gorm:"type:text;not null;default:''"`
	Units         string `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (courseModel) TableName() string { return "paywall_courses" }

func toCourseModel(c *catalog.Course) (*courseModel, error) {
	units, err := json.Marshal(c.Units)
	if err != nil {
		return nil, fmt.Errorf("paywall/postgres: encode units: %w", err)
	}
	m := &courseModel{
		ID:           c.ID.String(),
		InstructorID: c.InstructorID.String(),
		Title:        c.Title,
		Slug:         c.Slug,
		Description:  c.Description,
		Category:     c.Category,
		Level:        string(c.Level),
		Published:    c.Published,
		Units:        string(units),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.Price != nil {
		amount := c.Price.Amount
		m.PriceAmount = &amount
		m.PriceCurrency = c.Price.Currency
	}
	return m, nil
}

func fromCourseModel(m *courseModel) (*catalog.Course, error) {
	courseID, err := id.ParseCourseID(m.ID)
	if err != nil {
		return nil, err
	}
	c := &catalog.Course{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          courseID,
		Title:       m.Title,
		Slug:        m.Slug,
		Description: m.Description,
		Category:    m.Category,
		Level:       catalog.Level(m.Level),
		Published:   m.Published,
	}
	if c.InstructorID, err = parseOptional(m.InstructorID); err != nil {
		return nil, err
	}
	if m.PriceAmount != nil {
		price := types.New(*m.PriceAmount, m.PriceCurrency)
		c.Price = &price
	}
	if err := json.Unmarshal([]byte(m.Units), &c.Units); err != nil {
		return nil, fmt.Errorf("paywall/postgres: decode units: %w", err)
	}
	return c, nil
}

// ==================== Profile models ====================

type profileModel struct {
	ID          string `gorm:"primaryKey;type:text"`
	Email       string `gorm:"type:text;not null;default:'';index"`
	DisplayName string `gorm:"type:text;not null;default:''"`
	Role        string `gorm:"type:text;not null;default:'student'"`
	TotalSpent  int64  `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (profileModel) TableName() string { return "paywall_profiles" }

// The entitlement sets live in one table per set, keyed by (user, member),
// so merges are plain inserts that can never drop a concurrent write.

type enrollmentModel struct {
	UserID    string `gorm:"primaryKey;type:text"`
	CourseID  string `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (enrollmentModel) TableName() string { return "paywall_enrollments" }

type unitPurchaseModel struct {
	UserID    string `gorm:"primaryKey;type:text"`
	UnitID    string `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (unitPurchaseModel) TableName() string { return "paywall_unit_purchases" }

type appliedPaymentModel struct {
	UserID    string `gorm:"primaryKey;type:text"`
	PaymentID string `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (appliedPaymentModel) TableName() string { return "paywall_applied_payments" }

func toProfileModel(p *profile.Profile) *profileModel {
	return &profileModel{
		ID:          p.ID.String(),
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		TotalSpent:  p.TotalSpent,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromProfileModel(m *profileModel) (*profile.Profile, error) {
	userID, err := id.ParseUserID(m.ID)
	if err != nil {
		return nil, err
	}
	return &profile.Profile{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          userID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		Role:        profile.Role(m.Role),
		TotalSpent:  m.TotalSpent,
	}, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	ID            string `gorm:"primaryKey;type:text"`
	Provider      string `gorm:"type:text;not null;default:'';index:idx_paywall_payments_provider_ref"`
	ProviderRef   string `gorm:"type:text;not null;default:'';index:idx_paywall_payments_provider_ref"`
	UserID        string `gorm:"type:text;not null;index:idx_paywall_payments_user"`
	CourseID      string `gorm:"type:text;not null;default:''"`
	ItemKind      string `gorm:"type:text;not null;default:''"`
	ItemID        string `gorm:"type:text;not null"`
	Amount        int64  `gorm:"not null;default:0"`
	Currency      string `gorm:"type:text;not null;default:''"`
	Description   string `gorm:"type:text;not null;default:''"`
	Status        string `gorm:"type:text;not null;default:'pending';index:idx_paywall_payments_status"`
	FailureReason string `gorm:"type:text;not null;default:''"`
	Supersedes    string `gorm:"type:text;not null;default:''"`
	SubmittedAt   *time.Time
	SettledAt     *time.Time
	Metadata      string    `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt     time.Time `gorm:"index:idx_paywall_payments_status;index:idx_paywall_payments_user"`
	UpdatedAt     time.Time
}

func (paymentModel) TableName() string { return "paywall_payments" }

func toPaymentModel(r *payment.Record) (*paymentModel, error) {
	meta := []byte("{}")
	if len(r.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(r.Metadata); err != nil {
			return nil, fmt.Errorf("paywall/postgres: encode metadata: %w", err)
		}
	}
	return &paymentModel{
		ID:            r.ID.String(),
		Provider:      string(r.Provider),
		ProviderRef:   r.ProviderRef,
		UserID:        r.UserID.String(),
		CourseID:      r.CourseID.String(),
		ItemKind:      string(r.ItemKind),
		ItemID:        r.ItemID.String(),
		Amount:        r.Amount.Amount,
		Currency:      r.Amount.Currency,
		Description:   r.Description,
		Status:        string(r.Status),
		FailureReason: r.FailureReason,
		Supersedes:    r.Supersedes.String(),
		SubmittedAt:   r.SubmittedAt,
		SettledAt:     r.SettledAt,
		Metadata:      string(meta),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func fromPaymentModel(m *paymentModel) (*payment.Record, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	r := &payment.Record{
		Entity:        types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:            txnID,
		Provider:      payment.Method(m.Provider),
		ProviderRef:   m.ProviderRef,
		ItemKind:      payment.ItemKind(m.ItemKind),
		Amount:        types.New(m.Amount, m.Currency),
		Description:   m.Description,
		Status:        payment.Status(m.Status),
		FailureReason: m.FailureReason,
		SubmittedAt:   m.SubmittedAt,
		SettledAt:     m.SettledAt,
	}
	for _, f := range []struct {
		dst *id.ID
		src string
	}{
		{&r.UserID, m.UserID},
		{&r.CourseID, m.CourseID},
		{&r.ItemID, m.ItemID},
		{&r.Supersedes, m.Supersedes},
	} {
		if *f.dst, err = parseOptional(f.src); err != nil {
			return nil, err
		}
	}
	if m.Metadata != "" && m.Metadata != "{}" {
		if err := json.Unmarshal([]byte(m.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("paywall/postgres: decode metadata: %w", err)
		}
	}
	return r, nil
}

func parseOptional(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}
