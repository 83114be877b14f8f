package mongo

import (
	"time"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/types"
)

type moneyModel struct {
	Amount   int64  `bson:"amount"`
	Currency string `bson:"currency"`
}

func toMoneyModel(m *types.Money) *moneyModel {
	if m == nil {
		return nil
	}
	return &moneyModel{Amount: m.Amount, Currency: m.Currency}
}

func (m *moneyModel) money() *types.Money {
	if m == nil {
		return nil
	}
	v := types.New(m.Amount, m.Currency)
	return &v
}

// ==================== Catalog models ====================

type courseModel struct {
	ID           string      `bson:"_id"`
	InstructorID string      `bson:"instructor_id"`
	Title        string      `bson:"title"`
	Slug         string      `bson:"slug"`
	Description  string      `bson:"description"`
	Category     string      `bson:"category"`
	Level        string      `bson:"level"`
	Published    bool        `bson:"published"`
	Price        *moneyModel `bson:"price,omitempty"`
	Units        []unitModel `bson:"units"`
	CreatedAt    time.Time   `bson:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at"`
}

type unitModel struct {
	ID      string      `bson:"id"`
	Kind    string      `bson:"kind"`
	Title   string      `bson:"title"`
	Pages   int         `bson:"pages,omitempty"`
	Ordinal int         `bson:"ordinal"`
	Price   *moneyModel `bson:"price,omitempty"`
	URL     string      `bson:"url,omitempty"`
}

func toCourseModel(c *catalog.Course) *courseModel {
	units := make([]unitModel, len(c.Units))
	for i, u := range c.Units {
		units[i] = unitModel{
			ID:      u.ID.String(),
			Kind:    string(u.Kind),
			Title:   u.Title,
			Pages:   u.Pages,
			Ordinal: u.Ordinal,
			Price:   toMoneyModel(u.Price),
			URL:     u.URL,
		}
	}
	return &courseModel{
		ID:           c.ID.String(),
		InstructorID: c.InstructorID.String(),
		Title:        c.Title,
		Slug:         c.Slug,
		Description:  c.Description,
		Category:     c.Category,
		Level:        string(c.Level),
		Published:    c.Published,
		Price:        toMoneyModel(c.Price),
		Units:        units,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromCourseModel(m *courseModel) (*catalog.Course, error) {
	courseID, err := id.ParseCourseID(m.ID)
	if err != nil {
		return nil, err
	}
	instructorID, err := parseOptional(m.InstructorID)
	if err != nil {
		return nil, err
	}

	var units []catalog.Unit
	for _, u := range m.Units {
		unitID, err := id.ParseUnitID(u.ID)
		if err != nil {
			return nil, err
		}
		units = append(units, catalog.Unit{
			ID:      unitID,
			Kind:    catalog.UnitKind(u.Kind),
			Title:   u.Title,
			Pages:   u.Pages,
			Ordinal: u.Ordinal,
			Price:   u.Price.money(),
			URL:     u.URL,
		})
	}

	return &catalog.Course{
		Entity:       types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:           courseID,
		InstructorID: instructorID,
		Title:        m.Title,
		Slug:         m.Slug,
		Description:  m.Description,
		Category:     m.Category,
		Level:        catalog.Level(m.Level),
		Published:    m.Published,
		Price:        m.Price.money(),
		Units:        units,
	}, nil
}

// ==================== Profile models ====================

type profileModel struct {
	ID                string    `bson:"_id"`
	Email             string    `bson:"email"`
	DisplayName       string    `bson:"display_name"`
	Role              string    `bson:"role"`
	EnrolledCourseIDs []string  `bson:"enrolled_course_ids"`
	PurchasedUnitIDs  []string  `bson:"purchased_unit_ids"`
	AppliedPaymentIDs []string  `bson:"applied_payment_ids"`
	TotalSpent        int64     `bson:"total_spent"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

// toProfileModel always emits arrays, never null, so $addToSet can extend them.
func toProfileModel(p *profile.Profile) *profileModel {
	return &profileModel{
		ID:                p.ID.String(),
		Email:             p.Email,
		DisplayName:       p.DisplayName,
		Role:              string(p.Role),
		EnrolledCourseIDs: idStrings(p.EnrolledCourseIDs),
		PurchasedUnitIDs:  idStrings(p.PurchasedUnitIDs),
		AppliedPaymentIDs: idStrings(p.AppliedPaymentIDs),
		TotalSpent:        p.TotalSpent,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func fromProfileModel(m *profileModel) (*profile.Profile, error) {
	userID, err := id.ParseUserID(m.ID)
	if err != nil {
		return nil, err
	}
	p := &profile.Profile{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          userID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		Role:        profile.Role(m.Role),
		TotalSpent:  m.TotalSpent,
	}
	if p.EnrolledCourseIDs, err = parseIDs(m.EnrolledCourseIDs); err != nil {
		return nil, err
	}
	if p.PurchasedUnitIDs, err = parseIDs(m.PurchasedUnitIDs); err != nil {
		return nil, err
	}
	if p.AppliedPaymentIDs, err = parseIDs(m.AppliedPaymentIDs); err != nil {
		return nil, err
	}
	return p, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	ID            string            `bson:"_id"`
	Provider      string            `bson:"provider"`
	ProviderRef   string            `bson:"provider_ref"`
	UserID        string            `bson:"user_id"`
	CourseID      string            `bson:"course_id"`
	ItemKind      string            `bson:"item_kind"`
	ItemID        string            `bson:"item_id"`
	Amount        int64             `bson:"amount"`
	Currency      string            `bson:"currency"`
	Description   string            `bson:"description"`
	Status        string            `bson:"status"`
	FailureReason string            `bson:"failure_reason"`
	Supersedes    string            `bson:"supersedes"`
	SubmittedAt   *time.Time        `bson:"submitted_at,omitempty"`
	SettledAt     *time.Time        `bson:"settled_at,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

func toPaymentModel(r *payment.Record) *paymentModel {
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
		Metadata:      r.Metadata,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
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
		Metadata:      m.Metadata,
	}
	if r.UserID, err = parseOptional(m.UserID); err != nil {
		return nil, err
	}
	if r.CourseID, err = parseOptional(m.CourseID); err != nil {
		return nil, err
	}
	if r.ItemID, err = parseOptional(m.ItemID); err != nil {
		return nil, err
	}
	if r.Supersedes, err = parseOptional(m.Supersedes); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Helpers ====================

func idStrings(ids []id.ID) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		out = append(out, v.String())
	}
	return out
}

func parseIDs(raw []string) ([]id.ID, error) {
	var out []id.ID
	for _, s := range raw {
		v, err := id.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseOptional(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}
