// Package catalog models courses and the content units they are made of.
package catalog

import (
	"regexp"
	"strings"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/types"
)

type UnitKind string

const (
	KindPDF   UnitKind = "pdf"
	KindVideo UnitKind = "video"
)

type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

type Course struct {
	types.Entity
	ID           id.CourseID  `json:"id"`
	InstructorID id.UserID    `json:"instructor_id"`
	Title        string       `json:"title"`
	Slug         string       `json:"slug"`
	Description  string       `json:"description"`
	Category     string       `json:"category"`
	Level        Level        `json:"level"`
	Published    bool         `json:"published"`
	Price        *types.Money `json:"price,omitempty"` // nil: enrollment-only
	Units        []Unit       `json:"units"`
}

// Unit is one separately priced piece of course content. Kind selects
// which of Pages (pdf) or Ordinal (video) is meaningful.
type Unit struct {
	ID      id.UnitID    `json:"id"`
	Kind    UnitKind     `json:"kind"`
	Title   string       `json:"title"`
	Pages   int          `json:"pages,omitempty"`
	Ordinal int          `json:"ordinal"`
	Price   *types.Money `json:"price,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// FindUnit returns the unit with the given id, or nil.
func (c *Course) FindUnit(unitID id.UnitID) *Unit {
	for i := range c.Units {
		if c.Units[i].ID.Equal(unitID) {
			return &c.Units[i]
		}
	}
	return nil
}

// IsFree reports whether enrolling requires no payment.
func (c *Course) IsFree() bool {
	return c.Price == nil || !c.Price.IsPositive()
}

// Videos returns the video episodes in sequence order.
func (c *Course) Videos() []Unit {
	var out []Unit
	for _, u := range c.Units {
		if u.Kind == KindVideo {
			out = append(out, u)
		}
	}
	return out
}

// Normalize assigns missing unit ids, derives the slug and renumbers video
// ordinals from their position in the sequence.
func (c *Course) Normalize() {
	if c.Slug == "" {
		c.Slug = Slugify(c.Title)
	}
	ordinal := 0
	for i := range c.Units {
		u := &c.Units[i]
		if u.ID.IsNil() {
			u.ID = id.NewUnitID()
		}
		if u.Kind == KindVideo {
			u.Ordinal = ordinal
			ordinal++
		} else {
			u.Ordinal = 0
		}
	}
}

// Purchasable reports whether the unit carries a positive price.
func (u *Unit) Purchasable() bool {
	return u.Price != nil && u.Price.IsPositive()
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its words with hyphens.
func Slugify(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
