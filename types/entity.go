package types

import "time"

// Entity carries the bookkeeping timestamps shared by courses, profiles
// and payment records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch bumps UpdatedAt.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// OlderThan reports whether the entity was created more than d before now.
func (e Entity) OlderThan(d time.Duration, now time.Time) bool {
	return now.Sub(e.CreatedAt) > d
}
