package profile

import (
	"context"

	"github.com/xraph/paywall/id"
)

type Store interface {
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, userID id.UserID) (*Profile, error)
	SetRole(ctx context.Context, userID id.UserID, role Role) error

	// MergeEntitlement applies g as a single atomic set-union on one user
	// document and reports whether anything changed. It never overwrites
	// the sets with a caller-supplied snapshot.
	MergeEntitlement(ctx context.Context, userID id.UserID, g Grant) (bool, error)
}
