package paywall

import "github.com/xraph/paywall/id"

// Identifier aliases, so callers of the engine API need not import id.
type (
	ID            = id.ID
	UserID        = id.UserID
	CourseID      = id.CourseID
	UnitID        = id.UnitID
	TransactionID = id.TransactionID
)
