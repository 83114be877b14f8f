package paywall

import (
	"github.com/xraph/paywall/entitlement"
	"github.com/xraph/paywall/types"
)

// Re-export common types so callers don't have to import the leaf packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Decision is re-exported from entitlement package.
type Decision = entitlement.Decision

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	KES  = types.KES
	Zero = types.Zero
)

// FreePageThreshold is the last PDF page readable without purchase.
const FreePageThreshold = entitlement.FreePageThreshold
