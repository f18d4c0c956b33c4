package allocation

import (
	"fmt"
	"math"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

// ReplenishInput is one store's position at the start of a week.
type ReplenishInput struct {
	StoreID                   string
	CurrentInventory          float64
	RemainingSeasonAllocation float64
	RemainingPeriods          int
	HoldbackRemaining         int64
}

// Replenish sizes the next shipment for one store: the per-period share of
// what remains, less what is already on hand, capped by the store's
// undistributed holdback.
func Replenish(in ReplenishInput) (int64, error) {
	if in.RemainingPeriods <= 0 {
		return 0, fmt.Errorf("%w: store %s has %d remaining periods", models.ErrInvalidParameters, in.StoreID, in.RemainingPeriods)
	}
	need := in.RemainingSeasonAllocation / float64(in.RemainingPeriods)
	qty := int64(math.Round(need - in.CurrentInventory))
	if qty < 0 {
		qty = 0
	}
	if in.HoldbackRemaining < 0 {
		return 0, nil
	}
	if qty > in.HoldbackRemaining {
		qty = in.HoldbackRemaining
	}
	return qty, nil
}
