// Package allocation turns a forecast revision into a manufacturing order
// and a per-store initial/holdback split, and sizes in-season top-ups.
package allocation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

// Allocate derives an allocation plan from a forecast. Quantities stay
// real-valued until emission, where they are rounded top-down with the
// largest-remainder method so cluster and category totals stay exact.
func Allocate(f models.CategoryForecast, safetyStockPct, holdbackPct float64) (models.AllocationPlan, error) {
	if safetyStockPct < 0 {
		return models.AllocationPlan{}, fmt.Errorf("%w: safety_stock_pct must be >= 0, got %v", models.ErrInvalidParameters, safetyStockPct)
	}
	if holdbackPct < 0 || holdbackPct > 1 {
		return models.AllocationPlan{}, fmt.Errorf("%w: holdback must be within [0,1], got %v", models.ErrInvalidParameters, holdbackPct)
	}
	if f.TotalSeasonDemand < 0 {
		return models.AllocationPlan{}, fmt.Errorf("%w: negative season demand", models.ErrInvalidParameters)
	}

	order := f.TotalSeasonDemand * (1 + safetyStockPct)
	units := int64(math.Round(order))

	clusters := append([]models.StoreCluster(nil), f.Clusters...)
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })

	shares := make([]float64, len(clusters))
	for i, c := range clusters {
		shares[i] = f.ClusterDistribution[c.ID]
	}
	clusterUnits := LargestRemainder(units, shares)

	plan := models.AllocationPlan{
		WorkflowID:         f.WorkflowID,
		ForecastRevision:   f.Revision,
		SafetyStockPct:     safetyStockPct,
		HoldbackPct:        holdbackPct,
		ManufacturingOrder: order,
		ManufacturingUnits: units,
		Clusters:           make([]models.ClusterAllocation, len(clusters)),
		CreatedAt:          time.Now().UTC(),
	}
	for i, c := range clusters {
		plan.Clusters[i] = models.ClusterAllocation{ClusterID: c.ID, Share: shares[i], Units: clusterUnits[i]}

		storeIDs := append([]string(nil), c.StoreIDs...)
		sort.Strings(storeIDs)
		factors := make([]float64, len(storeIDs))
		for j, id := range storeIDs {
			factors[j] = f.StoreAllocationFactor[id]
		}
		for j, season := range LargestRemainder(clusterUnits[i], factors) {
			initial := int64(math.Round(float64(season) * (1 - holdbackPct)))
			plan.Stores = append(plan.Stores, models.StoreAllocation{
				StoreID:           storeIDs[j],
				ClusterID:         c.ID,
				SeasonAllocation:  season,
				InitialAllocation: initial,
				DCHoldback:        season - initial,
			})
		}
	}
	return plan, nil
}

// LargestRemainder splits total into integer parts proportional to weights.
// The parts always sum to total; ties go to the lower index. Non-positive
// weight sums split evenly.
func LargestRemainder(total int64, weights []float64) []int64 {
	out := make([]int64, len(weights))
	if len(weights) == 0 || total <= 0 {
		return out
	}
	sum := 0.0
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	exact := make([]float64, len(weights))
	for i, w := range weights {
		switch {
		case sum <= 0:
			exact[i] = float64(total) / float64(len(weights))
		case w > 0:
			exact[i] = float64(total) * w / sum
		}
	}

	type remainder struct {
		index int
		frac  float64
	}
	rems := make([]remainder, len(weights))
	assigned := int64(0)
	for i, e := range exact {
		out[i] = int64(math.Floor(e))
		assigned += out[i]
		rems[i] = remainder{index: i, frac: e - math.Floor(e)}
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for k := int64(0); assigned < total; k++ {
		out[rems[k%int64(len(rems))].index]++
		assigned++
	}
	return out
}
