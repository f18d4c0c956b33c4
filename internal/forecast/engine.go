// Package forecast produces category demand forecasts from an ensemble of
// strategies and splits them across clusters and stores.
package forecast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

// Input is everything one forecast run reads. None of it is mutated.
type Input struct {
	Category string
	// History holds prior-season sales. Week indexes ascend; the highest
	// index is the week immediately before the season.
	History []models.SalesRecord
	// Observed holds in-season actuals, Week being the 1-based season week.
	Observed      []models.SalesRecord
	ObservedWeeks int
	Stores        []models.Store
	Clusters      []models.StoreCluster
	Params        models.SeasonParameters
	Calendar      []models.CalendarEvent
	// MinHistoryWeeks of 0 means one full prior season.
	MinHistoryWeeks int
	// Progress, when set, receives coarse progress updates.
	Progress func(percent int, message string)
}

// Engine forecasts a category as the mean of its strategies' totals.
type Engine struct {
	strategies []Strategy
	now        func() time.Time
}

// NewEngine returns an Engine. With no strategies it uses DefaultStrategies.
func NewEngine(strategies ...Strategy) *Engine {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Engine{strategies: strategies, now: time.Now}
}

// Strategies returns the ensemble member names in evaluation order.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// Forecast runs the ensemble and derives the weekly curve, cluster
// distribution and store factors. The caller assigns workflow id and
// revision.
func (e *Engine) Forecast(ctx context.Context, in Input) (models.CategoryForecast, error) {
	horizon := in.Params.ForecastHorizonWeeks
	if horizon <= 0 {
		return models.CategoryForecast{}, fmt.Errorf("%w: forecast horizon must be > 0", models.ErrInvalidParameters)
	}
	if err := ValidateCalendar(in.Calendar, horizon); err != nil {
		return models.CategoryForecast{}, err
	}
	if in.ObservedWeeks < 0 || in.ObservedWeeks > horizon {
		return models.CategoryForecast{}, fmt.Errorf("%w: observed weeks %d outside season of %d weeks", models.ErrInvalidParameters, in.ObservedWeeks, horizon)
	}
	if len(in.Clusters) == 0 {
		return models.CategoryForecast{}, fmt.Errorf("%w: no store clusters", models.ErrInsufficientStores)
	}

	history := WeeklyTotals(in.History)
	minWeeks := in.MinHistoryWeeks
	if minWeeks <= 0 {
		minWeeks = horizon
	}
	if len(history) < minWeeks {
		return models.CategoryForecast{}, fmt.Errorf("%w: %d weeks of history, need %d", models.ErrInsufficientHistory, len(history), minWeeks)
	}
	observed := observedTotals(in.Observed, in.ObservedWeeks)
	in.report(20, fmt.Sprintf("aggregated %d history weeks and %d observed weeks", len(history), in.ObservedWeeks))

	remaining := horizon - in.ObservedWeeks
	series := Series{
		Values:  append(append([]float64(nil), history...), observed...),
		Horizon: remaining,
		Period:  horizon,
		Phase:   in.ObservedWeeks,
	}
	totals, err := e.runStrategies(ctx, series)
	if err != nil {
		return models.CategoryForecast{}, err
	}
	remainingTotal := 0.0
	for _, v := range totals {
		remainingTotal += v
	}
	if len(totals) > 0 {
		remainingTotal /= float64(len(totals))
	}
	in.report(60, fmt.Sprintf("ensemble of %d strategies forecast %.1f units for %d remaining weeks", len(totals), remainingTotal, remaining))

	curve := weeklyCurve(history, observed, horizon, in.Calendar, remainingTotal)
	total := 0.0
	for _, v := range curve {
		total += v
	}

	storeUnits := storeTotals(in.History, in.Observed, in.ObservedWeeks)
	clusters, shares := clusterDistribution(in.Clusters, in.Stores, storeUnits)
	factors := storeFactors(clusters, in.Stores, storeUnits)
	in.report(90, "derived cluster distribution and store factors")

	strategyTotals := make(map[string]float64, len(totals))
	for i, s := range e.strategies {
		strategyTotals[s.Name()] = totals[i]
	}

	return models.CategoryForecast{
		Category:              in.Category,
		TotalSeasonDemand:     total,
		WeeklyDemandCurve:     curve,
		ClusterDistribution:   shares,
		StoreAllocationFactor: factors,
		Clusters:              clusters,
		StrategyTotals:        strategyTotals,
		ObservedWeeks:         in.ObservedWeeks,
		CreatedAt:             e.now().UTC(),
	}, nil
}

func (e *Engine) runStrategies(ctx context.Context, series Series) ([]float64, error) {
	totals := make([]float64, len(e.strategies))
	if series.Horizon == 0 {
		return totals, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.strategies {
		i, s := i, s
		g.Go(func() error {
			v, err := s.ForecastTotal(gctx, series)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			totals[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (in Input) report(percent int, message string) {
	if in.Progress != nil {
		in.Progress(percent, message)
	}
}

// Rescale returns a copy of f whose curve is scaled proportionally to a new
// total. Distributions are unchanged.
func Rescale(f models.CategoryForecast, total float64) (models.CategoryForecast, error) {
	if total < 0 {
		return f, fmt.Errorf("%w: total_season_demand must be >= 0", models.ErrInvalidParameters)
	}
	out := f
	out.WeeklyDemandCurve = make([]float64, len(f.WeeklyDemandCurve))
	if f.TotalSeasonDemand > 0 {
		scale := total / f.TotalSeasonDemand
		for i, v := range f.WeeklyDemandCurve {
			out.WeeklyDemandCurve[i] = v * scale
		}
	} else if n := len(f.WeeklyDemandCurve); n > 0 {
		for i := range out.WeeklyDemandCurve {
			out.WeeklyDemandCurve[i] = total / float64(n)
		}
	}
	out.TotalSeasonDemand = total
	return out, nil
}

// ValidateCalendar checks calendar weeks fall inside the season and uplifts
// are non-negative.
func ValidateCalendar(events []models.CalendarEvent, horizon int) error {
	for _, ev := range events {
		if ev.Week < 1 || ev.Week > horizon {
			return fmt.Errorf("%w: calendar event week %d outside season", models.ErrInvalidParameters, ev.Week)
		}
		if ev.Uplift < 0 {
			return fmt.Errorf("%w: calendar event week %d has negative uplift", models.ErrInvalidParameters, ev.Week)
		}
	}
	return nil
}

// WeeklyTotals aggregates sales into a dense weekly series from the lowest
// to the highest week present. Missing weeks count as zero.
func WeeklyTotals(records []models.SalesRecord) []float64 {
	if len(records) == 0 {
		return nil
	}
	lo, hi := records[0].Week, records[0].Week
	for _, r := range records {
		if r.Week < lo {
			lo = r.Week
		}
		if r.Week > hi {
			hi = r.Week
		}
	}
	out := make([]float64, hi-lo+1)
	for _, r := range records {
		out[r.Week-lo] += r.Units
	}
	return out
}

// AverageWeeklySales returns each store's mean weekly units over the
// history window.
func AverageWeeklySales(records []models.SalesRecord) map[string]float64 {
	weeks := len(WeeklyTotals(records))
	out := make(map[string]float64)
	if weeks == 0 {
		return out
	}
	for _, r := range records {
		out[r.StoreID] += r.Units
	}
	for id := range out {
		out[id] /= float64(weeks)
	}
	return out
}

func observedTotals(records []models.SalesRecord, weeks int) []float64 {
	out := make([]float64, weeks)
	for _, r := range records {
		if r.Week >= 1 && r.Week <= weeks {
			out[r.Week-1] += r.Units
		}
	}
	return out
}

func storeTotals(history, observed []models.SalesRecord, observedWeeks int) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range history {
		out[r.StoreID] += r.Units
	}
	for _, r := range observed {
		if r.Week >= 1 && r.Week <= observedWeeks {
			out[r.StoreID] += r.Units
		}
	}
	return out
}

// weeklyCurve keeps observed weeks at their actual units and spreads the
// remaining total over the other weeks following the historical shape
// scaled by calendar uplift.
func weeklyCurve(history, observed []float64, horizon int, calendar []models.CalendarEvent, remainingTotal float64) []float64 {
	shape := make([]float64, horizon)
	counts := make([]int, horizon)
	n := len(history)
	for t, v := range history {
		pos := ((t-n)%horizon + horizon) % horizon
		shape[pos] += v
		counts[pos]++
	}
	uplift := make([]float64, horizon)
	for i := range uplift {
		uplift[i] = 1
	}
	for _, ev := range calendar {
		uplift[ev.Week-1] *= ev.Uplift
	}

	curve := make([]float64, horizon)
	copy(curve, observed)

	k := len(observed)
	weights := make([]float64, horizon)
	sum := 0.0
	for w := k; w < horizon; w++ {
		if counts[w] > 0 {
			weights[w] = shape[w] / float64(counts[w]) * uplift[w]
		}
		sum += weights[w]
	}
	if sum == 0 {
		for w := k; w < horizon; w++ {
			weights[w] = uplift[w]
			sum += weights[w]
		}
	}
	if sum == 0 {
		for w := k; w < horizon; w++ {
			weights[w] = 1
			sum++
		}
	}
	for w := k; w < horizon; w++ {
		curve[w] = remainingTotal * weights[w] / sum
	}
	return curve
}

func clusterDistribution(in []models.StoreCluster, stores []models.Store, units map[string]float64) ([]models.StoreCluster, map[string]float64) {
	byID := storeIndex(stores)
	clusters := make([]models.StoreCluster, len(in))
	histUnits := make([]float64, len(in))
	capacity := make([]float64, len(in))
	var totalUnits, totalCapacity float64
	for i, c := range in {
		clusters[i] = c
		clusters[i].StoreIDs = append([]string(nil), c.StoreIDs...)
		sort.Strings(clusters[i].StoreIDs)
		for _, id := range c.StoreIDs {
			histUnits[i] += units[id]
			capacity[i] += byID[id].CapacityScore()
		}
		totalUnits += histUnits[i]
		totalCapacity += capacity[i]
	}

	attrShare := func(i int) float64 {
		if totalCapacity == 0 {
			return 1 / float64(len(clusters))
		}
		return capacity[i] / totalCapacity
	}

	reserved := 0.0
	for i := range clusters {
		if histUnits[i] == 0 || totalUnits == 0 {
			reserved += attrShare(i)
		}
	}
	shares := make(map[string]float64, len(clusters))
	for i := range clusters {
		share := attrShare(i)
		if histUnits[i] > 0 && totalUnits > 0 {
			share = (1 - reserved) * histUnits[i] / totalUnits
		}
		clusters[i].DemandShare = share
		shares[clusters[i].ID] = share
	}
	return clusters, shares
}

const (
	historyWeight   = 0.7
	attributeWeight = 0.3
)

func storeFactors(clusters []models.StoreCluster, stores []models.Store, units map[string]float64) map[string]float64 {
	byID := storeIndex(stores)
	factors := make(map[string]float64)
	for _, c := range clusters {
		var clusterUnits, clusterCapacity float64
		for _, id := range c.StoreIDs {
			clusterUnits += units[id]
			clusterCapacity += byID[id].CapacityScore()
		}
		raw := make(map[string]float64, len(c.StoreIDs))
		sum := 0.0
		for _, id := range c.StoreIDs {
			capShare := 1 / float64(len(c.StoreIDs))
			if clusterCapacity > 0 {
				capShare = byID[id].CapacityScore() / clusterCapacity
			}
			v := capShare
			if units[id] > 0 && clusterUnits > 0 {
				v = historyWeight*units[id]/clusterUnits + attributeWeight*capShare
			}
			raw[id] = v
			sum += v
		}
		for id, v := range raw {
			if sum > 0 {
				factors[id] = v / sum
			} else {
				factors[id] = 1 / float64(len(raw))
			}
		}
	}
	return factors
}

func storeIndex(stores []models.Store) map[string]models.Store {
	out := make(map[string]models.Store, len(stores))
	for _, s := range stores {
		out[s.ID] = s
	}
	return out
}
