// Package markdown sizes in-season discounts from the sell-through gap at a
// checkpoint week.
package markdown

import (
	"fmt"
	"math"
	"time"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

const (
	DefaultElasticity = 2.0
	// Markdowns move in 5% steps up to 40%.
	stepsPerUnit = 20
	maxSteps     = 8
)

// MaxMarkdown is the deepest markdown ever recommended.
const MaxMarkdown = float64(maxSteps) / stepsPerUnit

// Input holds the checkpoint figures a markdown decision is made from.
type Input struct {
	CheckpointWeek     int
	ForecastRevision   int
	Threshold          float64
	CumulativeSold     float64
	ManufacturingOrder float64
	Elasticity         float64
	// UnitPrice values remaining inventory; 0 reports margin in units.
	UnitPrice float64
}

// Decide applies the gap x elasticity rule.
func Decide(in Input) (models.MarkdownDecision, error) {
	if in.ManufacturingOrder < 0 {
		return models.MarkdownDecision{}, fmt.Errorf("%w: manufacturing order must be >= 0", models.ErrInvalidParameters)
	}
	if in.Threshold < 0 || in.Threshold > 1 {
		return models.MarkdownDecision{}, fmt.Errorf("%w: markdown threshold must be within [0,1], got %v", models.ErrInvalidParameters, in.Threshold)
	}
	elasticity := in.Elasticity
	if elasticity == 0 {
		elasticity = DefaultElasticity
	}
	if elasticity < 0 {
		return models.MarkdownDecision{}, fmt.Errorf("%w: elasticity must be > 0, got %v", models.ErrInvalidParameters, elasticity)
	}

	// Nothing was ordered, so there is no stock to mark down.
	sellThrough, gap := 0.0, 0.0
	if in.ManufacturingOrder > 0 {
		sellThrough = in.CumulativeSold / in.ManufacturingOrder
		gap = math.Max(0, in.Threshold-sellThrough)
	}
	raw := gap * elasticity

	d := models.MarkdownDecision{
		CheckpointWeek:     in.CheckpointWeek,
		ForecastRevision:   in.ForecastRevision,
		Threshold:          in.Threshold,
		Elasticity:         elasticity,
		CumulativeSold:     in.CumulativeSold,
		ManufacturingOrder: in.ManufacturingOrder,
		SellThrough:        sellThrough,
		Gap:                gap,
		RawMarkdown:        raw,
		Decision:           models.MarkdownHold,
		CreatedAt:          time.Now().UTC(),
	}
	if gap > 0 {
		d.Decision = models.MarkdownApply
	}
	applyPct(&d, roundToStep(raw), in.UnitPrice)
	return d, nil
}

// Override replaces the recommended percentage with a reviewer-supplied
// value on the 5% grid and recomputes the impact figures.
func Override(d models.MarkdownDecision, pct, unitPrice float64) (models.MarkdownDecision, error) {
	steps := math.Round(pct * stepsPerUnit)
	if math.Abs(steps-pct*stepsPerUnit) > 1e-9 || steps < 0 || steps > maxSteps {
		return d, fmt.Errorf("%w: markdown_pct must be a multiple of 0.05 within [0,%.2f], got %v", models.ErrInvalidParameters, MaxMarkdown, pct)
	}
	out := d
	out.Decision = models.MarkdownHold
	if steps > 0 {
		out.Decision = models.MarkdownApply
	}
	applyPct(&out, steps/stepsPerUnit, unitPrice)
	out.Overridden = true
	out.Justification += fmt.Sprintf(" Reviewer set markdown to %.0f%%.", out.RecommendedMarkdownPct*100)
	return out, nil
}

func roundToStep(raw float64) float64 {
	steps := math.Round(raw * stepsPerUnit)
	if steps > maxSteps {
		steps = maxSteps
	}
	if steps < 0 {
		steps = 0
	}
	return steps / stepsPerUnit
}

func applyPct(d *models.MarkdownDecision, pct, unitPrice float64) {
	d.RecommendedMarkdownPct = pct
	d.ExpectedSellThroughLift = math.Min(d.Gap, pct/d.Elasticity)

	remaining := math.Max(0, d.ManufacturingOrder-d.CumulativeSold)
	if unitPrice > 0 {
		remaining *= unitPrice
	}
	d.EstimatedMarginReduction = pct * remaining
	d.Justification = justify(*d)
}

func justify(d models.MarkdownDecision) string {
	if d.ManufacturingOrder == 0 {
		return fmt.Sprintf("Week %d: no units on order; holding price.", d.CheckpointWeek)
	}
	if d.Decision == models.MarkdownHold && d.Gap > 0 {
		return fmt.Sprintf("Week %d sell-through %.1f%% is %.1f points below the %.1f%% target; holding price.",
			d.CheckpointWeek, d.SellThrough*100, d.Gap*100, d.Threshold*100)
	}
	if d.Decision == models.MarkdownHold {
		return fmt.Sprintf("Week %d sell-through %.1f%% meets the %.1f%% target; holding price.",
			d.CheckpointWeek, d.SellThrough*100, d.Threshold*100)
	}
	return fmt.Sprintf("Week %d sell-through %.1f%% is %.1f points below the %.1f%% target. "+
		"Gap %.3f x elasticity %.2f = %.3f, rounded to %.0f%% (cap %.0f%%). "+
		"Expected sell-through lift %.1f points; estimated margin reduction %.2f.",
		d.CheckpointWeek, d.SellThrough*100, d.Gap*100, d.Threshold*100,
		d.Gap, d.Elasticity, d.RawMarkdown, d.RecommendedMarkdownPct*100, MaxMarkdown*100,
		d.ExpectedSellThroughLift*100, d.EstimatedMarginReduction)
}
