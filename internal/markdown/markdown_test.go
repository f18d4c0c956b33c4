package markdown_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/markdown"
	"github.com/ILLUVRSE/season-planner/internal/models"
)

func TestDecideCheckpointBelowTarget(t *testing.T) {
	d, err := markdown.Decide(markdown.Input{
		CheckpointWeek:     6,
		Threshold:          0.60,
		CumulativeSold:     500,
		ManufacturingOrder: 1000,
		Elasticity:         2.0,
		UnitPrice:          40,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.50, d.SellThrough, 1e-12)
	assert.InDelta(t, 0.10, d.Gap, 1e-12)
	assert.InDelta(t, 0.20, d.RawMarkdown, 1e-12)
	assert.Equal(t, 0.20, d.RecommendedMarkdownPct)
	assert.Equal(t, models.MarkdownApply, d.Decision)
	assert.InDelta(t, 0.10, d.ExpectedSellThroughLift, 1e-12)
	assert.InDelta(t, 0.20*500*40, d.EstimatedMarginReduction, 1e-6)
	assert.Contains(t, d.Justification, "rounded to 20%")
}

func TestDecideHoldWhenOnTarget(t *testing.T) {
	d, err := markdown.Decide(markdown.Input{
		CheckpointWeek:     6,
		Threshold:          0.60,
		CumulativeSold:     700,
		ManufacturingOrder: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MarkdownHold, d.Decision)
	assert.Zero(t, d.Gap)
	assert.Zero(t, d.RecommendedMarkdownPct)
	assert.Equal(t, markdown.DefaultElasticity, d.Elasticity)
}

func TestDecidePercentOnGridAndCapped(t *testing.T) {
	for sold := 0.0; sold <= 1000; sold += 37 {
		for _, elasticity := range []float64{0.5, 1, 2, 3.7, 10} {
			d, err := markdown.Decide(markdown.Input{
				Threshold:          0.9,
				CumulativeSold:     sold,
				ManufacturingOrder: 1000,
				Elasticity:         elasticity,
			})
			require.NoError(t, err)
			steps := d.RecommendedMarkdownPct * 20
			assert.InDelta(t, math.Round(steps), steps, 1e-9)
			assert.GreaterOrEqual(t, d.RecommendedMarkdownPct, 0.0)
			assert.LessOrEqual(t, d.RecommendedMarkdownPct, markdown.MaxMarkdown)
			assert.Equal(t, d.Gap == 0, d.Decision == models.MarkdownHold)
		}
	}
}

func TestDecideHoldsWithoutOrder(t *testing.T) {
	d, err := markdown.Decide(markdown.Input{CheckpointWeek: 2, Threshold: 0.6, Elasticity: 2})
	require.NoError(t, err)
	assert.Equal(t, models.MarkdownHold, d.Decision)
	assert.Zero(t, d.SellThrough)
	assert.Zero(t, d.Gap)
	assert.Zero(t, d.RecommendedMarkdownPct)
	assert.Zero(t, d.EstimatedMarginReduction)
	assert.Contains(t, d.Justification, "no units on order")
}

func TestDecideRejectsInvalidInput(t *testing.T) {
	_, err := markdown.Decide(markdown.Input{Threshold: 0.5, ManufacturingOrder: -1})
	assert.ErrorIs(t, err, models.ErrInvalidParameters)
	_, err = markdown.Decide(markdown.Input{Threshold: 1.5, ManufacturingOrder: 10})
	assert.ErrorIs(t, err, models.ErrInvalidParameters)
}

func TestOverride(t *testing.T) {
	d, err := markdown.Decide(markdown.Input{
		CheckpointWeek:     6,
		Threshold:          0.60,
		CumulativeSold:     500,
		ManufacturingOrder: 1000,
		Elasticity:         2.0,
	})
	require.NoError(t, err)

	out, err := markdown.Override(d, 0.15, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.15, out.RecommendedMarkdownPct)
	assert.True(t, out.Overridden)
	assert.InDelta(t, 0.15*500, out.EstimatedMarginReduction, 1e-9)

	assert.Equal(t, models.MarkdownApply, out.Decision)

	held, err := markdown.Override(d, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.MarkdownHold, held.Decision)
	assert.Zero(t, held.EstimatedMarginReduction)
	assert.Contains(t, held.Justification, "holding price")

	hold, err := markdown.Decide(markdown.Input{Threshold: 0.6, CumulativeSold: 700, ManufacturingOrder: 1000})
	require.NoError(t, err)
	raised, err := markdown.Override(hold, 0.10, 0)
	require.NoError(t, err)
	assert.Equal(t, models.MarkdownApply, raised.Decision)

	_, err = markdown.Override(d, 0.12, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameters)
	_, err = markdown.Override(d, 0.45, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameters)
}
