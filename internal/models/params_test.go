package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

func validParams() models.SeasonParameters {
	week := 6
	threshold := 0.6
	start := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	return models.SeasonParameters{
		ForecastHorizonWeeks:   12,
		SeasonStartDate:        start,
		SeasonEndDate:          start.AddDate(0, 0, 12*7),
		ReplenishmentStrategy:  models.ReplenishmentWeekly,
		DCHoldbackPercentage:   0.45,
		MarkdownCheckpointWeek: &week,
		MarkdownThreshold:      &threshold,
	}
}

func TestSeasonParametersValidate(t *testing.T) {
	assert.NoError(t, validParams().Validate())

	noMarkdown := validParams()
	noMarkdown.MarkdownCheckpointWeek = nil
	noMarkdown.MarkdownThreshold = nil
	assert.NoError(t, noMarkdown.Validate())
	assert.False(t, noMarkdown.HasMarkdownCheckpoint())

	cases := map[string]func(p *models.SeasonParameters){
		"zero horizon":        func(p *models.SeasonParameters) { p.ForecastHorizonWeeks = 0 },
		"end before start":    func(p *models.SeasonParameters) { p.SeasonEndDate = p.SeasonStartDate.AddDate(0, 0, -1) },
		"missing strategy":    func(p *models.SeasonParameters) { p.ReplenishmentStrategy = "" },
		"unknown strategy":    func(p *models.SeasonParameters) { p.ReplenishmentStrategy = "daily" },
		"holdback above one":  func(p *models.SeasonParameters) { p.DCHoldbackPercentage = 1.2 },
		"negative holdback":   func(p *models.SeasonParameters) { p.DCHoldbackPercentage = -0.1 },
		"checkpoint too late": func(p *models.SeasonParameters) { w := 13; p.MarkdownCheckpointWeek = &w },
		"threshold missing":   func(p *models.SeasonParameters) { p.MarkdownThreshold = nil },
		"threshold only":      func(p *models.SeasonParameters) { p.MarkdownCheckpointWeek = nil },
		"threshold above one": func(p *models.SeasonParameters) { v := 1.5; p.MarkdownThreshold = &v },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)
			err := p.Validate()
			assert.True(t, errors.Is(err, models.ErrInvalidParameters), "got %v", err)
		})
	}
}

func TestReplenishmentDue(t *testing.T) {
	p := validParams()
	assert.False(t, p.ReplenishmentDue(1))
	assert.True(t, p.ReplenishmentDue(2))
	assert.True(t, p.ReplenishmentDue(3))

	p.ReplenishmentStrategy = models.ReplenishmentBiweekly
	var due []int
	for w := 1; w <= 8; w++ {
		if p.ReplenishmentDue(w) {
			due = append(due, w)
		}
	}
	assert.Equal(t, []int{3, 5, 7}, due)

	p.ReplenishmentStrategy = models.ReplenishmentNone
	assert.False(t, p.ReplenishmentDue(4))
}

func TestOptionsWithDefaults(t *testing.T) {
	defaults := models.WorkflowOptions{
		SafetyStockPct:    models.Ptr(0.1),
		VarianceThreshold: 0.2,
		Elasticity:        2,
		ClusterCount:      3,
		ClusterSeed:       42,
		UnitPrice:         1,
	}
	got := models.WorkflowOptions{ClusterCount: 2}.WithDefaults(defaults)
	assert.Equal(t, 2, got.ClusterCount)
	assert.Equal(t, 0.1, got.SafetyStock())
	assert.NoError(t, got.Validate())

	explicit := models.WorkflowOptions{SafetyStockPct: models.Ptr(0.0)}.WithDefaults(defaults)
	assert.Zero(t, explicit.SafetyStock())
	require.NotNil(t, explicit.SafetyStockPct)
	assert.Zero(t, models.WorkflowOptions{}.SafetyStock())

	bad := got
	bad.Elasticity = -1
	assert.ErrorIs(t, bad.Validate(), models.ErrInvalidParameters)
}

func TestCapacityScore(t *testing.T) {
	s := models.Store{Attributes: models.StoreAttributes{SizeSqFt: 1000, CategoryFitTier: 2, LocationTier: 1}}
	assert.InDelta(t, 1000*1.2*1.05, s.CapacityScore(), 1e-9)

	unknown := models.Store{}
	assert.InDelta(t, 1.0, unknown.CapacityScore(), 1e-9)
}
