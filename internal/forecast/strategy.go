package forecast

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

// Series is the aggregated weekly category history handed to a strategy.
type Series struct {
	Values  []float64
	Horizon int
	Period  int
	// Phase is the seasonal position of the first forecast week.
	Phase int
}

// position maps a series index onto its seasonal slot.
func (s Series) position(t int) int {
	p := s.Period
	if p < 1 {
		p = 1
	}
	return ((t-len(s.Values)+s.Phase)%p + p) % p
}

// Strategy estimates total demand over the next Horizon weeks.
type Strategy interface {
	Name() string
	ForecastTotal(ctx context.Context, s Series) (float64, error)
}

// AdditiveSeasonality fits a linear trend and adds the mean residual of
// each seasonal position.
type AdditiveSeasonality struct{}

func (AdditiveSeasonality) Name() string { return "additive_seasonality" }

func (AdditiveSeasonality) ForecastTotal(ctx context.Context, s Series) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := len(s.Values)
	if n == 0 {
		return 0, fmt.Errorf("%w: empty series", models.ErrInsufficientHistory)
	}
	period := s.Period
	if period < 1 {
		period = 1
	}

	var alpha, beta float64
	if n >= 2 {
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = float64(i)
		}
		alpha, beta = stat.LinearRegression(xs, s.Values, nil, false)
	} else {
		alpha = s.Values[0]
	}

	sums := make([]float64, period)
	counts := make([]int, period)
	for t, v := range s.Values {
		pos := s.position(t)
		sums[pos] += v - (alpha + beta*float64(t))
		counts[pos]++
	}

	total := 0.0
	for h := 0; h < s.Horizon; h++ {
		t := n + h
		v := alpha + beta*float64(t)
		if pos := s.position(t); counts[pos] > 0 {
			v += sums[pos] / float64(counts[pos])
		}
		if v > 0 {
			total += v
		}
	}
	return total, nil
}

// Autoregressive is an AR(1) model estimated with Yule-Walker; forecasts
// revert to the series mean.
type Autoregressive struct{}

func (Autoregressive) Name() string { return "autoregressive" }

const maxPhi = 0.99

func (Autoregressive) ForecastTotal(ctx context.Context, s Series) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := len(s.Values)
	if n == 0 {
		return 0, fmt.Errorf("%w: empty series", models.ErrInsufficientHistory)
	}
	mu := stat.Mean(s.Values, nil)

	var num, den float64
	for t, v := range s.Values {
		d := v - mu
		den += d * d
		if t > 0 {
			num += d * (s.Values[t-1] - mu)
		}
	}
	phi := 0.0
	if den > 0 {
		phi = num / den
	}
	if phi > maxPhi {
		phi = maxPhi
	} else if phi < -maxPhi {
		phi = -maxPhi
	}

	dev := s.Values[n-1] - mu
	total := 0.0
	for h := 0; h < s.Horizon; h++ {
		dev *= phi
		if v := mu + dev; v > 0 {
			total += v
		}
	}
	return total, nil
}

// DefaultStrategies returns the ensemble members used when none are supplied.
func DefaultStrategies() []Strategy {
	return []Strategy{AdditiveSeasonality{}, Autoregressive{}}
}
