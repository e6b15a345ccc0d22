package billing

import (
	"context"
	"math"
	"strconv"
)

// Anomaly describes where a candidate cost sits against recent history.
type Anomaly struct {
	Flagged bool
	ZScore  float64
	Mean    float64
	StdDev  float64
	Samples int
}

// CheckAnomaly scores cost against the user's finalized-cost history. It
// never rejects a request; with fewer than the minimum samples it reports
// nothing. An error means the history could not be read.
func (g *Guard) CheckAnomaly(ctx context.Context, userID string, cost float64) (Anomaly, error) {
	raw, err := g.store.Range(ctx, historyKey(userID))
	if err != nil {
		return Anomaly{}, storeError(err)
	}

	values := make([]float64, 0, len(raw))
	for _, r := range raw {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}

	a := Anomaly{Samples: len(values)}
	if len(values) < g.cfg.AnomalyMinSamples {
		return a, nil
	}

	a.Mean, a.StdDev = meanStddev(values)
	a.ZScore = zScore(cost, a.Mean, a.StdDev)
	a.Flagged = a.ZScore > g.cfg.AnomalyZScore
	return a, nil
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// zScore returns (value-mean)/stddev. A flat history makes any different
// value infinitely unusual, and an identical one not unusual at all.
func zScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		switch {
		case value > mean:
			return math.Inf(1)
		case value < mean:
			return math.Inf(-1)
		}
		return 0
	}
	return (value - mean) / stddev
}
