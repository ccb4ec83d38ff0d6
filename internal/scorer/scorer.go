// Package scorer derives severity tiers and RICE priority scores from
// aggregated signal statistics.
package scorer

import (
	"math"

	"github.com/pulselab/signalpulse/internal/models"
)

// Severity is the tier assigned to a body of negative feedback.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifySeverity maps average sentiment and total intensity to a tier.
// Thresholds are ordered; the first match wins, and every input pair lands
// in exactly one tier.
func ClassifySeverity(avgSentiment, totalIntensity float64) Severity {
	switch {
	case avgSentiment <= -0.7 && totalIntensity >= 100:
		return SeverityCritical
	case (avgSentiment <= -0.5 && totalIntensity >= 75) ||
		(avgSentiment <= -0.7 && totalIntensity >= 50):
		return SeverityHigh
	case (avgSentiment <= -0.3 && totalIntensity >= 30) ||
		(avgSentiment <= -0.5 && totalIntensity >= 20):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RICE computes (reach x impact x confidence) / effort, rounded to one
// decimal. Zero effort yields 0 rather than a division error.
func RICE(reach float64, impact int, confidence, effort float64) float64 {
	if effort == 0 {
		return 0
	}
	score := (reach * float64(impact) * confidence) / effort
	return math.Round(score*10) / 10
}

// baseImpact is the fixed per-area impact lookup.
var baseImpact = map[string]int{
	"Network":       9,
	"Billing":       8,
	"Home Internet": 7,
	"Mobile App":    6,
}

const defaultBaseImpact = 5

// Impact derives an impact score in [1, 10] from the product area and the
// average sentiment of the backing signals.
func Impact(productAreaName string, avgSentiment float64) int {
	impact, ok := baseImpact[productAreaName]
	if !ok {
		impact = defaultBaseImpact
	}
	switch {
	case avgSentiment <= -0.7:
		impact += 2
	case avgSentiment <= -0.4:
		impact++
	}
	if impact > 10 {
		impact = 10
	}
	return impact
}

// Classification is the scored summary for a candidate opportunity.
type Classification struct {
	Severity  Severity `json:"severity"`
	Reach     float64  `json:"reach"`
	Impact    int      `json:"impact"`
	RICEScore float64  `json:"rice_score"`
}

// Classify aggregates the backing signals and scores the opportunity.
// Reach is the summed intensity (absent intensities default to 1 at the
// ingestion boundary; a zero here is treated the same way). Signals with
// negative intensity are ignored and sentiments clamped, per the
// invariant-violation policy.
func Classify(signals []models.Signal, productAreaName string, effort, confidence float64) Classification {
	var reach, sentimentSum float64
	var counted int
	for _, sig := range signals {
		if sig.Intensity < 0 {
			continue
		}
		intensity := sig.Intensity
		if intensity == 0 {
			intensity = 1
		}
		reach += intensity
		sentimentSum += math.Max(-1, math.Min(1, sig.Sentiment))
		counted++
	}

	var avgSentiment float64
	if counted > 0 {
		avgSentiment = sentimentSum / float64(counted)
	}

	impact := Impact(productAreaName, avgSentiment)
	return Classification{
		Severity:  ClassifySeverity(avgSentiment, reach),
		Reach:     reach,
		Impact:    impact,
		RICEScore: RICE(reach, impact, confidence, effort),
	}
}
