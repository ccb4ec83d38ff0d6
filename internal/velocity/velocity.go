// Package velocity classifies topic trajectories over a rolling lookback
// split at its midpoint, and projects intensity for early warnings.
package velocity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pulselab/signalpulse/internal/models"
)

// Trajectory classifies how a topic's intensity is moving.
type Trajectory string

const (
	Growing   Trajectory = "growing"
	Stable    Trajectory = "stable"
	Declining Trajectory = "declining"
)

// SignalSource is the read surface the detector needs from the signal store.
type SignalSource interface {
	SignalsBetween(ctx context.Context, from, to time.Time, productAreaID string) ([]models.Signal, error)
}

// AreaSource resolves product-area reference data.
type AreaSource interface {
	ListProductAreas() ([]models.ProductArea, error)
}

// Config tunes the detector.
type Config struct {
	LookbackHours     int
	GrowthThreshold   float64
	CriticalIntensity float64
	HorizonHours      float64
	UsersPerIntensity float64
	Now               func() time.Time
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		LookbackHours:     24,
		GrowthThreshold:   2.0,
		CriticalIntensity: 100.0,
		HorizonHours:      24.0,
		UsersPerIntensity: 50.0,
		Now:               time.Now,
	}
}

// Detector computes velocity classifications from the signal store.
type Detector struct {
	source SignalSource
	areas  AreaSource
	config Config
}

// New creates a velocity detector.
func New(source SignalSource, areas AreaSource, config Config) *Detector {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LookbackHours < 2 {
		config.LookbackHours = DefaultConfig().LookbackHours
	}
	return &Detector{source: source, areas: areas, config: config}
}

// AreaVelocity aggregates topic trajectories for one product area.
type AreaVelocity struct {
	ProductAreaID   string `json:"product_area_id"`
	ProductAreaName string `json:"product_area_name"`
	Growing         int    `json:"growing"`
	Stable          int    `json:"stable"`
	Declining       int    `json:"declining"`
}

// TopicWarning is the per-topic early-warning projection. The projections
// extrapolate the observed hourly velocity; they are estimates, not
// measurements.
type TopicWarning struct {
	Topic               string     `json:"topic"`
	ProductAreaID       string     `json:"product_area_id"`
	ProductAreaName     string     `json:"product_area_name"`
	Trajectory          Trajectory `json:"trajectory"`
	VelocityPerHour     float64    `json:"velocity_per_hour"`
	CurrentIntensity    float64    `json:"current_intensity"`
	ProjectedIntensity  float64    `json:"projected_intensity"`
	EstimatedUsers      int        `json:"estimated_users"`
	TimeToCriticalHours *float64   `json:"time_to_critical_hours,omitempty"`
}

// bucket holds the split-window intensities for one (topic, area) group.
type bucket struct {
	key     models.TopicKey
	earlier []float64
	recent  []float64
}

// Detect returns per-area counts of growing/stable/declining topics over
// the lookback window.
func (d *Detector) Detect(ctx context.Context, lookbackHours int) ([]AreaVelocity, error) {
	buckets, err := d.collect(ctx, lookbackHours)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]*AreaVelocity)
	for _, b := range buckets {
		av, ok := counts[b.key.ProductAreaID]
		if !ok {
			av = &AreaVelocity{ProductAreaID: b.key.ProductAreaID}
			counts[b.key.ProductAreaID] = av
		}
		switch d.classify(b) {
		case Growing:
			av.Growing++
		case Declining:
			av.Declining++
		default:
			av.Stable++
		}
	}

	names := d.areaNames()
	result := make([]AreaVelocity, 0, len(counts))
	for _, av := range counts {
		av.ProductAreaName = names[av.ProductAreaID]
		result = append(result, *av)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProductAreaName < result[j].ProductAreaName
	})
	return result, nil
}

// Warnings returns the per-topic projections for topics currently growing,
// ordered most urgent first.
func (d *Detector) Warnings(ctx context.Context) ([]TopicWarning, error) {
	buckets, err := d.collect(ctx, d.config.LookbackHours)
	if err != nil {
		return nil, err
	}

	halfHours := float64(d.config.LookbackHours) / 2
	names := d.areaNames()

	var warnings []TopicWarning
	for _, b := range buckets {
		if d.classify(b) != Growing {
			continue
		}
		velocityPerHour := d.velocityChange(b) / halfHours
		current := sum(b.recent)
		projected := current + velocityPerHour*d.config.HorizonHours
		w := TopicWarning{
			Topic:              b.key.Topic,
			ProductAreaID:      b.key.ProductAreaID,
			ProductAreaName:    names[b.key.ProductAreaID],
			Trajectory:         Growing,
			VelocityPerHour:    velocityPerHour,
			CurrentIntensity:   current,
			ProjectedIntensity: projected,
			EstimatedUsers:     int(math.Round(projected * d.config.UsersPerIntensity)),
		}
		if velocityPerHour > 0 {
			hours := math.Max(0, (d.config.CriticalIntensity-current)/velocityPerHour)
			w.TimeToCriticalHours = &hours
		}
		warnings = append(warnings, w)
	}

	sort.Slice(warnings, func(i, j int) bool {
		ti, tj := warnings[i].TimeToCriticalHours, warnings[j].TimeToCriticalHours
		switch {
		case ti != nil && tj != nil && *ti != *tj:
			return *ti < *tj
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return warnings[i].ProjectedIntensity > warnings[j].ProjectedIntensity
	})
	return warnings, nil
}

// collect groups lookback signals by (topic, area) and splits each group's
// intensities at the window midpoint.
func (d *Detector) collect(ctx context.Context, lookbackHours int) ([]bucket, error) {
	if lookbackHours < 2 {
		lookbackHours = d.config.LookbackHours
	}
	now := d.config.Now()
	from := now.Add(-time.Duration(lookbackHours) * time.Hour)
	mid := now.Add(-time.Duration(lookbackHours) * time.Hour / 2)

	signals, err := d.source.SignalsBetween(ctx, from, time.Time{}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lookback signals: %w", err)
	}

	groups := make(map[models.TopicKey]*bucket)
	for _, sig := range signals {
		if sig.Intensity < 0 {
			continue
		}
		key := models.NewTopicKey(sig.Topic, sig.ProductAreaID)
		b, ok := groups[key]
		if !ok {
			b = &bucket{key: key}
			groups[key] = b
		}
		if sig.DetectedAt.Before(mid) {
			b.earlier = append(b.earlier, sig.Intensity)
		} else {
			b.recent = append(b.recent, sig.Intensity)
		}
	}

	buckets := make([]bucket, 0, len(groups))
	for _, b := range groups {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].key.ProductAreaID != buckets[j].key.ProductAreaID {
			return buckets[i].key.ProductAreaID < buckets[j].key.ProductAreaID
		}
		return buckets[i].key.Topic < buckets[j].key.Topic
	})
	return buckets, nil
}

// classify applies the split-window rules: a new issue (recent only) is
// growing, a quiet issue (earlier only) is declining, otherwise compare
// average intensities against the growth threshold.
func (d *Detector) classify(b bucket) Trajectory {
	switch {
	case len(b.recent) > 0 && len(b.earlier) == 0:
		return Growing
	case len(b.recent) == 0 && len(b.earlier) > 0:
		return Declining
	case len(b.recent) == 0 && len(b.earlier) == 0:
		return Stable
	}
	change := d.velocityChange(b)
	switch {
	case change > d.config.GrowthThreshold:
		return Growing
	case change < -d.config.GrowthThreshold:
		return Declining
	default:
		return Stable
	}
}

// velocityChange is avg(recent) - avg(earlier); one-sided groups fall back
// to the present side's average (an empty side contributes 0).
func (d *Detector) velocityChange(b bucket) float64 {
	var earlierAvg, recentAvg float64
	if len(b.earlier) > 0 {
		earlierAvg = sum(b.earlier) / float64(len(b.earlier))
	}
	if len(b.recent) > 0 {
		recentAvg = sum(b.recent) / float64(len(b.recent))
	}
	return recentAvg - earlierAvg
}

func (d *Detector) areaNames() map[string]string {
	names := map[string]string{}
	if d.areas == nil {
		return names
	}
	areas, err := d.areas.ListProductAreas()
	if err != nil {
		return names
	}
	for _, pa := range areas {
		names[pa.ID] = pa.Name
	}
	return names
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
