// Package closeloop monitors whether sentiment actually recovered after an
// opportunity was marked done: it captures a baseline at the done
// transition and re-evaluates recent signals against it for a bounded
// window, classifying recovered / monitoring / not-recovered.
package closeloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulselab/signalpulse/internal/logger"
	"github.com/pulselab/signalpulse/internal/models"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence surface the monitor needs. Each opportunity's
// close-loop write must be atomic; overlapping passes resolve as last
// write wins, which is safe because every pass recomputes from the store.
type Store interface {
	DueForMonitoring(ctx context.Context, now time.Time, window time.Duration) ([]models.OpportunityCard, error)
	GetOpportunity(id string) (*models.OpportunityCard, error)
	SignalsByTopicSince(ctx context.Context, topic, productAreaID string, since time.Time) ([]models.Signal, error)
	SaveCloseLoop(ctx context.Context, id string, cl *models.CloseLoopData) error
}

// Config tunes the monitor.
type Config struct {
	MonitorWindow     time.Duration
	SentimentRecovery float64
	IntensityDropPct  float64
	Workers           int
	TimelineMax       int
	Now               func() time.Time
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		MonitorWindow:     72 * time.Hour,
		SentimentRecovery: 0.2,
		IntensityDropPct:  50.0,
		Workers:           4,
		TimelineMax:       10,
		Now:               time.Now,
	}
}

// Monitor drives close-the-loop passes over the opportunity store.
type Monitor struct {
	store  Store
	config Config
}

// New creates a close-the-loop monitor.
func New(store Store, config Config) *Monitor {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MonitorWindow <= 0 {
		config.MonitorWindow = DefaultConfig().MonitorWindow
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.TimelineMax < 1 {
		config.TimelineMax = DefaultConfig().TimelineMax
	}
	return &Monitor{store: store, config: config}
}

// Summary reports one pass over the monitored opportunities.
type Summary struct {
	Monitored       int            `json:"monitored"`
	Total           int            `json:"total"`
	StatusBreakdown map[string]int `json:"status_breakdown"`
}

// CaptureBaseline snapshots the evidence set at the done transition:
// mean sentiment, summed intensity, and signal count, with monitoring
// started. Returns false when the evidence set is empty, in which case no
// monitoring begins.
func CaptureBaseline(signals []models.Signal) (*models.CloseLoopData, bool) {
	obs, ok := observe(signals)
	if !ok {
		return nil, false
	}
	return &models.CloseLoopData{
		Status: models.CloseLoopMonitoring,
		RecoveryMetrics: models.RecoveryMetrics{
			BeforeSentiment:   obs.Sentiment,
			AfterSentiment:    obs.Sentiment,
			BeforeIntensity:   obs.Intensity,
			AfterIntensity:    obs.Intensity,
			BeforeSignalCount: obs.Count,
			AfterSignalCount:  obs.Count,
		},
		Timeline: []models.TimelineSample{},
	}, true
}

// Classify decides the close-loop status from the before/after metrics and
// the elapsed time. It reads no clocks: now is a parameter.
func (c Config) Classify(now, markedDoneAt time.Time, m models.RecoveryMetrics) string {
	sentimentChange := m.AfterSentiment - m.BeforeSentiment
	var intensityDropPct float64
	if m.BeforeIntensity != 0 {
		intensityDropPct = (m.BeforeIntensity - m.AfterIntensity) / m.BeforeIntensity * 100
	}
	switch {
	case sentimentChange >= c.SentimentRecovery || intensityDropPct >= c.IntensityDropPct:
		return models.CloseLoopRecovered
	case now.Sub(markedDoneAt) <= c.MonitorWindow:
		return models.CloseLoopMonitoring
	default:
		return models.CloseLoopNotRecovered
	}
}

// RunPass re-evaluates every opportunity still inside the monitoring
// window. Opportunities are independent, so they run on a bounded worker
// pool; a store failure on one is logged and skipped rather than aborting
// the batch. Terminal opportunities are counted but not re-evaluated.
func (m *Monitor) RunPass(ctx context.Context) (Summary, error) {
	now := m.config.Now()
	cards, err := m.store.DueForMonitoring(ctx, now, m.config.MonitorWindow)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to select opportunities: %w", err)
	}

	summary := Summary{
		Total: len(cards),
		StatusBreakdown: map[string]int{
			models.CloseLoopRecovered:    0,
			models.CloseLoopMonitoring:   0,
			models.CloseLoopNotRecovered: 0,
		},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Workers)
	for _, card := range cards {
		if gctx.Err() != nil {
			break
		}
		card := card
		g.Go(func() error {
			status, evaluated, err := m.evaluate(gctx, card, now, false)
			if err != nil {
				logger.Warn("skipping opportunity in close-loop pass",
					"opportunity", card.ID, "error", err)
				return nil
			}
			mu.Lock()
			summary.StatusBreakdown[status]++
			if evaluated {
				summary.Monitored++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	logger.Info("close-loop pass completed",
		"total", summary.Total,
		"monitored", summary.Monitored,
		"recovered", summary.StatusBreakdown[models.CloseLoopRecovered],
		"monitoring", summary.StatusBreakdown[models.CloseLoopMonitoring],
		"not_recovered", summary.StatusBreakdown[models.CloseLoopNotRecovered])
	return summary, nil
}

// Reevaluate recomputes one opportunity on demand, even outside the 72h
// selection window or after an automated not-recovered. A recovered status
// is terminal and is never downgraded.
func (m *Monitor) Reevaluate(ctx context.Context, opportunityID string) (string, error) {
	card, err := m.store.GetOpportunity(opportunityID)
	if err != nil {
		return "", err
	}
	status, _, err := m.evaluate(ctx, *card, m.config.Now(), true)
	return status, err
}

// evaluate runs one monitor step for one opportunity. It recomputes the
// after-metrics from the store and fully overwrites the persisted state,
// so repeated runs on unchanged data are idempotent. Returns the resulting
// status and whether a re-evaluation actually happened.
func (m *Monitor) evaluate(ctx context.Context, card models.OpportunityCard, now time.Time, force bool) (string, bool, error) {
	if card.CloseLoop == nil || card.MarkedDoneAt == nil {
		return "", false, fmt.Errorf("opportunity has no close-loop state: %s", card.ID)
	}
	prev := card.CloseLoop

	// Recovered is terminal. Not-recovered is terminal for the periodic
	// job but may be re-run manually.
	if prev.Status == models.CloseLoopRecovered {
		return models.CloseLoopRecovered, false, nil
	}
	if prev.Status == models.CloseLoopNotRecovered && !force {
		return models.CloseLoopNotRecovered, false, nil
	}

	signals, err := m.store.SignalsByTopicSince(ctx, card.Topic, card.ProductAreaID, *card.MarkedDoneAt)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch post-done signals: %w", err)
	}

	metrics := prev.RecoveryMetrics
	if obs, ok := observe(signals); ok {
		metrics.AfterSentiment = obs.Sentiment
		metrics.AfterIntensity = obs.Intensity
		metrics.AfterSignalCount = obs.Count
	} else {
		// Silence is not a regression: keep the baseline sentiment,
		// report zero intensity.
		metrics.AfterSentiment = metrics.BeforeSentiment
		metrics.AfterIntensity = 0
		metrics.AfterSignalCount = 0
	}

	status := m.config.Classify(now, *card.MarkedDoneAt, metrics)
	updated := &models.CloseLoopData{
		Status:          status,
		RecoveryMetrics: metrics,
		Timeline: appendTimeline(prev.Timeline, models.TimelineSample{
			Timestamp: now,
			Sentiment: metrics.AfterSentiment,
			Intensity: metrics.AfterIntensity,
		}, m.config.TimelineMax),
	}

	if err := m.store.SaveCloseLoop(ctx, card.ID, updated); err != nil {
		return "", false, fmt.Errorf("failed to persist close-loop state: %w", err)
	}
	return status, true, nil
}

// observation is an aggregated view of a signal set.
type observation struct {
	Sentiment float64
	Intensity float64
	Count     int
}

// observe aggregates mean sentiment and summed intensity, ignoring signals
// with negative intensity. ok is false for an empty set.
func observe(signals []models.Signal) (observation, bool) {
	var obs observation
	var sentimentSum float64
	for _, sig := range signals {
		if sig.Intensity < 0 {
			continue
		}
		sentimentSum += clampSentiment(sig.Sentiment)
		obs.Intensity += sig.Intensity
		obs.Count++
	}
	if obs.Count == 0 {
		return observation{}, false
	}
	obs.Sentiment = sentimentSum / float64(obs.Count)
	return obs, true
}

func clampSentiment(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// appendTimeline appends a sample and trims to the most recent maxSamples.
func appendTimeline(timeline []models.TimelineSample, sample models.TimelineSample, maxSamples int) []models.TimelineSample {
	out := make([]models.TimelineSample, 0, len(timeline)+1)
	out = append(out, timeline...)
	out = append(out, sample)
	if len(out) > maxSamples {
		out = out[len(out)-maxSamples:]
	}
	return out
}
