// Package chi computes the Customer Happiness Index: a 0-100 score derived
// from intensity-weighted average sentiment over a time window.
package chi

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pulselab/signalpulse/internal/models"
)

// SignalSource is the read surface the engine needs from the signal store.
// A zero `to` means no upper bound.
type SignalSource interface {
	SignalsBetween(ctx context.Context, from, to time.Time, productAreaID string) ([]models.Signal, error)
}

// Config tunes the engine.
type Config struct {
	CacheTTL time.Duration
	Now      func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 5 * time.Minute,
		Now:      time.Now,
	}
}

type cacheKey struct {
	WindowMinutes int
	ProductAreaID string
}

type cacheEntry struct {
	score    *int
	cachedAt time.Time
}

// Engine computes CHI scores with a TTL cache keyed by
// (windowMinutes, productAreaID). Entries are never invalidated early;
// staleness up to the TTL is accepted. The key space is bounded by the
// product-area count, so there is no eviction.
type Engine struct {
	source SignalSource
	config Config

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// New creates a CHI engine over the given signal source.
func New(source SignalSource, config Config) *Engine {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Engine{
		source: source,
		config: config,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// ComputeCHI returns the CHI score for the trailing window, or nil when the
// window holds no signals (callers supply their own neutral default).
// Results are served from the cache within the TTL.
func (e *Engine) ComputeCHI(ctx context.Context, windowMinutes int, productAreaID string) (*int, error) {
	key := cacheKey{WindowMinutes: windowMinutes, ProductAreaID: productAreaID}
	now := e.config.Now()

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && now.Sub(entry.cachedAt) < e.config.CacheTTL {
		e.mu.Unlock()
		return entry.score, nil
	}
	e.mu.Unlock()

	score, err := e.ComputeCHIFresh(ctx, windowMinutes, productAreaID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{score: score, cachedAt: now}
	e.mu.Unlock()
	return score, nil
}

// ComputeCHIFresh bypasses the cache.
func (e *Engine) ComputeCHIFresh(ctx context.Context, windowMinutes int, productAreaID string) (*int, error) {
	if windowMinutes < 1 {
		return nil, fmt.Errorf("window minutes must be at least 1")
	}
	now := e.config.Now()
	from := now.Add(-time.Duration(windowMinutes) * time.Minute)
	signals, err := e.source.SignalsBetween(ctx, from, time.Time{}, productAreaID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch window signals: %w", err)
	}
	return Score(signals), nil
}

// ComputeTrend returns the signed CHI-point difference between the current
// window and the immediately preceding window of equal length. Both windows
// bypass the cache; an empty window on either side yields 0.
func (e *Engine) ComputeTrend(ctx context.Context, windowMinutes int, productAreaID string) (int, error) {
	if windowMinutes < 1 {
		return 0, fmt.Errorf("window minutes must be at least 1")
	}
	now := e.config.Now()
	window := time.Duration(windowMinutes) * time.Minute
	currentFrom := now.Add(-window)
	previousFrom := now.Add(-2 * window)

	currentSignals, err := e.source.SignalsBetween(ctx, currentFrom, time.Time{}, productAreaID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch current window: %w", err)
	}
	previousSignals, err := e.source.SignalsBetween(ctx, previousFrom, currentFrom, productAreaID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch previous window: %w", err)
	}

	current := Score(currentSignals)
	previous := Score(previousSignals)
	if current == nil || previous == nil {
		return 0, nil
	}
	return *current - *previous, nil
}

// Score maps a set of signals to a CHI score, nil when the set is empty or
// carries no usable intensity. Out-of-range sentiments are clamped and
// negative intensities ignored rather than corrupting the aggregate.
func Score(signals []models.Signal) *int {
	var weighted, total float64
	for _, sig := range signals {
		if sig.Intensity < 0 {
			continue
		}
		sentiment := math.Max(-1, math.Min(1, sig.Sentiment))
		weighted += sentiment * sig.Intensity
		total += sig.Intensity
	}
	if total == 0 {
		return nil
	}
	avg := weighted / total
	score := int(math.Round(((avg + 1) / 2) * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &score
}
