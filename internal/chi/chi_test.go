package chi

import (
	"context"
	"testing"
	"time"

	"github.com/pulselab/signalpulse/internal/models"
)

// stubSource serves canned signals and counts fetches.
type stubSource struct {
	signals []models.Signal
	calls   int
	filter  func(from, to time.Time, productAreaID string) []models.Signal
}

func (s *stubSource) SignalsBetween(_ context.Context, from, to time.Time, productAreaID string) ([]models.Signal, error) {
	s.calls++
	if s.filter != nil {
		return s.filter(from, to, productAreaID), nil
	}
	var out []models.Signal
	for _, sig := range s.signals {
		if sig.DetectedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sig.DetectedAt.Before(to) {
			continue
		}
		if productAreaID != "" && sig.ProductAreaID != productAreaID {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

func sig(sentiment, intensity float64, detectedAt time.Time) models.Signal {
	return models.Signal{
		ID:         "s",
		Topic:      "network outage",
		Sentiment:  sentiment,
		Intensity:  intensity,
		DetectedAt: detectedAt,
	}
}

func TestScore_WeightedAverage(t *testing.T) {
	now := time.Now()
	signals := []models.Signal{
		sig(-1, 10, now),
		sig(1, 30, now),
	}
	// avg = (-10 + 30) / 40 = 0.5 → ((0.5+1)/2)*100 = 75
	score := Score(signals)
	if score == nil {
		t.Fatal("expected non-nil score")
	}
	if *score != 75 {
		t.Errorf("got score %d, want 75", *score)
	}
}

func TestScore_EmptyIsNil(t *testing.T) {
	if Score(nil) != nil {
		t.Error("expected nil score for empty set")
	}
}

func TestScore_ZeroTotalIntensityIsNil(t *testing.T) {
	now := time.Now()
	if Score([]models.Signal{sig(0.5, 0, now)}) != nil {
		t.Error("expected nil score when total intensity is zero")
	}
}

func TestScore_Range(t *testing.T) {
	now := time.Now()
	cases := [][]models.Signal{
		{sig(-1, 100, now)},
		{sig(1, 100, now)},
		{sig(-1, 1, now), sig(1, 1, now)},
		{sig(-0.33, 7, now), sig(0.8, 2, now), sig(0, 5, now)},
	}
	for i, signals := range cases {
		score := Score(signals)
		if score == nil {
			t.Fatalf("case %d: unexpected nil score", i)
		}
		if *score < 0 || *score > 100 {
			t.Errorf("case %d: score %d out of [0,100]", i, *score)
		}
	}
}

func TestScore_MonotoneInSentiment(t *testing.T) {
	now := time.Now()
	base := []models.Signal{
		sig(-0.8, 10, now),
		sig(0.1, 5, now),
		sig(0.4, 20, now),
	}
	before := Score(base)

	raised := make([]models.Signal, len(base))
	copy(raised, base)
	raised[0].Sentiment = 0.2 // strictly greater, same intensity

	after := Score(raised)
	if before == nil || after == nil {
		t.Fatal("unexpected nil score")
	}
	if *after < *before {
		t.Errorf("raising a sentiment lowered CHI: %d -> %d", *before, *after)
	}
}

func TestScore_ClampsInvariantViolations(t *testing.T) {
	now := time.Now()
	signals := []models.Signal{
		sig(5, 10, now),   // clamped to 1
		sig(-3, -10, now), // negative intensity ignored
	}
	score := Score(signals)
	if score == nil {
		t.Fatal("expected non-nil score")
	}
	if *score != 100 {
		t.Errorf("got score %d, want 100", *score)
	}
}

func TestComputeCHI_CachesWithinTTL(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := &stubSource{signals: []models.Signal{sig(0.5, 4, current.Add(-time.Hour))}}
	engine := New(source, Config{
		CacheTTL: 5 * time.Minute,
		Now:      func() time.Time { return current },
	})

	first, err := engine.ComputeCHI(context.Background(), 1440, "")
	if err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	second, err := engine.ComputeCHI(context.Background(), 1440, "")
	if err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	if source.calls != 1 {
		t.Errorf("expected 1 fetch within TTL, got %d", source.calls)
	}
	if first == nil || second == nil || *first != *second {
		t.Errorf("cached result mismatch: %v vs %v", first, second)
	}

	current = current.Add(6 * time.Minute)
	if _, err := engine.ComputeCHI(context.Background(), 1440, ""); err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", source.calls)
	}
}

func TestComputeCHI_CacheKeyIncludesArea(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	area := sig(0.9, 2, current.Add(-time.Minute))
	area.ProductAreaID = "pa-1"
	source := &stubSource{signals: []models.Signal{
		sig(-0.9, 2, current.Add(-time.Minute)),
		area,
	}}
	engine := New(source, Config{CacheTTL: time.Minute, Now: func() time.Time { return current }})

	all, err := engine.ComputeCHI(context.Background(), 60, "")
	if err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	scoped, err := engine.ComputeCHI(context.Background(), 60, "pa-1")
	if err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	if all == nil || scoped == nil {
		t.Fatal("unexpected nil score")
	}
	if *all == *scoped {
		t.Errorf("expected distinct cache entries per area, both were %d", *all)
	}
}

func TestComputeCHIFresh_BypassesCache(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := &stubSource{signals: []models.Signal{sig(0.5, 4, current.Add(-time.Hour))}}
	engine := New(source, Config{CacheTTL: time.Hour, Now: func() time.Time { return current }})

	if _, err := engine.ComputeCHI(context.Background(), 1440, ""); err != nil {
		t.Fatalf("ComputeCHI: %v", err)
	}
	if _, err := engine.ComputeCHIFresh(context.Background(), 1440, ""); err != nil {
		t.Fatalf("ComputeCHIFresh: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected fresh computation to hit the source, got %d calls", source.calls)
	}
}

func TestComputeTrend(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := &stubSource{signals: []models.Signal{
		sig(-0.5, 10, current.Add(-90*time.Minute)), // previous window: CHI 25
		sig(0.5, 10, current.Add(-30*time.Minute)),  // current window: CHI 75
	}}
	engine := New(source, Config{CacheTTL: time.Minute, Now: func() time.Time { return current }})

	trend, err := engine.ComputeTrend(context.Background(), 60, "")
	if err != nil {
		t.Fatalf("ComputeTrend: %v", err)
	}
	if trend != 50 {
		t.Errorf("got trend %d, want 50", trend)
	}
}

func TestComputeTrend_EmptyWindowIsZero(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := &stubSource{signals: []models.Signal{
		sig(0.5, 10, current.Add(-30*time.Minute)), // current window only
	}}
	engine := New(source, Config{CacheTTL: time.Minute, Now: func() time.Time { return current }})

	trend, err := engine.ComputeTrend(context.Background(), 60, "")
	if err != nil {
		t.Fatalf("ComputeTrend: %v", err)
	}
	if trend != 0 {
		t.Errorf("got trend %d, want 0 when previous window is empty", trend)
	}
}
