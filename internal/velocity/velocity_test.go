package velocity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pulselab/signalpulse/internal/models"
)

type stubSource struct {
	signals []models.Signal
}

func (s *stubSource) SignalsBetween(_ context.Context, from, to time.Time, productAreaID string) ([]models.Signal, error) {
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

type stubAreas struct {
	areas []models.ProductArea
}

func (s *stubAreas) ListProductAreas() ([]models.ProductArea, error) {
	return s.areas, nil
}

func testDetector(signals []models.Signal, now time.Time) *Detector {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return now }
	areas := &stubAreas{areas: []models.ProductArea{
		{ID: "pa-net", Name: "Network"},
		{ID: "pa-bill", Name: "Billing"},
	}}
	return New(&stubSource{signals: signals}, areas, cfg)
}

func mkSignal(topic, areaID string, intensity float64, detectedAt time.Time) models.Signal {
	return models.Signal{
		ID:            topic + detectedAt.String(),
		Topic:         topic,
		Sentiment:     -0.4,
		Intensity:     intensity,
		ProductAreaID: areaID,
		DetectedAt:    detectedAt,
	}
}

func TestDetect_GrowingTopic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-18 * time.Hour)
	recent := now.Add(-3 * time.Hour)
	signals := []models.Signal{
		mkSignal("outage", "pa-net", 10, earlier),
		mkSignal("outage", "pa-net", 12, earlier.Add(time.Hour)),
		mkSignal("outage", "pa-net", 25, recent),
		mkSignal("outage", "pa-net", 30, recent.Add(time.Hour)),
	}
	// avg(recent)=27.5, avg(earlier)=11 → change 16.5 > 2 → growing
	d := testDetector(signals, now)
	areas, err := d.Detect(context.Background(), 24)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(areas) != 1 {
		t.Fatalf("expected 1 area, got %d", len(areas))
	}
	if areas[0].ProductAreaName != "Network" {
		t.Errorf("got area %q, want Network", areas[0].ProductAreaName)
	}
	if areas[0].Growing != 1 || areas[0].Stable != 0 || areas[0].Declining != 0 {
		t.Errorf("got counts %+v, want exactly one growing", areas[0])
	}
}

func TestDetect_OneSidedPartitions(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	signals := []models.Signal{
		// new issue: recent only → growing
		mkSignal("new issue", "pa-net", 3, now.Add(-2*time.Hour)),
		// quiet issue: earlier only → declining
		mkSignal("quiet issue", "pa-net", 8, now.Add(-20*time.Hour)),
	}
	d := testDetector(signals, now)
	areas, err := d.Detect(context.Background(), 24)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(areas) != 1 {
		t.Fatalf("expected 1 area, got %d", len(areas))
	}
	if areas[0].Growing != 1 || areas[0].Declining != 1 {
		t.Errorf("got counts %+v, want one growing and one declining", areas[0])
	}
}

func TestDetect_StableWithinThreshold(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	signals := []models.Signal{
		mkSignal("billing page", "pa-bill", 10, now.Add(-20*time.Hour)),
		mkSignal("billing page", "pa-bill", 11, now.Add(-2*time.Hour)),
	}
	d := testDetector(signals, now)
	areas, err := d.Detect(context.Background(), 24)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if areas[0].Stable != 1 {
		t.Errorf("got counts %+v, want one stable", areas[0])
	}
}

func TestDetect_GroupsByTopicAndArea(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	signals := []models.Signal{
		// Same topic text, different areas: two groups.
		mkSignal("Slow Speeds", "pa-net", 5, now.Add(-2*time.Hour)),
		mkSignal("slow speeds", "pa-bill", 5, now.Add(-2*time.Hour)),
	}
	d := testDetector(signals, now)
	areas, err := d.Detect(context.Background(), 24)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(areas) != 2 {
		t.Fatalf("expected 2 areas, got %d", len(areas))
	}
	for _, av := range areas {
		if av.Growing != 1 {
			t.Errorf("area %s: got %+v, want one growing topic", av.ProductAreaID, av)
		}
	}
}

func TestWarnings_Projections(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-18 * time.Hour)
	recent := now.Add(-3 * time.Hour)
	signals := []models.Signal{
		mkSignal("outage", "pa-net", 10, earlier),
		mkSignal("outage", "pa-net", 12, earlier.Add(time.Hour)),
		mkSignal("outage", "pa-net", 25, recent),
		mkSignal("outage", "pa-net", 30, recent.Add(time.Hour)),
	}
	d := testDetector(signals, now)
	warnings, err := d.Warnings(context.Background())
	if err != nil {
		t.Fatalf("Warnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	w := warnings[0]

	wantVelocity := 16.5 / 12 // hourly rate over the 12h half-window
	if math.Abs(w.VelocityPerHour-wantVelocity) > 1e-9 {
		t.Errorf("velocity = %v, want %v", w.VelocityPerHour, wantVelocity)
	}
	if w.CurrentIntensity != 55 {
		t.Errorf("current intensity = %v, want 55", w.CurrentIntensity)
	}
	wantProjected := 55 + wantVelocity*24
	if math.Abs(w.ProjectedIntensity-wantProjected) > 1e-9 {
		t.Errorf("projected intensity = %v, want %v", w.ProjectedIntensity, wantProjected)
	}
	if w.TimeToCriticalHours == nil {
		t.Fatal("expected a time-to-critical estimate")
	}
	wantTTC := (100 - 55.0) / wantVelocity
	if math.Abs(*w.TimeToCriticalHours-wantTTC) > 1e-9 {
		t.Errorf("time to critical = %v, want %v", *w.TimeToCriticalHours, wantTTC)
	}
}

func TestWarnings_OnlyGrowingTopics(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	signals := []models.Signal{
		mkSignal("quiet issue", "pa-net", 8, now.Add(-20*time.Hour)),
		mkSignal("steady issue", "pa-net", 10, now.Add(-20*time.Hour)),
		mkSignal("steady issue", "pa-net", 10, now.Add(-2*time.Hour)),
	}
	d := testDetector(signals, now)
	warnings, err := d.Warnings(context.Background())
	if err != nil {
		t.Fatalf("Warnings: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %d", len(warnings))
	}
}

func TestWarnings_AlreadyCritical(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	signals := []models.Signal{
		mkSignal("meltdown", "pa-net", 40, now.Add(-20*time.Hour)),
		mkSignal("meltdown", "pa-net", 150, now.Add(-2*time.Hour)),
	}
	d := testDetector(signals, now)
	warnings, err := d.Warnings(context.Background())
	if err != nil {
		t.Fatalf("Warnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	if warnings[0].TimeToCriticalHours == nil || *warnings[0].TimeToCriticalHours != 0 {
		t.Errorf("time to critical = %v, want 0 when already past critical", warnings[0].TimeToCriticalHours)
	}
}
