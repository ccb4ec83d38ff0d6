// Package models defines the core domain entities: signals, product areas,
// and opportunity cards with their close-the-loop monitoring state.
package models

import (
	"errors"
	"strings"
	"time"
)

// Signal is one normalized customer-feedback event. Signals are created by
// ingestion, immutable afterward, and never deleted by the engine.
type Signal struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Sentiment     float64   `json:"sentiment"`
	Intensity     float64   `json:"intensity"`
	Source        string    `json:"source"`
	ProductAreaID string    `json:"product_area_id,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Validate checks signal field constraints.
func (s *Signal) Validate() error {
	if s.ID == "" {
		return errors.New("signal ID must not be empty")
	}
	if strings.TrimSpace(s.Topic) == "" {
		return errors.New("signal topic must not be empty")
	}
	if s.Sentiment < -1.0 || s.Sentiment > 1.0 {
		return errors.New("sentiment must be between -1.0 and 1.0")
	}
	if s.Intensity < 0 {
		return errors.New("intensity must not be negative")
	}
	if s.DetectedAt.IsZero() {
		return errors.New("detected at must be set")
	}
	return nil
}

// Normalize applies the ingestion default policy: sentiment is clamped to
// [-1, 1] and a missing or zero intensity becomes 1. Negative intensities
// are not repaired here; Validate rejects them.
func (s *Signal) Normalize() {
	if s.Sentiment > 1.0 {
		s.Sentiment = 1.0
	}
	if s.Sentiment < -1.0 {
		s.Sentiment = -1.0
	}
	if s.Intensity == 0 {
		s.Intensity = 1
	}
	s.Topic = strings.ToLower(strings.TrimSpace(s.Topic))
}

// ProductArea is static reference data for a feedback category.
type ProductArea struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Opportunity status values.
const (
	OpportunityNew        = "new"
	OpportunityInProgress = "in-progress"
	OpportunityDone       = "done"
)

// Close-loop monitoring status values.
const (
	CloseLoopMonitoring   = "monitoring"
	CloseLoopRecovered    = "recovered"
	CloseLoopNotRecovered = "not-recovered"
)

// OpportunityCard is a tracked remediation candidate. Baseline fields and
// MarkedDoneAt are set together, exactly once, at the transition to done;
// only the monitor touches CloseLoop afterward.
type OpportunityCard struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Topic         string  `json:"topic"`
	ProductAreaID string  `json:"product_area_id,omitempty"`
	Status        string  `json:"status"`
	Reach         float64 `json:"reach"`
	Impact        int     `json:"impact"`
	Confidence    float64 `json:"confidence"`
	Effort        float64 `json:"effort"`

	BaselineSentiment   float64    `json:"baseline_sentiment"`
	BaselineIntensity   float64    `json:"baseline_intensity"`
	BaselineSignalCount int        `json:"baseline_signal_count"`
	MarkedDoneAt        *time.Time `json:"marked_done_at,omitempty"`

	CloseLoop *CloseLoopData `json:"close_loop,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks opportunity field constraints.
func (o *OpportunityCard) Validate() error {
	if o.ID == "" {
		return errors.New("opportunity ID must not be empty")
	}
	if strings.TrimSpace(o.Topic) == "" {
		return errors.New("opportunity topic must not be empty")
	}
	switch o.Status {
	case OpportunityNew, OpportunityInProgress, OpportunityDone:
	default:
		return errors.New("opportunity status must be new, in-progress, or done")
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	if o.Reach < 0 {
		return errors.New("reach must not be negative")
	}
	if o.Effort < 0 {
		return errors.New("effort must not be negative")
	}
	return nil
}

// CloseLoopData is the monitoring state attached to a done opportunity.
type CloseLoopData struct {
	Status          string           `json:"status"`
	RecoveryMetrics RecoveryMetrics  `json:"recovery_metrics"`
	Timeline        []TimelineSample `json:"timeline"`
}

// RecoveryMetrics holds the before/after comparison for one opportunity.
// The before* fields mirror the captured baseline; the after* fields are
// overwritten by every monitor pass.
type RecoveryMetrics struct {
	BeforeSentiment   float64 `json:"before_sentiment"`
	AfterSentiment    float64 `json:"after_sentiment"`
	BeforeIntensity   float64 `json:"before_intensity"`
	AfterIntensity    float64 `json:"after_intensity"`
	BeforeSignalCount int     `json:"before_signal_count"`
	AfterSignalCount  int     `json:"after_signal_count"`
}

// TimelineSample is one monitor-pass observation.
type TimelineSample struct {
	Timestamp time.Time `json:"timestamp"`
	Sentiment float64   `json:"sentiment"`
	Intensity float64   `json:"intensity"`
}

// TopicKey groups signals for velocity detection. Topic is stored
// lowercased and trimmed so grouping never depends on ingest casing.
type TopicKey struct {
	Topic         string
	ProductAreaID string
}

// NewTopicKey builds a normalized grouping key.
func NewTopicKey(topic, productAreaID string) TopicKey {
	return TopicKey{
		Topic:         strings.ToLower(strings.TrimSpace(topic)),
		ProductAreaID: productAreaID,
	}
}
