package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulselab/signalpulse/internal/chi"
	"github.com/pulselab/signalpulse/internal/closeloop"
	"github.com/pulselab/signalpulse/internal/models"
	"github.com/pulselab/signalpulse/internal/storage"
	"github.com/pulselab/signalpulse/internal/velocity"
)

func testServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()
	store, err := storage.New(":memory:", storage.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := chi.New(store, chi.DefaultConfig())
	detector := velocity.New(store, store, velocity.DefaultConfig())
	monitor := closeloop.New(store, closeloop.DefaultConfig())
	srv := New(store, engine, detector, monitor, Config{
		Addr:                 ":0",
		RequestTimeout:       5 * time.Second,
		DefaultWindowMinutes: 1440,
	})
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestIngestAndCHI(t *testing.T) {
	srv, _ := testServer(t)
	now := time.Now()

	w := doJSON(t, srv, http.MethodPost, "/api/signals", map[string]any{
		"signals": []models.Signal{
			{Topic: "network outage", Sentiment: -1, Intensity: 10, DetectedAt: now},
			{Topic: "network outage", Sentiment: 1, Intensity: 30, DetectedAt: now},
			{Topic: "bad", Sentiment: 5, Intensity: -1, DetectedAt: now}, // rejected
		},
	})
	if w.Code != 200 {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body.String())
	}
	var ingest struct {
		Ingested int              `json:"ingested"`
		Rejected []map[string]any `json:"rejected"`
	}
	decode(t, w, &ingest)
	if ingest.Ingested != 2 || len(ingest.Rejected) != 1 {
		t.Errorf("ingested=%d rejected=%d, want 2/1", ingest.Ingested, len(ingest.Rejected))
	}

	w = doJSON(t, srv, http.MethodGet, "/api/chi", nil)
	if w.Code != 200 {
		t.Fatalf("chi status = %d: %s", w.Code, w.Body.String())
	}
	var chiResp struct {
		Score *int `json:"score"`
	}
	decode(t, w, &chiResp)
	if chiResp.Score == nil || *chiResp.Score != 75 {
		t.Errorf("score = %v, want 75", chiResp.Score)
	}
}

func TestCHI_NoSignalsIsNull(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/chi", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Score *int `json:"score"`
	}
	decode(t, w, &resp)
	if resp.Score != nil {
		t.Errorf("score = %v, want null", resp.Score)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	now := time.Now()
	w := doJSON(t, srv, http.MethodPost, "/api/classify", map[string]any{
		"signals": []models.Signal{
			{ID: "a", Topic: "billing error", Sentiment: -0.8, Intensity: 60, DetectedAt: now},
			{ID: "b", Topic: "billing error", Sentiment: -0.6, Intensity: 40, DetectedAt: now},
		},
		"product_area_name": "Billing",
		"effort":            5,
		"confidence":        0.7,
	})
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Severity  string  `json:"severity"`
		Impact    int     `json:"impact"`
		RICEScore float64 `json:"rice_score"`
	}
	decode(t, w, &resp)
	if resp.Severity != "critical" || resp.Impact != 10 || resp.RICEScore != 140.0 {
		t.Errorf("got %+v, want critical/10/140.0", resp)
	}
}

func TestProductAreas(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/product-areas", models.ProductArea{ID: "pa-net", Name: "Network"})
	if w.Code != 201 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, srv, http.MethodGet, "/api/product-areas", nil)
	var resp struct {
		ProductAreas []models.ProductArea `json:"product_areas"`
	}
	decode(t, w, &resp)
	if len(resp.ProductAreas) != 1 || resp.ProductAreas[0].Name != "Network" {
		t.Errorf("got %+v", resp.ProductAreas)
	}
}

func TestOpportunityLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	now := time.Now()

	w := doJSON(t, srv, http.MethodPost, "/api/signals", map[string]any{
		"signals": []models.Signal{
			{ID: "s1", Topic: "network outage", Sentiment: -0.6, Intensity: 60, DetectedAt: now},
			{ID: "s2", Topic: "network outage", Sentiment: -0.6, Intensity: 20, DetectedAt: now},
		},
	})
	if w.Code != 200 {
		t.Fatalf("ingest status = %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/opportunities", map[string]any{
		"title": "Fix network outage",
		"topic": "network outage",
	})
	if w.Code != 201 {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var card models.OpportunityCard
	decode(t, w, &card)
	if card.ID == "" || card.Status != models.OpportunityNew {
		t.Fatalf("got card %+v", card)
	}

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/opportunities/%s/evidence", card.ID),
		map[string]any{"signal_ids": []string{"s1", "s2"}})
	if w.Code != 200 {
		t.Fatalf("evidence status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/opportunities/%s/done", card.ID), nil)
	if w.Code != 200 {
		t.Fatalf("done status = %d: %s", w.Code, w.Body.String())
	}
	var done models.OpportunityCard
	decode(t, w, &done)
	if done.Status != models.OpportunityDone {
		t.Errorf("status = %s, want done", done.Status)
	}
	if done.CloseLoop == nil || done.CloseLoop.Status != models.CloseLoopMonitoring {
		t.Fatalf("close loop = %+v, want monitoring", done.CloseLoop)
	}
	if done.BaselineIntensity != 80 || done.BaselineSignalCount != 2 {
		t.Errorf("baseline = %v/%d, want 80/2", done.BaselineIntensity, done.BaselineSignalCount)
	}

	// Second done transition is rejected.
	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/opportunities/%s/done", card.ID), nil)
	if w.Code != 409 {
		t.Errorf("repeat done status = %d, want 409", w.Code)
	}

	// A pass over monitored opportunities picks the card up.
	w = doJSON(t, srv, http.MethodPost, "/api/closeloop/run", nil)
	if w.Code != 200 {
		t.Fatalf("run status = %d: %s", w.Code, w.Body.String())
	}
	var summary closeloop.Summary
	decode(t, w, &summary)
	if summary.Total != 1 {
		t.Errorf("summary total = %d, want 1", summary.Total)
	}
}

func TestMarkDone_EmptyEvidence(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/opportunities", map[string]any{
		"topic": "quiet topic",
	})
	if w.Code != 201 {
		t.Fatalf("create status = %d", w.Code)
	}
	var card models.OpportunityCard
	decode(t, w, &card)

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/opportunities/%s/done", card.ID), nil)
	if w.Code != 200 {
		t.Fatalf("done status = %d: %s", w.Code, w.Body.String())
	}
	var done models.OpportunityCard
	decode(t, w, &done)
	if done.Status != models.OpportunityDone || done.CloseLoop != nil {
		t.Errorf("want done without monitoring, got status=%s closeLoop=%+v", done.Status, done.CloseLoop)
	}
}

func TestGetOpportunity_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/opportunities/missing", nil)
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestIngest_BadBody(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
