// Package server exposes the engine operations as a JSON HTTP API.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pulselab/signalpulse/internal/chi"
	"github.com/pulselab/signalpulse/internal/closeloop"
	"github.com/pulselab/signalpulse/internal/logger"
	"github.com/pulselab/signalpulse/internal/models"
	"github.com/pulselab/signalpulse/internal/scorer"
	"github.com/pulselab/signalpulse/internal/storage"
	"github.com/pulselab/signalpulse/internal/velocity"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr                 string
	RequestTimeout       time.Duration
	DefaultWindowMinutes int
}

// Server wires the engines behind HTTP routes.
type Server struct {
	store    *storage.Storage
	engine   *chi.Engine
	detector *velocity.Detector
	monitor  *closeloop.Monitor
	config   Config
	httpSrv  *http.Server
}

// New builds the server and its routes.
func New(store *storage.Storage, engine *chi.Engine, detector *velocity.Detector, monitor *closeloop.Monitor, config Config) *Server {
	if config.DefaultWindowMinutes < 1 {
		config.DefaultWindowMinutes = 1440
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	s := &Server{
		store:    store,
		engine:   engine,
		detector: detector,
		monitor:  monitor,
		config:   config,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/chi", s.getCHI)
		api.GET("/trend", s.getTrend)
		api.GET("/velocity", s.getVelocity)
		api.GET("/warnings", s.getWarnings)
		api.POST("/classify", s.classify)

		api.POST("/signals", s.ingestSignals)
		api.GET("/signals", s.getSignals)
		api.GET("/product-areas", s.getProductAreas)
		api.POST("/product-areas", s.addProductArea)

		api.POST("/opportunities", s.addOpportunity)
		api.GET("/opportunities/:id", s.getOpportunity)
		api.POST("/opportunities/:id/evidence", s.linkEvidence)
		api.POST("/opportunities/:id/done", s.markDone)
		api.POST("/opportunities/:id/closeloop", s.reevaluate)

		api.POST("/closeloop/run", s.runCloseLoop)
	}

	s.httpSrv = &http.Server{Addr: config.Addr, Handler: r}
	return s
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
}

func (s *Server) windowMinutes(c *gin.Context) int {
	window := s.config.DefaultWindowMinutes
	if raw := c.Query("window_minutes"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			window = parsed
		}
	}
	return window
}

func (s *Server) getCHI(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	score, err := s.engine.ComputeCHI(ctx, s.windowMinutes(c), c.Query("product_area"))
	if err != nil {
		logger.Error("chi computation failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to compute CHI"})
		return
	}
	c.JSON(200, gin.H{"score": score})
}

func (s *Server) getTrend(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	trend, err := s.engine.ComputeTrend(ctx, s.windowMinutes(c), c.Query("product_area"))
	if err != nil {
		logger.Error("trend computation failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to compute trend"})
		return
	}
	c.JSON(200, gin.H{"trend": trend})
}

func (s *Server) getVelocity(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	lookback := 24
	if raw := c.Query("lookback_hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 2 {
			lookback = parsed
		}
	}
	areas, err := s.detector.Detect(ctx, lookback)
	if err != nil {
		logger.Error("velocity detection failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to compute velocity"})
		return
	}
	c.JSON(200, gin.H{"areas": areas})
}

func (s *Server) getWarnings(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	warnings, err := s.detector.Warnings(ctx)
	if err != nil {
		logger.Error("early-warning computation failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to compute warnings"})
		return
	}
	c.JSON(200, gin.H{"warnings": warnings})
}

type classifyRequest struct {
	Signals         []models.Signal `json:"signals"`
	ProductAreaName string          `json:"product_area_name"`
	Effort          float64         `json:"effort"`
	Confidence      float64         `json:"confidence"`
}

func (s *Server) classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}
	result := scorer.Classify(req.Signals, req.ProductAreaName, req.Effort, req.Confidence)
	c.JSON(200, result)
}

type ingestRequest struct {
	Signals []models.Signal `json:"signals"`
}

func (s *Server) ingestSignals(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}
	ingested := 0
	rejected := []gin.H{}
	for i := range req.Signals {
		sig := req.Signals[i]
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		if sig.DetectedAt.IsZero() {
			sig.DetectedAt = time.Now()
		}
		if err := s.store.AddSignal(&sig); err != nil {
			rejected = append(rejected, gin.H{"id": sig.ID, "error": err.Error()})
			continue
		}
		ingested++
	}
	c.JSON(200, gin.H{"ingested": ingested, "rejected": rejected})
}

func (s *Server) getSignals(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	since := time.Now().Add(-time.Duration(s.windowMinutes(c)) * time.Minute)
	signals, err := s.store.SignalsSince(ctx, since, c.Query("product_area"))
	if err != nil {
		logger.Error("signal query failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to query signals"})
		return
	}
	if signals == nil {
		signals = []models.Signal{}
	}
	c.JSON(200, gin.H{"signals": signals})
}

func (s *Server) getProductAreas(c *gin.Context) {
	areas, err := s.store.ListProductAreas()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to list product areas"})
		return
	}
	c.JSON(200, gin.H{"product_areas": areas})
}

func (s *Server) addProductArea(c *gin.Context) {
	var pa models.ProductArea
	if err := c.ShouldBindJSON(&pa); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}
	if pa.ID == "" {
		pa.ID = uuid.New().String()
	}
	if err := s.store.AddProductArea(&pa); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	c.JSON(201, pa)
}

func (s *Server) addOpportunity(c *gin.Context) {
	var card models.OpportunityCard
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.Status == "" {
		card.Status = models.OpportunityNew
	}
	now := time.Now()
	card.CreatedAt = now
	card.UpdatedAt = now
	if err := s.store.AddOpportunity(&card); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	c.JSON(201, card)
}

func (s *Server) getOpportunity(c *gin.Context) {
	card, err := s.store.GetOpportunity(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "opportunity not found"})
		return
	}
	c.JSON(200, card)
}

type evidenceRequest struct {
	SignalIDs []string `json:"signal_ids"`
}

func (s *Server) linkEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.store.LinkEvidence(c.Param("id"), req.SignalIDs); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"linked": len(req.SignalIDs)})
}

// markDone transitions an opportunity to done, capturing the close-loop
// baseline from its evidence set. An empty evidence set records the
// transition without starting monitoring.
func (s *Server) markDone(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	id := c.Param("id")

	evidence, err := s.store.EvidenceSignals(ctx, id)
	if err != nil {
		logger.Error("evidence fetch failed", "opportunity", id, "error", err)
		c.JSON(500, gin.H{"error": "failed to fetch evidence signals"})
		return
	}

	cl, _ := closeloop.CaptureBaseline(evidence)
	if err := s.store.MarkOpportunityDone(ctx, id, time.Now(), cl); err != nil {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}

	card, err := s.store.GetOpportunity(id)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to reload opportunity"})
		return
	}
	c.JSON(200, card)
}

func (s *Server) reevaluate(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	status, err := s.monitor.Reevaluate(ctx, c.Param("id"))
	if err != nil {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": status})
}

func (s *Server) runCloseLoop(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	summary, err := s.monitor.RunPass(ctx)
	if err != nil {
		logger.Error("close-loop pass failed", "error", err)
		c.JSON(500, gin.H{"error": "close-loop pass failed"})
		return
	}
	c.JSON(200, summary)
}
