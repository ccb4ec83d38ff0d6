// Package storage provides SQLite-backed persistence for signals, product
// areas, and opportunity cards.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pulselab/signalpulse/internal/logger"
	"github.com/pulselab/signalpulse/internal/models"
	_ "modernc.org/sqlite"
)

// Options tunes paginated reads. A failed page is retried PageRetries times
// with linear backoff before being skipped, yielding a partial aggregate.
// FetchTimeout bounds one whole paged read, retries included.
type Options struct {
	PageSize       int
	PageRetries    int
	RetryDelayBase time.Duration
	FetchTimeout   time.Duration
}

// DefaultOptions returns the default read options.
func DefaultOptions() Options {
	return Options{
		PageSize:       500,
		PageRetries:    3,
		RetryDelayBase: 100 * time.Millisecond,
		FetchTimeout:   30 * time.Second,
	}
}

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db   *sql.DB
	opts Options

	// queryPage fetches one page of signals; swappable in tests.
	queryPage func(ctx context.Context, query string, args []any) ([]models.Signal, error)
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/signalpulse/data.db.
func New(dbPath string, opts Options) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "signalpulse", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if opts.PageSize < 1 {
		opts.PageSize = DefaultOptions().PageSize
	}
	if opts.PageRetries < 1 {
		opts.PageRetries = DefaultOptions().PageRetries
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = DefaultOptions().RetryDelayBase
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions().FetchTimeout
	}
	s := &Storage{db: db, opts: opts}
	s.queryPage = s.runSignalQuery
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS product_areas (
			id    TEXT PRIMARY KEY,
			name  TEXT NOT NULL,
			color TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id              TEXT PRIMARY KEY,
			topic           TEXT NOT NULL,
			sentiment       REAL NOT NULL,
			intensity       REAL NOT NULL,
			source          TEXT,
			product_area_id TEXT REFERENCES product_areas(id),
			detected_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_detected_at ON signals(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_topic ON signals(topic)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id                    TEXT PRIMARY KEY,
			title                 TEXT,
			topic                 TEXT NOT NULL,
			product_area_id       TEXT REFERENCES product_areas(id),
			status                TEXT NOT NULL,
			reach                 REAL NOT NULL DEFAULT 0,
			impact                INTEGER NOT NULL DEFAULT 0,
			confidence            REAL NOT NULL DEFAULT 0,
			effort                REAL NOT NULL DEFAULT 0,
			baseline_sentiment    REAL NOT NULL DEFAULT 0,
			baseline_intensity    REAL NOT NULL DEFAULT 0,
			baseline_signal_count INTEGER NOT NULL DEFAULT 0,
			marked_done_at        INTEGER,
			close_loop            TEXT,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_done ON opportunities(status, marked_done_at)`,
		`CREATE TABLE IF NOT EXISTS opportunity_signals (
			opportunity_id TEXT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
			signal_id      TEXT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			PRIMARY KEY (opportunity_id, signal_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) AddProductArea(pa *models.ProductArea) error {
	if pa.ID == "" || pa.Name == "" {
		return fmt.Errorf("product area ID and name are required")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO product_areas (id, name, color) VALUES (?,?,?)`,
		pa.ID, pa.Name, pa.Color)
	if err != nil {
		return fmt.Errorf("failed to insert product area: %w", err)
	}
	return nil
}

func (s *Storage) GetProductArea(id string) (*models.ProductArea, error) {
	row := s.db.QueryRow(`SELECT id, name, color FROM product_areas WHERE id = ?`, id)
	var pa models.ProductArea
	var color sql.NullString
	err := row.Scan(&pa.ID, &pa.Name, &color)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product area not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product area: %w", err)
	}
	pa.Color = color.String
	return &pa, nil
}

func (s *Storage) ListProductAreas() ([]models.ProductArea, error) {
	rows, err := s.db.Query(`SELECT id, name, color FROM product_areas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query product areas: %w", err)
	}
	defer rows.Close()
	areas := []models.ProductArea{}
	for rows.Next() {
		var pa models.ProductArea
		var color sql.NullString
		if err := rows.Scan(&pa.ID, &pa.Name, &color); err != nil {
			return nil, fmt.Errorf("failed to scan product area: %w", err)
		}
		pa.Color = color.String
		areas = append(areas, pa)
	}
	return areas, rows.Err()
}

// AddSignal normalizes, validates, and inserts one signal.
func (s *Storage) AddSignal(sig *models.Signal) error {
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	var areaID any
	if sig.ProductAreaID != "" {
		areaID = sig.ProductAreaID
	}
	_, err := s.db.Exec(`
		INSERT INTO signals (id, topic, sentiment, intensity, source, product_area_id, detected_at)
		VALUES (?,?,?,?,?,?,?)`,
		sig.ID, sig.Topic, sig.Sentiment, sig.Intensity, sig.Source, areaID,
		sig.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// SignalsSince returns signals with detected_at >= since, optionally
// filtered by product area.
func (s *Storage) SignalsSince(ctx context.Context, since time.Time, productAreaID string) ([]models.Signal, error) {
	return s.SignalsBetween(ctx, since, time.Time{}, productAreaID)
}

// SignalsBetween returns signals with from <= detected_at < to. A zero `to`
// means no upper bound.
func (s *Storage) SignalsBetween(ctx context.Context, from, to time.Time, productAreaID string) ([]models.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals WHERE detected_at >= ?`
	args := []any{from.UnixNano()}
	if !to.IsZero() {
		query += ` AND detected_at < ?`
		args = append(args, to.UnixNano())
	}
	if productAreaID != "" {
		query += ` AND product_area_id = ?`
		args = append(args, productAreaID)
	}
	return s.querySignalsPaged(ctx, query, args...)
}

// SignalsByTopicSince returns signals whose topic contains the given topic
// as a substring (case-insensitive), detected at or after since, optionally
// filtered by product area. Substring matching mirrors the loose matching
// used at baseline capture and can drift from the exact evidence set.
func (s *Storage) SignalsByTopicSince(ctx context.Context, topic, productAreaID string, since time.Time) ([]models.Signal, error) {
	needle := strings.ToLower(strings.TrimSpace(topic))
	query := `SELECT ` + signalCols + ` FROM signals WHERE detected_at >= ? AND instr(lower(topic), ?) > 0`
	args := []any{since.UnixNano(), needle}
	if productAreaID != "" {
		query += ` AND product_area_id = ?`
		args = append(args, productAreaID)
	}
	return s.querySignalsPaged(ctx, query, args...)
}

// querySignalsPaged reads matching signals page by page. Each page gets a
// bounded number of retries with linear backoff; an exhausted page is
// logged and skipped so callers still receive a partial aggregate.
func (s *Storage) querySignalsPaged(ctx context.Context, query string, args ...any) ([]models.Signal, error) {
	const maxSkippedPages = 3
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	paged := query + ` ORDER BY detected_at, id LIMIT ? OFFSET ?`
	var signals []models.Signal
	offset := 0
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return signals, err
		}
		page, err := s.querySignalPage(ctx, paged, args, offset)
		if err != nil {
			if offset == 0 {
				// Nothing fetched at all: surface as a store failure.
				return nil, err
			}
			skipped++
			logger.Warn("skipping signal page after retries", "offset", offset, "error", err)
			if skipped >= maxSkippedPages {
				logger.Error("aborting paged read, returning partial aggregate",
					"skipped_pages", skipped, "fetched", len(signals))
				return signals, nil
			}
			offset += s.opts.PageSize
			continue
		}
		signals = append(signals, page...)
		if len(page) < s.opts.PageSize {
			return signals, nil
		}
		offset += s.opts.PageSize
	}
}

func (s *Storage) querySignalPage(ctx context.Context, query string, args []any, offset int) ([]models.Signal, error) {
	pageArgs := append(append([]any{}, args...), s.opts.PageSize, offset)
	var lastErr error
	for attempt := 1; attempt <= s.opts.PageRetries; attempt++ {
		page, err := s.queryPage(ctx, query, pageArgs)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		time.Sleep(s.opts.RetryDelayBase * time.Duration(attempt))
	}
	return nil, fmt.Errorf("failed after %d retries: %w", s.opts.PageRetries, lastErr)
}

func (s *Storage) runSignalQuery(ctx context.Context, query string, args []any) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()
	var signals []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

func (s *Storage) AddOpportunity(o *models.OpportunityCard) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid opportunity: %w", err)
	}
	var areaID any
	if o.ProductAreaID != "" {
		areaID = o.ProductAreaID
	}
	_, err := s.db.Exec(`
		INSERT INTO opportunities
			(id, title, topic, product_area_id, status, reach, impact, confidence, effort,
			 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Title, o.Topic, areaID, o.Status, o.Reach, o.Impact, o.Confidence, o.Effort,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return nil
}

func (s *Storage) GetOpportunity(id string) (*models.OpportunityCard, error) {
	row := s.db.QueryRow(`SELECT `+opportunityCols+` FROM opportunities WHERE id = ?`, id)
	o, err := scanOpportunity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("opportunity not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}
	return o, nil
}

// LinkEvidence attaches signals to an opportunity's evidence set.
func (s *Storage) LinkEvidence(opportunityID string, signalIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, sid := range signalIDs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO opportunity_signals (opportunity_id, signal_id) VALUES (?,?)`,
			opportunityID, sid); err != nil {
			return fmt.Errorf("failed to link evidence: %w", err)
		}
	}
	return tx.Commit()
}

// EvidenceSignals returns the signals explicitly linked to an opportunity.
func (s *Storage) EvidenceSignals(ctx context.Context, opportunityID string) ([]models.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals
		JOIN opportunity_signals os ON os.signal_id = signals.id
		WHERE os.opportunity_id = ?`
	return s.querySignalsPaged(ctx, query, opportunityID)
}

// MarkOpportunityDone transitions an opportunity to done exactly once,
// persisting the captured baseline and initial close-loop state in a single
// transaction. A nil closeLoop records the transition without monitoring
// (empty evidence set).
func (s *Storage) MarkOpportunityDone(ctx context.Context, id string, doneAt time.Time, closeLoop *models.CloseLoopData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	var markedDoneAt sql.NullInt64
	row := tx.QueryRow(`SELECT status, marked_done_at FROM opportunities WHERE id = ?`, id)
	if err := row.Scan(&status, &markedDoneAt); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("opportunity not found: %s", id)
		}
		return fmt.Errorf("failed to load opportunity: %w", err)
	}
	if status == models.OpportunityDone || markedDoneAt.Valid {
		return fmt.Errorf("opportunity already marked done: %s", id)
	}

	var clJSON any
	var baseSentiment, baseIntensity float64
	var baseCount int
	if closeLoop != nil {
		raw, err := json.Marshal(closeLoop)
		if err != nil {
			return fmt.Errorf("failed to marshal close-loop data: %w", err)
		}
		clJSON = string(raw)
		baseSentiment = closeLoop.RecoveryMetrics.BeforeSentiment
		baseIntensity = closeLoop.RecoveryMetrics.BeforeIntensity
		baseCount = closeLoop.RecoveryMetrics.BeforeSignalCount
	}

	if _, err := tx.Exec(`
		UPDATE opportunities SET
			status = ?, marked_done_at = ?, close_loop = ?,
			baseline_sentiment = ?, baseline_intensity = ?, baseline_signal_count = ?,
			updated_at = ?
		WHERE id = ?`,
		models.OpportunityDone, doneAt.UnixNano(), clJSON,
		baseSentiment, baseIntensity, baseCount,
		doneAt.UnixNano(), id,
	); err != nil {
		return fmt.Errorf("failed to mark opportunity done: %w", err)
	}
	return tx.Commit()
}

// DueForMonitoring returns done opportunities with close-loop data whose
// marked_done_at is within the window ending at now.
func (s *Storage) DueForMonitoring(ctx context.Context, now time.Time, window time.Duration) ([]models.OpportunityCard, error) {
	cutoff := now.Add(-window).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opportunityCols+` FROM opportunities
		WHERE status = ? AND marked_done_at IS NOT NULL AND marked_done_at >= ?
		  AND close_loop IS NOT NULL
		ORDER BY marked_done_at`, models.OpportunityDone, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()
	var cards []models.OpportunityCard
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		cards = append(cards, *o)
	}
	return cards, rows.Err()
}

// SaveCloseLoop overwrites an opportunity's close-loop state. The write is
// a single UPDATE, so overlapping passes resolve as last write wins.
func (s *Storage) SaveCloseLoop(ctx context.Context, id string, cl *models.CloseLoopData) error {
	raw, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("failed to marshal close-loop data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE opportunities SET close_loop = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to save close-loop data: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("opportunity not found: %s", id)
	}
	return nil
}

const signalCols = `signals.id, signals.topic, signals.sentiment, signals.intensity,
	signals.source, signals.product_area_id, signals.detected_at`

const opportunityCols = `id, title, topic, product_area_id, status, reach, impact,
	confidence, effort, baseline_sentiment, baseline_intensity, baseline_signal_count,
	marked_done_at, close_loop, created_at, updated_at`

func scanSignal(scan func(...any) error) (*models.Signal, error) {
	var sig models.Signal
	var source, areaID sql.NullString
	var detectedAtNano int64
	err := scan(&sig.ID, &sig.Topic, &sig.Sentiment, &sig.Intensity, &source, &areaID, &detectedAtNano)
	if err != nil {
		return nil, err
	}
	sig.Source = source.String
	sig.ProductAreaID = areaID.String
	sig.DetectedAt = time.Unix(0, detectedAtNano)
	return &sig, nil
}

func scanOpportunity(scan func(...any) error) (*models.OpportunityCard, error) {
	var o models.OpportunityCard
	var title, areaID, clJSON sql.NullString
	var markedDoneAtNano sql.NullInt64
	var createdAtNano, updatedAtNano int64
	err := scan(
		&o.ID, &title, &o.Topic, &areaID, &o.Status, &o.Reach, &o.Impact,
		&o.Confidence, &o.Effort, &o.BaselineSentiment, &o.BaselineIntensity,
		&o.BaselineSignalCount, &markedDoneAtNano, &clJSON, &createdAtNano, &updatedAtNano,
	)
	if err != nil {
		return nil, err
	}
	o.Title = title.String
	o.ProductAreaID = areaID.String
	if markedDoneAtNano.Valid {
		t := time.Unix(0, markedDoneAtNano.Int64)
		o.MarkedDoneAt = &t
	}
	if clJSON.Valid && clJSON.String != "" {
		var cl models.CloseLoopData
		if err := json.Unmarshal([]byte(clJSON.String), &cl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal close-loop data: %w", err)
		}
		o.CloseLoop = &cl
	}
	o.CreatedAt = time.Unix(0, createdAtNano)
	o.UpdatedAt = time.Unix(0, updatedAtNano)
	return &o, nil
}
