package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/episignal/backend/internal/storage/models"
	"github.com/episignal/backend/pkg/logger"
)

// ErrNotFound is returned when an id does not match any signal.
var ErrNotFound = errors.New("signal not found")

// SQLite allows a single writer; commits from concurrent evaluation
// workers serialize behind the driver, which is all the pipeline needs.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT UNIQUE NOT NULL,
		title TEXT,
		original_title TEXT,
		translated_description TEXT,
		translated_summary TEXT,
		summary TEXT,
		source_name TEXT,
		source_country TEXT,
		link TEXT,
		board TEXT,
		published_at INTEGER,
		fetched_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_external ON raw_articles(external_id);

	CREATE TABLE IF NOT EXISTS processed_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT UNIQUE NOT NULL,
		raw_article_id INTEGER NOT NULL,
		countries TEXT,
		hazards TEXT,
		justification TEXT,
		assessment TEXT,
		vulnerability_score INTEGER NOT NULL,
		coping_score INTEGER NOT NULL,
		total_score INTEGER NOT NULL,
		is_signal INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		pinned INTEGER NOT NULL DEFAULT 0,
		pinned_at INTEGER,
		processed_at INTEGER NOT NULL,
		FOREIGN KEY (raw_article_id) REFERENCES raw_articles(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_signals_status ON processed_signals(status);
	CREATE INDEX IF NOT EXISTS idx_signals_processed ON processed_signals(processed_at);
	CREATE INDEX IF NOT EXISTS idx_signals_is_signal ON processed_signals(is_signal);

	CREATE TABLE IF NOT EXISTS seen_articles (
		external_id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_config (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// FilterNew returns the subset of externalIDs with no ledger entry,
// preserving input order. It never writes; ledger rows are inserted by
// CommitSignal only after a successful evaluation.
func (c *Client) FilterNew(ctx context.Context, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(externalIDs))

	// SQLite caps bound parameters per statement, so probe in chunks.
	const chunkSize = 500
	for start := 0; start < len(externalIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		chunk := externalIDs[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		query := fmt.Sprintf("SELECT external_id FROM seen_articles WHERE external_id IN (%s)", placeholders)

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query ledger: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan ledger row: %w", err)
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ledger rows iteration: %w", err)
		}
		rows.Close()
	}

	var fresh []string
	for _, id := range externalIDs {
		if !seen[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// CommitSignal writes the raw article, its processed signal, and the
// ledger entry in one transaction. Nothing lands on failure, so the
// article stays eligible for retry on the next run.
func (c *Client) CommitSignal(ctx context.Context, raw *models.RawArticle, sig *models.ProcessedSignal) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if raw.FetchedAt.IsZero() {
		raw.FetchedAt = now
	}
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = now
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_articles (external_id, title, original_title, translated_description,
			translated_summary, summary, source_name, source_country, link, board,
			published_at, fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.ExternalID,
		raw.Title,
		raw.OriginalTitle,
		raw.TranslatedDescription,
		raw.TranslatedSummary,
		raw.Summary,
		raw.SourceName,
		raw.SourceCountry,
		raw.Link,
		raw.Board,
		unixOrNil(raw.PublishedAt),
		raw.FetchedAt.Unix(),
		raw.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw article: %w", err)
	}

	rawID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read raw article id: %w", err)
	}
	raw.ID = rawID

	if sig.Status == "" {
		sig.Status = models.StatusNew
	}
	if sig.ProcessedAt.IsZero() {
		sig.ProcessedAt = now
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO processed_signals (external_id, raw_article_id, countries, hazards,
			justification, assessment, vulnerability_score, coping_score, total_score,
			is_signal, status, pinned, pinned_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ExternalID,
		rawID,
		sig.Countries,
		sig.Hazards,
		sig.Justification,
		sig.Assessment,
		sig.VulnerabilityScore,
		sig.CopingScore,
		sig.TotalScore,
		boolToInt(sig.IsSignal),
		sig.Status,
		boolToInt(sig.Pinned),
		unixOrNil(sig.PinnedAt),
		sig.ProcessedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert processed signal: %w", err)
	}

	sigID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read signal id: %w", err)
	}
	sig.ID = sigID
	sig.RawArticleID = rawID

	_, err = tx.ExecContext(ctx,
		`INSERT INTO seen_articles (external_id, first_seen) VALUES (?, ?)`,
		sig.ExternalID, sig.ProcessedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signal: %w", err)
	}

	logger.Debug("Signal committed",
		zap.String("external_id", sig.ExternalID),
		zap.Bool("is_signal", sig.IsSignal),
	)
	return nil
}

var signalColumns = []string{
	"ps.id", "ps.external_id", "ps.raw_article_id", "ps.countries", "ps.hazards",
	"ps.justification", "ps.assessment", "ps.vulnerability_score", "ps.coping_score",
	"ps.total_score", "ps.is_signal", "ps.status", "ps.pinned", "ps.pinned_at",
	"ps.processed_at",
	"ra.id", "ra.external_id", "ra.title", "ra.original_title", "ra.translated_description",
	"ra.translated_summary", "ra.summary", "ra.source_name", "ra.source_country",
	"ra.link", "ra.board", "ra.published_at", "ra.fetched_at", "ra.created_at",
}

func signalBase() sq.SelectBuilder {
	return sq.Select(signalColumns...).
		From("processed_signals ps").
		Join("raw_articles ra ON ra.id = ps.raw_article_id")
}

func applyFilter(b sq.SelectBuilder, f models.Filter) sq.SelectBuilder {
	if f.SignalsOnly {
		b = b.Where(sq.Eq{"ps.is_signal": 1})
	}
	if f.Status != "" && f.Status != "all" {
		b = b.Where(sq.Eq{"ps.status": f.Status})
	}
	if f.Pinned != nil {
		b = b.Where(sq.Eq{"ps.pinned": boolToInt(*f.Pinned)})
	}
	if len(f.Countries) > 0 {
		or := sq.Or{}
		for _, country := range f.Countries {
			or = append(or, likeExpr("ps.countries", country))
		}
		b = b.Where(or)
	}
	if len(f.Hazards) > 0 {
		or := sq.Or{}
		for _, hazard := range f.Hazards {
			or = append(or, likeExpr("ps.hazards", hazard))
		}
		b = b.Where(or)
	}
	if f.Start != nil {
		b = b.Where(sq.GtOrEq{"ps.processed_at": f.Start.Unix()})
	}
	if f.End != nil {
		b = b.Where(sq.Lt{"ps.processed_at": f.End.Unix()})
	}
	if f.Search != "" {
		or := sq.Or{}
		for _, col := range []string{
			"ra.original_title", "ra.title", "ra.translated_description",
			"ra.translated_summary", "ra.summary",
			"ps.countries", "ps.hazards", "ps.assessment",
		} {
			or = append(or, likeExpr(col, f.Search))
		}
		b = b.Where(or)
	}
	return b
}

func likeExpr(column, term string) sq.Sqlizer {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return sq.Expr(column+` LIKE ? ESCAPE '\'`, "%"+escaped+"%")
}

// ListSignals returns one page of signals matching the filter, newest
// processed first, with pagination totals computed before the limit.
func (c *Client) ListSignals(ctx context.Context, f models.Filter, page, pageSize int) ([]models.ProcessedSignal, models.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	countQuery, countArgs, err := applyFilter(
		sq.Select("COUNT(*)").
			From("processed_signals ps").
			Join("raw_articles ra ON ra.id = ps.raw_article_id"),
		f,
	).ToSql()
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to build count query: %w", err)
	}

	var total int
	if err := c.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to count signals: %w", err)
	}

	query, args, err := applyFilter(signalBase(), f).
		OrderBy("ps.processed_at DESC", "ps.id DESC").
		Limit(uint64(pageSize)).
		Offset(uint64((page - 1) * pageSize)).
		ToSql()
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to build list query: %w", err)
	}

	signals, err := c.querySignals(ctx, query, args...)
	if err != nil {
		return nil, models.Pagination{}, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := models.Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
	return signals, pagination, nil
}

// SignalsByIDs loads signals (with raw articles) for an explicit id
// list, newest processed first.
func (c *Client) SignalsByIDs(ctx context.Context, ids []int64) ([]models.ProcessedSignal, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := signalBase().
		Where(sq.Eq{"ps.id": ids}).
		OrderBy("ps.processed_at DESC", "ps.id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return c.querySignals(ctx, query, args...)
}

// AllSignals returns every signal matching the filter without
// pagination, for CSV export.
func (c *Client) AllSignals(ctx context.Context, f models.Filter) ([]models.ProcessedSignal, error) {
	query, args, err := applyFilter(signalBase(), f).
		OrderBy("ps.processed_at DESC", "ps.id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return c.querySignals(ctx, query, args...)
}

func (c *Client) querySignals(ctx context.Context, query string, args ...interface{}) ([]models.ProcessedSignal, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []models.ProcessedSignal
	for rows.Next() {
		var (
			s           models.ProcessedSignal
			r           models.RawArticle
			isSignal    int
			pinned      int
			pinnedAt    sql.NullInt64
			processedAt int64
			publishedAt sql.NullInt64
			fetchedAt   int64
			createdAt   int64
		)
		err := rows.Scan(
			&s.ID, &s.ExternalID, &s.RawArticleID, &s.Countries, &s.Hazards,
			&s.Justification, &s.Assessment, &s.VulnerabilityScore, &s.CopingScore,
			&s.TotalScore, &isSignal, &s.Status, &pinned, &pinnedAt,
			&processedAt,
			&r.ID, &r.ExternalID, &r.Title, &r.OriginalTitle, &r.TranslatedDescription,
			&r.TranslatedSummary, &r.Summary, &r.SourceName, &r.SourceCountry,
			&r.Link, &r.Board, &publishedAt, &fetchedAt, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}

		s.IsSignal = isSignal != 0
		s.Pinned = pinned != 0
		s.PinnedAt = timeOrNil(pinnedAt)
		s.ProcessedAt = time.Unix(processedAt, 0).UTC()
		r.PublishedAt = timeOrNil(publishedAt)
		r.FetchedAt = time.Unix(fetchedAt, 0).UTC()
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		s.Raw = &r

		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal rows iteration: %w", err)
	}
	return signals, nil
}

// ToggleStatus applies the flag/discard toggle: setting the status a
// row already has restores it to "new"; otherwise the target wins.
func (c *Client) ToggleStatus(ctx context.Context, id int64, target string) (string, error) {
	if !models.ValidStatus(target) {
		return "", fmt.Errorf("invalid status %q", target)
	}

	// Single statement so concurrent toggles on the same row cannot
	// interleave between the status read and the write.
	var next string
	err := c.db.QueryRowContext(ctx,
		`UPDATE processed_signals
		 SET status = CASE WHEN status = ? THEN ? ELSE ? END
		 WHERE id = ?
		 RETURNING status`,
		target, models.StatusNew, target, id).Scan(&next)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to update status: %w", err)
	}

	logger.Debug("Signal status changed",
		zap.Int64("id", id),
		zap.String("to", next),
	)
	return next, nil
}

// BatchSetStatus sets the status directly (no toggle) for an id list
// and returns the number of rows affected.
func (c *Client) BatchSetStatus(ctx context.Context, ids []int64, status string) (int64, error) {
	if !models.ValidStatus(status) {
		return 0, fmt.Errorf("invalid status %q", status)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sq.Update("processed_signals").
		Set("status", status).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to batch update status: %w", err)
	}
	return res.RowsAffected()
}

// DiscardNew moves every still-"new" signal to "discarded".
func (c *Client) DiscardNew(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE processed_signals SET status = ? WHERE status = ?`,
		models.StatusDiscarded, models.StatusNew)
	if err != nil {
		return 0, fmt.Errorf("failed to discard new signals: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) StatusCounts(ctx context.Context, signalsOnly bool) (models.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM processed_signals GROUP BY status`
	if signalsOnly {
		query = `SELECT status, COUNT(*) FROM processed_signals WHERE is_signal = 1 GROUP BY status`
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return models.StatusCounts{}, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	var counts models.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.StatusCounts{}, fmt.Errorf("failed to scan count row: %w", err)
		}
		switch status {
		case models.StatusNew:
			counts.New = n
		case models.StatusFlagged:
			counts.Flagged = n
		case models.StatusDiscarded:
			counts.Discarded = n
		}
		counts.All += n
	}
	if err := rows.Err(); err != nil {
		return models.StatusCounts{}, fmt.Errorf("count rows iteration: %w", err)
	}
	return counts, nil
}

// Stats aggregates dashboard numbers. Country and hazard tallies split
// the stored semicolon-joined lists in Go, same as the facet queries.
func (c *Client) Stats(ctx context.Context, f models.Filter, topN int) (*models.Stats, error) {
	signals, err := c.AllSignals(ctx, f)
	if err != nil {
		return nil, err
	}

	stats := &models.Stats{
		SignalCounts: map[string]int{"yes": 0, "no": 0},
		PinnedCounts: map[string]int{"pinned": 0, "unpinned": 0},
	}
	countryCounts := map[string]int{}
	hazardCounts := map[string]int{}

	for _, s := range signals {
		switch s.Status {
		case models.StatusNew:
			stats.Counts.New++
		case models.StatusFlagged:
			stats.Counts.Flagged++
		case models.StatusDiscarded:
			stats.Counts.Discarded++
		}
		stats.Counts.All++
		if s.IsSignal {
			stats.SignalCounts["yes"]++
		} else {
			stats.SignalCounts["no"]++
		}
		if s.Pinned {
			stats.PinnedCounts["pinned"]++
		} else {
			stats.PinnedCounts["unpinned"]++
		}
		for _, country := range splitList(s.Countries) {
			countryCounts[country]++
		}
		for _, hazard := range splitList(s.Hazards) {
			hazardCounts[hazard]++
		}
	}

	stats.TopCountries = topCounts(countryCounts, topN)
	stats.TopHazards = topCounts(hazardCounts, topN)
	return stats, nil
}

// DistinctCountries enumerates unique extracted countries across signals
// matching the filter, sorted, to drive progressively narrowing facets.
func (c *Client) DistinctCountries(ctx context.Context, f models.Filter) ([]string, error) {
	return c.distinctValues(ctx, f, func(s models.ProcessedSignal) string { return s.Countries })
}

func (c *Client) DistinctHazards(ctx context.Context, f models.Filter) ([]string, error) {
	return c.distinctValues(ctx, f, func(s models.ProcessedSignal) string { return s.Hazards })
}

func (c *Client) distinctValues(ctx context.Context, f models.Filter, field func(models.ProcessedSignal) string) ([]string, error) {
	signals, err := c.AllSignals(ctx, f)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	for _, s := range signals {
		for _, v := range splitList(field(s)) {
			set[v] = true
		}
	}

	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, nil
}

// CleanupPreview counts rows that Cleanup would remove for the cutoff,
// without deleting anything.
func (c *Client) CleanupPreview(ctx context.Context, cutoff time.Time) (models.CleanupCounts, error) {
	var counts models.CleanupCounts
	cut := cutoff.Unix()

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_signals WHERE processed_at < ?`, cut).
		Scan(&counts.ProcessedSignals)
	if err != nil {
		return counts, fmt.Errorf("failed to count signals for cleanup: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_articles
		WHERE id IN (SELECT raw_article_id FROM processed_signals WHERE processed_at < ?)`, cut).
		Scan(&counts.RawArticles)
	if err != nil {
		return counts, fmt.Errorf("failed to count raw articles for cleanup: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM seen_articles
		WHERE external_id IN (SELECT external_id FROM processed_signals WHERE processed_at < ?)`, cut).
		Scan(&counts.LedgerEntries)
	if err != nil {
		return counts, fmt.Errorf("failed to count ledger entries for cleanup: %w", err)
	}

	return counts, nil
}

// Cleanup deletes processed signals, their raw articles, and their
// ledger entries with processed-at strictly before the cutoff, in one
// transaction. Rows at or after the cutoff are untouched.
func (c *Client) Cleanup(ctx context.Context, cutoff time.Time) (models.CleanupCounts, error) {
	var counts models.CleanupCounts
	cut := cutoff.Unix()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Ledger entries resolve through the signals, so they go first;
	// the signals go before their raw articles or the FK cascade would
	// remove them behind the counter's back.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM seen_articles
		WHERE external_id IN (SELECT external_id FROM processed_signals WHERE processed_at < ?)`, cut)
	if err != nil {
		return counts, fmt.Errorf("failed to delete ledger entries: %w", err)
	}
	counts.LedgerEntries, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM processed_signals WHERE processed_at < ?`, cut)
	if err != nil {
		return counts, fmt.Errorf("failed to delete signals: %w", err)
	}
	counts.ProcessedSignals, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM raw_articles
		WHERE id NOT IN (SELECT raw_article_id FROM processed_signals)`)
	if err != nil {
		return counts, fmt.Errorf("failed to delete raw articles: %w", err)
	}
	counts.RawArticles, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	logger.Info("Retention cleanup executed",
		zap.Time("cutoff", cutoff),
		zap.Int64("signals", counts.ProcessedSignals),
		zap.Int64("raw_articles", counts.RawArticles),
		zap.Int64("ledger_entries", counts.LedgerEntries),
	)
	return counts, nil
}

// GetConfigValue returns the stored value for key, or "" when unset.
func (c *Client) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %q: %w", key, err)
	}
	return value, nil
}

func (c *Client) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store config %q: %w", key, err)
	}
	return nil
}

func splitList(joined string) []string {
	var out []string
	for _, part := range strings.Split(joined, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func topCounts(counts map[string]int, topN int) []models.NameCount {
	items := make([]models.NameCount, 0, len(counts))
	for name, n := range counts {
		items = append(items, models.NameCount{Name: name, Count: n})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Name < items[j].Name
	})
	if topN > 0 && len(items) > topN {
		items = items[:topN]
	}
	return items
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}
