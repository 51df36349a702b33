package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/episignal/backend/internal/eios"
	"github.com/episignal/backend/internal/evaluation"
	"github.com/episignal/backend/internal/metrics"
	"github.com/episignal/backend/internal/storage/models"
	"github.com/episignal/backend/pkg/logger"
)

var (
	// ErrRunInProgress is returned when a trigger fires while a
	// previous run is still executing. Runs never overlap; both would
	// filter against the same ledger before either commits.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")

	// ErrNoTags is a configuration failure surfaced before any fetch.
	ErrNoTags = errors.New("no tags configured")
)

// ArticleSource yields the merged, deduplicated article list for a tag
// set and time window, plus non-fatal per-tag fetch errors.
type ArticleSource interface {
	FetchArticles(ctx context.Context, tags []string, window eios.Window) ([]eios.Article, []error, error)
}

// Evaluator scores a single article.
type Evaluator interface {
	Evaluate(ctx context.Context, article eios.Article) (*evaluation.Result, error)
}

// Store is the slice of the persistence layer the runner drives.
type Store interface {
	FilterNew(ctx context.Context, externalIDs []string) ([]string, error)
	CommitSignal(ctx context.Context, raw *models.RawArticle, sig *models.ProcessedSignal) error
}

// RunConfig is an explicit per-run snapshot; a concurrent settings save
// cannot change a run mid-flight.
type RunConfig struct {
	Tags        []string
	Window      eios.Window
	MaxItems    int
	Concurrency int
	MaxErrors   int
}

type ItemError struct {
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

// RunSummary is what every trigger gets back: aggregate counts plus a
// bounded per-item error list. ErrorCount keeps the true total even
// when Errors is truncated.
type RunSummary struct {
	RunID       string      `json:"run_id"`
	Tags        []string    `json:"tags"`
	Fetched     int         `json:"fetched"`
	NewItems    int         `json:"new_items"`
	Processed   int         `json:"processed_count"`
	TrueSignals int         `json:"true_signals_count"`
	ErrorCount  int         `json:"error_count"`
	Errors      []ItemError `json:"errors"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Runner sequences one pipeline run: fetch, dedup-filter, cap, parallel
// evaluation, per-article commit.
type Runner struct {
	source    ArticleSource
	evaluator Evaluator
	store     Store
	limiter   *rate.Limiter

	mu      sync.Mutex
	running bool
}

// NewRunner wires the pipeline. providerRate bounds evaluation calls
// per second across all workers; zero or negative disables throttling.
func NewRunner(source ArticleSource, evaluator Evaluator, store Store, providerRate float64) *Runner {
	var limiter *rate.Limiter
	if providerRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(providerRate), 1)
	}
	return &Runner{
		source:    source,
		evaluator: evaluator,
		store:     store,
		limiter:   limiter,
	}
}

// Running reports whether a run is currently executing.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) tryStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Runner) finish() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Runner) recordError(summary *RunSummary, maxErrors int, item ItemError) {
	summary.ErrorCount++
	if len(summary.Errors) < maxErrors {
		summary.Errors = append(summary.Errors, item)
	}
}

// Run executes one fetch-dedup-evaluate-persist cycle. Per-article
// failures are recorded in the summary and never abort the run; only
// setup failures (bad config, all tags failing, a broken dedup query)
// return an error.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*RunSummary, error) {
	if len(cfg.Tags) == 0 {
		return nil, ErrNoTags
	}
	if !cfg.Window.End.After(cfg.Window.Start) {
		return nil, fmt.Errorf("invalid window: start %s not before end %s",
			cfg.Window.Start.Format(time.RFC3339), cfg.Window.End.Format(time.RFC3339))
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 25
	}

	if !r.tryStart() {
		return nil, ErrRunInProgress
	}
	defer r.finish()

	summary := &RunSummary{
		RunID:     uuid.New().String(),
		Tags:      cfg.Tags,
		Errors:    []ItemError{},
		StartedAt: time.Now().UTC(),
	}

	logger.Info("Pipeline run started",
		zap.String("run_id", summary.RunID),
		zap.Strings("tags", cfg.Tags),
		zap.Time("window_start", cfg.Window.Start),
		zap.Time("window_end", cfg.Window.End),
	)

	articles, fetchErrors, err := r.source.FetchArticles(ctx, cfg.Tags, cfg.Window)
	for _, fe := range fetchErrors {
		r.recordError(summary, cfg.MaxErrors, ItemError{Message: fe.Error()})
		metrics.FetchErrors.Inc()
	}
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		summary.FinishedAt = time.Now().UTC()
		return summary, fmt.Errorf("article fetch failed: %w", err)
	}
	summary.Fetched = len(articles)
	metrics.ArticlesFetched.Add(float64(len(articles)))

	ids := make([]string, len(articles))
	byID := make(map[string]eios.Article, len(articles))
	for i, a := range articles {
		ids[i] = a.ExternalID
		byID[a.ExternalID] = a
	}

	freshIDs, err := r.store.FilterNew(ctx, ids)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		summary.FinishedAt = time.Now().UTC()
		return summary, fmt.Errorf("dedup filter failed: %w", err)
	}
	summary.NewItems = len(freshIDs)

	// Cap the batch preserving fetch order; the remainder is not
	// marked seen and is picked up by the next run.
	if len(freshIDs) > cfg.MaxItems {
		logger.Info("Batch capped",
			zap.Int("candidates", len(freshIDs)),
			zap.Int("max_items", cfg.MaxItems),
		)
		freshIDs = freshIDs[:cfg.MaxItems]
	}

	jobs := make(chan eios.Article)
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for article := range jobs {
				isSignal, itemErr := r.processArticle(ctx, article)

				resMu.Lock()
				if itemErr != nil {
					r.recordError(summary, cfg.MaxErrors, *itemErr)
				} else {
					summary.Processed++
					if isSignal {
						summary.TrueSignals++
					}
				}
				resMu.Unlock()
			}
		}()
	}

	for _, id := range freshIDs {
		jobs <- byID[id]
	}
	close(jobs)
	wg.Wait()

	summary.FinishedAt = time.Now().UTC()
	metrics.RunsTotal.WithLabelValues("completed").Inc()

	logger.Info("Pipeline run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("new_items", summary.NewItems),
		zap.Int("processed", summary.Processed),
		zap.Int("true_signals", summary.TrueSignals),
		zap.Int("errors", summary.ErrorCount),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

// processArticle evaluates and commits one article. A failure at any
// stage leaves no trace in storage, so the article is retried as new
// on the next run.
func (r *Runner) processArticle(ctx context.Context, article eios.Article) (bool, *ItemError) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, &ItemError{ExternalID: article.ExternalID, Message: err.Error()}
		}
	}

	start := time.Now()
	result, err := r.evaluator.Evaluate(ctx, article)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ArticlesErrored.Inc()
		logger.Warn("Article evaluation failed",
			zap.String("external_id", article.ExternalID),
			zap.Error(err),
		)
		return false, &ItemError{
			ExternalID: article.ExternalID,
			Message:    fmt.Sprintf("evaluation: %v", err),
		}
	}

	raw, sig := buildRecords(article, result)
	if err := r.store.CommitSignal(ctx, raw, sig); err != nil {
		metrics.ArticlesErrored.Inc()
		logger.Error("Signal commit failed",
			zap.String("external_id", article.ExternalID),
			zap.Error(err),
		)
		return false, &ItemError{
			ExternalID: article.ExternalID,
			Message:    fmt.Sprintf("persist: %v", err),
		}
	}

	metrics.ArticlesProcessed.Inc()
	if sig.IsSignal {
		metrics.TrueSignals.Inc()
	}
	return sig.IsSignal, nil
}

// buildRecords maps one fetched article and its evaluation into the
// rows CommitSignal stores atomically. Row IDs and the raw/signal link
// are assigned by the store inside the transaction.
func buildRecords(article eios.Article, result *evaluation.Result) (*models.RawArticle, *models.ProcessedSignal) {
	now := time.Now().UTC()

	raw := &models.RawArticle{
		ExternalID:            article.ExternalID,
		Title:                 article.Title,
		OriginalTitle:         article.OriginalTitle,
		TranslatedDescription: article.TranslatedDescription,
		TranslatedSummary:     article.TranslatedSummary,
		Summary:               article.Summary,
		SourceName:            article.SourceName,
		SourceCountry:         article.SourceCountry,
		Link:                  article.Link,
		Board:                 article.Board,
		PublishedAt:           article.PublishedAt,
		FetchedAt:             now,
		CreatedAt:             now,
	}

	sig := &models.ProcessedSignal{
		ExternalID:         article.ExternalID,
		Countries:          strings.Join(result.Countries, "; "),
		Hazards:            strings.Join(result.Hazards, "; "),
		Justification:      result.Justification,
		Assessment:         result.Assessment,
		VulnerabilityScore: result.Vulnerability,
		CopingScore:        result.Coping,
		TotalScore:         result.Total,
		IsSignal:           result.IsSignal,
		Status:             models.StatusNew,
		Pinned:             article.Pinned,
		PinnedAt:           article.PinnedAt,
		ProcessedAt:        now,
	}
	return raw, sig
}
