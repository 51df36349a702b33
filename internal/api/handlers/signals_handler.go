package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/episignal/backend/internal/export"
	"github.com/episignal/backend/internal/metrics"
	"github.com/episignal/backend/internal/storage/models"
	"github.com/episignal/backend/internal/storage/sqlite"
	"github.com/episignal/backend/pkg/logger"
)

// Runtime settings stored in app_config; operators change these through
// the API without a restart.
const (
	ConfigKeyTags           = "tags"
	ConfigKeyAIProvider     = "ai_provider"
	ConfigKeyAIModel        = "ai_model"
	ConfigKeyPromptTemplate = "prompt_template"
)

type SignalsHandler struct {
	store       *sqlite.Client
	defaultTags string
}

func NewSignalsHandler(store *sqlite.Client, defaultTags string) *SignalsHandler {
	return &SignalsHandler{
		store:       store,
		defaultTags: defaultTags,
	}
}

type signalDTO struct {
	ID                    int64      `json:"id"`
	ExternalID            string     `json:"external_id"`
	Title                 string     `json:"title"`
	OriginalTitle         string     `json:"original_title"`
	TranslatedDescription string     `json:"translated_description"`
	TranslatedSummary     string     `json:"translated_summary"`
	Summary               string     `json:"summary"`
	SourceName            string     `json:"source_name"`
	SourceCountry         string     `json:"source_country"`
	Link                  string     `json:"link"`
	Board                 string     `json:"board"`
	PublishedAt           *time.Time `json:"published_at"`
	Countries             string     `json:"countries"`
	Hazards               string     `json:"hazards"`
	Justification         string     `json:"justification"`
	Assessment            string     `json:"assessment"`
	VulnerabilityScore    int        `json:"vulnerability_score"`
	CopingScore           int        `json:"coping_score"`
	TotalScore            int        `json:"total_score"`
	IsSignal              bool       `json:"is_signal"`
	Status                string     `json:"status"`
	Pinned                bool       `json:"pinned"`
	PinnedAt              *time.Time `json:"pinned_at"`
	ProcessedAt           time.Time  `json:"processed_at"`
	CreatedAt             time.Time  `json:"created_at"`
}

func newSignalDTO(s models.ProcessedSignal) signalDTO {
	dto := signalDTO{
		ID:                 s.ID,
		ExternalID:         s.ExternalID,
		Countries:          s.Countries,
		Hazards:            s.Hazards,
		Justification:      s.Justification,
		Assessment:         s.Assessment,
		VulnerabilityScore: s.VulnerabilityScore,
		CopingScore:        s.CopingScore,
		TotalScore:         s.TotalScore,
		IsSignal:           s.IsSignal,
		Status:             s.Status,
		Pinned:             s.Pinned,
		PinnedAt:           s.PinnedAt,
		ProcessedAt:        s.ProcessedAt,
	}
	if s.Raw != nil {
		dto.Title = s.Raw.Title
		dto.OriginalTitle = s.Raw.OriginalTitle
		dto.TranslatedDescription = s.Raw.TranslatedDescription
		dto.TranslatedSummary = s.Raw.TranslatedSummary
		dto.Summary = s.Raw.Summary
		dto.SourceName = s.Raw.SourceName
		dto.SourceCountry = s.Raw.SourceCountry
		dto.Link = s.Raw.Link
		dto.Board = s.Raw.Board
		dto.PublishedAt = s.Raw.PublishedAt
		dto.CreatedAt = s.Raw.CreatedAt
	}
	return dto
}

// parseFilter reads the shared filter query parameters used by the
// list, stats, countries and hazards endpoints.
func parseFilter(c *fiber.Ctx) (models.Filter, error) {
	f := models.Filter{
		Status: c.Query("status"),
		Search: strings.TrimSpace(c.Query("search")),
	}

	if f.Status != "" && f.Status != "all" && !models.ValidStatus(f.Status) {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}

	f.SignalsOnly = c.QueryBool("signals_only", false)

	if raw := c.Query("pinned"); raw != "" {
		pinned, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("invalid pinned value %q", raw)
		}
		f.Pinned = &pinned
	}
	if raw := c.Query("countries"); raw != "" {
		f.Countries = splitParam(raw)
	}
	if raw := c.Query("hazards"); raw != "" {
		f.Hazards = splitParam(raw)
	}

	var err error
	if f.Start, err = parseTimeParam(c.Query("start")); err != nil {
		return f, err
	}
	if f.End, err = parseTimeParam(c.Query("end")); err != nil {
		return f, err
	}
	return f, nil
}

func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, expected RFC3339", raw)
	}
	return &t, nil
}

// ListProcessed returns one page of processed signals with the full
// filter set applied.
func (h *SignalsHandler) ListProcessed(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	page := c.QueryInt("page", 1)
	pageSize := c.QueryInt("page_size", 20)
	if pageSize > 200 {
		pageSize = 200
	}

	signals, pagination, err := h.store.ListSignals(c.Context(), filter, page, pageSize)
	if err != nil {
		logger.Error("Failed to list signals", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list signals",
		})
	}

	dtos := make([]signalDTO, len(signals))
	for i, s := range signals {
		dtos[i] = newSignalDTO(s)
	}

	return c.JSON(fiber.Map{
		"signals":    dtos,
		"pagination": pagination,
	})
}

// Flag toggles a signal's flagged status; flagging an already flagged
// signal returns it to new.
func (h *SignalsHandler) Flag(c *fiber.Ctx) error {
	return h.toggle(c, models.StatusFlagged)
}

// Discard toggles a signal's discarded status; discarding an already
// discarded signal returns it to new.
func (h *SignalsHandler) Discard(c *fiber.Ctx) error {
	return h.toggle(c, models.StatusDiscarded)
}

func (h *SignalsHandler) toggle(c *fiber.Ctx, target string) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signal id",
		})
	}

	status, err := h.store.ToggleStatus(c.Context(), int64(id), target)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Signal not found",
			})
		}
		logger.Error("Failed to toggle signal status",
			zap.Int("id", id),
			zap.String("target", target),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update signal",
		})
	}

	return c.JSON(fiber.Map{
		"id":     id,
		"status": status,
	})
}

// DiscardNonFlagged discards every signal still in new, leaving flagged
// and already discarded rows untouched.
func (h *SignalsHandler) DiscardNonFlagged(c *fiber.Ctx) error {
	count, err := h.store.DiscardNew(c.Context())
	if err != nil {
		logger.Error("Failed to discard non-flagged signals", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to discard signals",
		})
	}
	return c.JSON(fiber.Map{
		"discarded": count,
	})
}

// BatchAction applies flag or discard to an explicit id list.
func (h *SignalsHandler) BatchAction(c *fiber.Ctx) error {
	var req struct {
		IDs    []int64 `json:"ids"`
		Action string  `json:"action"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.IDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ids is required",
		})
	}

	var status string
	switch req.Action {
	case "flag":
		status = models.StatusFlagged
	case "discard":
		status = models.StatusDiscarded
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "action must be flag or discard",
		})
	}

	updated, err := h.store.BatchSetStatus(c.Context(), req.IDs, status)
	if err != nil {
		logger.Error("Failed to apply batch action",
			zap.String("action", req.Action),
			zap.Int("ids", len(req.IDs)),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to apply batch action",
		})
	}

	return c.JSON(fiber.Map{
		"action":  req.Action,
		"updated": updated,
	})
}

// Counts returns per-status totals, optionally restricted to true
// signals.
func (h *SignalsHandler) Counts(c *fiber.Ctx) error {
	signalsOnly := c.QueryBool("signals_only", false)

	counts, err := h.store.StatusCounts(c.Context(), signalsOnly)
	if err != nil {
		logger.Error("Failed to count signals", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count signals",
		})
	}

	metrics.SignalsByStatus.WithLabelValues(models.StatusNew).Set(float64(counts.New))
	metrics.SignalsByStatus.WithLabelValues(models.StatusFlagged).Set(float64(counts.Flagged))
	metrics.SignalsByStatus.WithLabelValues(models.StatusDiscarded).Set(float64(counts.Discarded))

	return c.JSON(counts)
}

// Stats returns dashboard aggregates over the current filter.
func (h *SignalsHandler) Stats(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	topN := c.QueryInt("top_n", 10)
	stats, err := h.store.Stats(c.Context(), filter, topN)
	if err != nil {
		logger.Error("Failed to compute stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute stats",
		})
	}
	return c.JSON(stats)
}

// Countries lists the distinct country values present in matching
// signals, for filter dropdowns.
func (h *SignalsHandler) Countries(c *fiber.Ctx) error {
	return h.distinct(c, h.store.DistinctCountries, "countries")
}

// Hazards lists the distinct hazard values present in matching signals.
func (h *SignalsHandler) Hazards(c *fiber.Ctx) error {
	return h.distinct(c, h.store.DistinctHazards, "hazards")
}

func (h *SignalsHandler) distinct(c *fiber.Ctx, fn func(context.Context, models.Filter) ([]string, error), key string) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	values, err := fn(c.Context(), filter)
	if err != nil {
		logger.Error("Failed to list distinct values",
			zap.String("field", key),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list " + key,
		})
	}
	if values == nil {
		values = []string{}
	}
	return c.JSON(fiber.Map{key: values})
}

// GetTags returns the stored tag configuration, falling back to the
// configured default when nothing has been saved yet.
func (h *SignalsHandler) GetTags(c *fiber.Ctx) error {
	tags, err := h.store.GetConfigValue(c.Context(), ConfigKeyTags)
	if err != nil {
		logger.Error("Failed to load tag config", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load tags",
		})
	}
	if tags == "" {
		tags = h.defaultTags
	}
	return c.JSON(fiber.Map{
		"tags": tags,
	})
}

// SaveTags persists the tag configuration used by subsequent runs.
func (h *SignalsHandler) SaveTags(c *fiber.Ctx) error {
	var req struct {
		Tags string `json:"tags"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Tags = strings.TrimSpace(req.Tags)
	if req.Tags == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tags is required",
		})
	}

	if err := h.store.SetConfigValue(c.Context(), ConfigKeyTags, req.Tags); err != nil {
		logger.Error("Failed to save tag config", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save tags",
		})
	}

	logger.Info("Tag configuration updated", zap.String("tags", req.Tags))
	return c.JSON(fiber.Map{
		"tags": req.Tags,
	})
}

// GetAIConfig returns the stored evaluation settings; empty values mean
// the deployment defaults apply.
func (h *SignalsHandler) GetAIConfig(c *fiber.Ctx) error {
	out := fiber.Map{}
	for key, field := range map[string]string{
		ConfigKeyAIProvider:     "provider",
		ConfigKeyAIModel:        "model",
		ConfigKeyPromptTemplate: "prompt_template",
	} {
		value, err := h.store.GetConfigValue(c.Context(), key)
		if err != nil {
			logger.Error("Failed to load AI config", zap.String("key", key), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load config",
			})
		}
		out[field] = value
	}
	return c.JSON(out)
}

// SaveAIConfig stores evaluation settings; only the fields present in
// the request are updated.
func (h *SignalsHandler) SaveAIConfig(c *fiber.Ctx) error {
	var req struct {
		Provider       *string `json:"provider"`
		Model          *string `json:"model"`
		PromptTemplate *string `json:"prompt_template"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updates := map[string]*string{
		ConfigKeyAIProvider:     req.Provider,
		ConfigKeyAIModel:        req.Model,
		ConfigKeyPromptTemplate: req.PromptTemplate,
	}

	saved := 0
	for key, value := range updates {
		if value == nil {
			continue
		}
		if err := h.store.SetConfigValue(c.Context(), key, strings.TrimSpace(*value)); err != nil {
			logger.Error("Failed to save AI config", zap.String("key", key), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to save config",
			})
		}
		saved++
	}

	if saved == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No settings provided",
		})
	}

	logger.Info("AI configuration updated", zap.Int("settings", saved))
	return c.JSON(fiber.Map{
		"updated": saved,
	})
}

type cleanupRequest struct {
	OlderThanDays int  `json:"older_than_days"`
	Confirm       bool `json:"confirm"`
}

func (r cleanupRequest) cutoff() (time.Time, error) {
	if r.OlderThanDays < 1 {
		return time.Time{}, fmt.Errorf("older_than_days must be at least 1")
	}
	return time.Now().UTC().AddDate(0, 0, -r.OlderThanDays), nil
}

// CleanupPreview reports what retention cleanup would delete, without
// deleting anything.
func (h *SignalsHandler) CleanupPreview(c *fiber.Ctx) error {
	var req cleanupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	cutoff, err := req.cutoff()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	counts, err := h.store.CleanupPreview(c.Context(), cutoff)
	if err != nil {
		logger.Error("Failed to preview cleanup", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to preview cleanup",
		})
	}
	return c.JSON(fiber.Map{
		"cutoff":  cutoff,
		"preview": counts,
	})
}

// Cleanup deletes signals, raw articles and ledger entries processed
// before the cutoff. Deleted items become eligible for re-ingestion.
// The request must carry confirm: true; use CleanupPreview to inspect
// the impact first.
func (h *SignalsHandler) Cleanup(c *fiber.Ctx) error {
	var req cleanupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !req.Confirm {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "confirm flag must be set to true",
		})
	}
	cutoff, err := req.cutoff()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	counts, err := h.store.Cleanup(c.Context(), cutoff)
	if err != nil {
		logger.Error("Failed to run cleanup", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to run cleanup",
		})
	}

	logger.Info("Retention cleanup executed",
		zap.Time("cutoff", cutoff),
		zap.Int64("signals", counts.ProcessedSignals),
		zap.Int64("raw_articles", counts.RawArticles),
		zap.Int64("ledger_entries", counts.LedgerEntries),
	)
	return c.JSON(fiber.Map{
		"cutoff":  cutoff,
		"deleted": counts,
	})
}

// ExportCSV streams matching signals as a CSV download. An explicit id
// list wins; otherwise the filter in the body selects rows.
func (h *SignalsHandler) ExportCSV(c *fiber.Ctx) error {
	var req struct {
		IDs         []int64  `json:"ids"`
		Status      string   `json:"status"`
		SignalsOnly bool     `json:"signals_only"`
		Countries   []string `json:"countries"`
		Hazards     []string `json:"hazards"`
		Search      string   `json:"search"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var (
		signals []models.ProcessedSignal
		err     error
	)
	if len(req.IDs) > 0 {
		signals, err = h.store.SignalsByIDs(c.Context(), req.IDs)
	} else {
		filter := models.Filter{
			Status:      req.Status,
			SignalsOnly: req.SignalsOnly,
			Countries:   req.Countries,
			Hazards:     req.Hazards,
			Search:      strings.TrimSpace(req.Search),
		}
		if filter.Status != "" && filter.Status != "all" && !models.ValidStatus(filter.Status) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("unknown status %q", filter.Status),
			})
		}
		signals, err = h.store.AllSignals(c.Context(), filter)
	}
	if err != nil {
		logger.Error("Failed to load signals for export", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export signals",
		})
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, signals); err != nil {
		logger.Error("Failed to write export CSV", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export signals",
		})
	}

	filename := fmt.Sprintf("signals-export-%s.csv", time.Now().UTC().Format("20060102-150405"))
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(buf.Bytes())
}
