package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/episignal/backend/internal/pipeline"
	"github.com/episignal/backend/internal/storage/models"
	"github.com/episignal/backend/internal/storage/sqlite"
)

func newTestApp(t *testing.T) (*fiber.App, *sqlite.Client) {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	h := NewSignalsHandler(store, "ephem emro")

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/signals/processed", h.ListProcessed)
	api.Get("/signals/tags", h.GetTags)
	api.Post("/signals/tags", h.SaveTags)
	api.Get("/signals/counts", h.Counts)
	api.Post("/signals/batch-action", h.BatchAction)
	api.Post("/signals/cleanup/preview", h.CleanupPreview)
	api.Post("/signals/cleanup", h.Cleanup)
	api.Post("/signals/export-csv", h.ExportCSV)
	api.Post("/signals/:id/flag", h.Flag)
	api.Post("/signals/:id/discard", h.Discard)

	return app, store
}

func seedSignal(t *testing.T, store *sqlite.Client, externalID string, total int) *models.ProcessedSignal {
	t.Helper()

	raw := &models.RawArticle{
		ExternalID: externalID,
		Title:      "Headline " + externalID,
	}
	sig := &models.ProcessedSignal{
		ExternalID:         externalID,
		Countries:          "Kenya",
		Hazards:            "Cholera",
		VulnerabilityScore: total - 2,
		CopingScore:        2,
		TotalScore:         total,
		IsSignal:           total <= 0,
	}
	require.NoError(t, store.CommitSignal(context.Background(), raw, sig))
	return sig
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	payload := map[string]interface{}{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && resp.Header.Get("Content-Type") != "" &&
		strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(data, &payload))
	} else {
		payload["_body"] = string(data)
	}
	return resp, payload
}

func TestListProcessed(t *testing.T) {
	app, store := newTestApp(t)
	seedSignal(t, store, "1", -3)
	seedSignal(t, store, "2", 4)

	resp, payload := doJSON(t, app, http.MethodGet, "/api/v1/signals/processed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	signals := payload["signals"].([]interface{})
	assert.Len(t, signals, 2)

	pagination := payload["pagination"].(map[string]interface{})
	assert.Equal(t, float64(2), pagination["total_count"])

	resp, payload = doJSON(t, app, http.MethodGet, "/api/v1/signals/processed?signals_only=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["signals"].([]interface{}), 1)
}

func TestListProcessed_BadFilter(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/signals/processed?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/signals/processed?start=notatime", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlagAndDiscardToggle(t *testing.T) {
	app, store := newTestApp(t)
	sig := seedSignal(t, store, "1", -3)

	path := fmt.Sprintf("/api/v1/signals/%d/flag", sig.ID)

	resp, payload := doJSON(t, app, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "flagged", payload["status"])

	resp, payload = doJSON(t, app, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", payload["status"], "flagging twice restores new")

	resp, payload = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/v1/signals/%d/discard", sig.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "discarded", payload["status"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/signals/9999/flag", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchAction(t *testing.T) {
	app, store := newTestApp(t)
	first := seedSignal(t, store, "1", -1)
	second := seedSignal(t, store, "2", -2)

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/signals/batch-action", map[string]interface{}{
		"ids":    []int64{first.ID, second.ID},
		"action": "flag",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["updated"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/signals/batch-action", map[string]interface{}{
		"ids":    []int64{first.ID},
		"action": "archive",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTagsConfig(t *testing.T) {
	app, _ := newTestApp(t)

	resp, payload := doJSON(t, app, http.MethodGet, "/api/v1/signals/tags", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ephem emro", payload["tags"], "defaults apply before any save")

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/signals/tags", map[string]string{"tags": "polio"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload = doJSON(t, app, http.MethodGet, "/api/v1/signals/tags", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "polio", payload["tags"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/signals/tags", map[string]string{"tags": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCounts(t *testing.T) {
	app, store := newTestApp(t)
	seedSignal(t, store, "1", -1)
	seedSignal(t, store, "2", 5)

	resp, payload := doJSON(t, app, http.MethodGet, "/api/v1/signals/counts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["all"])

	resp, payload = doJSON(t, app, http.MethodGet, "/api/v1/signals/counts?signals_only=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), payload["all"])
}

func seedAgedSignal(t *testing.T, store *sqlite.Client, externalID string, age time.Duration) {
	t.Helper()

	raw := &models.RawArticle{
		ExternalID: externalID,
		Title:      "Headline " + externalID,
	}
	sig := &models.ProcessedSignal{
		ExternalID:  externalID,
		Countries:   "Kenya",
		Hazards:     "Cholera",
		TotalScore:  -1,
		IsSignal:    true,
		ProcessedAt: time.Now().UTC().Add(-age),
	}
	require.NoError(t, store.CommitSignal(context.Background(), raw, sig))
}

func TestCleanup_RequiresConfirm(t *testing.T) {
	app, store := newTestApp(t)
	seedAgedSignal(t, store, "old-1", 60*24*time.Hour)
	seedSignal(t, store, "fresh-1", -1)

	// Without confirm nothing may be deleted.
	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/signals/cleanup", map[string]interface{}{
		"older_than_days": 30,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, payload["error"], "confirm")

	counts, err := store.StatusCounts(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.All)

	resp, payload = doJSON(t, app, http.MethodPost, "/api/v1/signals/cleanup", map[string]interface{}{
		"older_than_days": 30,
		"confirm":         true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := payload["deleted"].(map[string]interface{})
	assert.Equal(t, float64(1), deleted["processed_signals"])

	counts, err = store.StatusCounts(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.All)
}

func TestCleanupPreview(t *testing.T) {
	app, store := newTestApp(t)
	seedAgedSignal(t, store, "old-1", 60*24*time.Hour)
	seedSignal(t, store, "fresh-1", -1)

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/signals/cleanup/preview", map[string]interface{}{
		"older_than_days": 30,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := payload["preview"].(map[string]interface{})
	assert.Equal(t, float64(1), preview["processed_signals"])
	assert.Equal(t, float64(1), preview["ledger_entries"])

	// Preview must not delete.
	counts, err := store.StatusCounts(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.All)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/signals/cleanup/preview", map[string]interface{}{
		"older_than_days": 0,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportCSV(t *testing.T) {
	app, store := newTestApp(t)
	sig := seedSignal(t, store, "12345", -3)
	seedSignal(t, store, "67890", 4)

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/signals/export-csv", map[string]interface{}{
		"ids": []int64{sig.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	body := payload["_body"].(string)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	assert.Len(t, lines, 2, "header plus the one requested row")
	assert.Contains(t, body, "12345")
	assert.NotContains(t, body, "67890")

	// Filtered export without ids.
	resp, payload = doJSON(t, app, http.MethodPost, "/api/v1/signals/export-csv", map[string]interface{}{
		"signals_only": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, payload["_body"].(string), "12345")
	assert.NotContains(t, payload["_body"].(string), "67890")
}

func TestFetchArticlesHandler(t *testing.T) {
	summary := &pipeline.RunSummary{RunID: "run-1", Processed: 2, TrueSignals: 1}

	trigger := func(_ context.Context, tags []string, windowHours int) (*pipeline.RunSummary, error) {
		assert.Equal(t, []string{"polio"}, tags)
		assert.Equal(t, 12, windowHours)
		return summary, nil
	}

	app := fiber.New()
	app.Post("/api/v1/articles/fetch", NewPipelineHandler(trigger).FetchArticles)

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/articles/fetch", map[string]interface{}{
		"tags":         []string{"polio"},
		"window_hours": 12,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", payload["run_id"])
	assert.Equal(t, float64(2), payload["processed_count"])
}

func TestFetchArticlesHandler_Conflict(t *testing.T) {
	trigger := func(context.Context, []string, int) (*pipeline.RunSummary, error) {
		return nil, pipeline.ErrRunInProgress
	}

	app := fiber.New()
	app.Post("/api/v1/articles/fetch", NewPipelineHandler(trigger).FetchArticles)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/articles/fetch", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFetchArticlesHandler_NoTags(t *testing.T) {
	trigger := func(context.Context, []string, int) (*pipeline.RunSummary, error) {
		return nil, pipeline.ErrNoTags
	}

	app := fiber.New()
	app.Post("/api/v1/articles/fetch", NewPipelineHandler(trigger).FetchArticles)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/articles/fetch", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
