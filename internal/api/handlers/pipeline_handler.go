package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/episignal/backend/internal/pipeline"
	"github.com/episignal/backend/pkg/logger"
)

// TriggerFunc runs one pipeline cycle. Empty tags mean "use the stored
// configuration"; windowHours <= 0 means the configured default window.
type TriggerFunc func(ctx context.Context, tags []string, windowHours int) (*pipeline.RunSummary, error)

type PipelineHandler struct {
	trigger TriggerFunc
}

func NewPipelineHandler(trigger TriggerFunc) *PipelineHandler {
	return &PipelineHandler{
		trigger: trigger,
	}
}

// FetchArticles triggers a run and blocks until it completes, returning
// the run summary. A concurrent run yields 409.
func (h *PipelineHandler) FetchArticles(c *fiber.Ctx) error {
	var req struct {
		Tags        []string `json:"tags"`
		WindowHours int      `json:"window_hours"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	summary, err := h.trigger(c.Context(), req.Tags, req.WindowHours)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "A fetch is already in progress",
			})
		case errors.Is(err, pipeline.ErrNoTags):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No tags configured",
			})
		}

		logger.Error("Pipeline run failed", zap.Error(err))
		resp := fiber.Map{
			"error": "Pipeline run failed",
		}
		if summary != nil {
			resp["summary"] = summary
		}
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}

	return c.JSON(summary)
}
