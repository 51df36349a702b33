package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/episignal/backend/internal/scheduler"
)

type SchedulerHandler struct {
	sched         *scheduler.Scheduler
	runInProgress func() bool
}

func NewSchedulerHandler(sched *scheduler.Scheduler, runInProgress func() bool) *SchedulerHandler {
	return &SchedulerHandler{
		sched:         sched,
		runInProgress: runInProgress,
	}
}

func (h *SchedulerHandler) Start(c *fiber.Ctx) error {
	started := h.sched.Start()
	return c.JSON(fiber.Map{
		"running":          true,
		"started":          started,
		"interval_minutes": int(h.sched.Interval().Minutes()),
	})
}

func (h *SchedulerHandler) Stop(c *fiber.Ctx) error {
	h.sched.Stop()
	return c.JSON(fiber.Map{
		"running": false,
	})
}

func (h *SchedulerHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"running":          h.sched.Running(),
		"interval_minutes": int(h.sched.Interval().Minutes()),
		"run_in_progress":  h.runInProgress(),
	})
}
