// Package web provides HTTP handlers and REST API endpoints for agent runs.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/runflow/pkg/coordinator"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// RunService admits runs and records approvals. *coordinator.Coordinator
// implements it.
type RunService interface {
	StartRun(ctx context.Context, request coordinator.StartRequest) (*models.RunState, error)
	RecordApproval(ctx context.Context, runID, decision string) error
}

// EventSource replays and streams run events. *eventbus.Bus implements it.
type EventSource interface {
	Replay(ctx context.Context, runID string) ([]events.Event, error)
	Stream(ctx context.Context, runID string) (<-chan events.Event, error)
}

type APIHandlers struct {
	runs        RunService
	persistence persistence.Persistence
	events      EventSource
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	runs RunService,
	persistence persistence.Persistence,
	events EventSource,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		runs:        runs,
		persistence: persistence,
		events:      events,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

// Register mounts the run endpoints on router.
func (h *APIHandlers) Register(router fiber.Router) {
	r := router.Group("/runs")
	r.Post("/", h.StartRun)
	r.Get("/:id", h.GetRun)
	r.Get("/:id/workflow", h.GetWorkflow)
	r.Get("/:id/events", h.GetEvents)
	r.Post("/:id/approval", h.RecordApproval)
	r.Get("/:id/trace", h.GetTrace)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runs.StartRun(c.Context(), req.toCoordinator())
	if err != nil {
		if errors.Is(err, limits.ErrRateLimited) && run != nil {
			h.logger.WarnContext(c.Context(), "Run rate limited", "run_id", run.RunID, "tenant_id", run.TenantID)
		}

		return handleRunError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(NewRunResponse(run))
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.persistence.Runs().Load(c.Context(), c.Params("id"))
	if err != nil {
		return handleRunError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.persistence.Workflows().Load(c.Context(), c.Params("id"))
	if err != nil {
		return handleRunError(c, err)
	}

	return c.JSON(wf)
}

// GetEvents replays the run's events as JSON, or as server-sent events
// followed by live ones when the client accepts text/event-stream. The after
// query parameter skips events up to that seq.
func (h *APIHandlers) GetEvents(c fiber.Ctx) error {
	runID := c.Params("id")

	if _, err := h.persistence.Runs().Load(c.Context(), runID); err != nil {
		return handleRunError(c, err)
	}

	var after int64

	if afterStr := c.Query("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			return badRequest(c, "Invalid after parameter")
		}

		after = parsed
	}

	if strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
		return h.streamEvents(c, runID, after)
	}

	logged, err := h.events.Replay(c.Context(), runID)
	if err != nil {
		return internalError(c, err)
	}

	filtered := make([]events.Event, 0, len(logged))
	for _, event := range logged {
		if event.Seq > after {
			filtered = append(filtered, event)
		}
	}

	return c.JSON(EventsResponse{RunID: runID, Events: filtered})
}

func (h *APIHandlers) RecordApproval(c fiber.Ctx) error {
	runID := c.Params("id")

	var req ApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.runs.RecordApproval(c.Context(), runID, req.Decision); err != nil {
		return handleRunError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(ApprovalResponse{RunID: runID, Decision: req.Decision})
}

func (h *APIHandlers) GetTrace(c fiber.Ctx) error {
	runID := c.Params("id")

	trace, err := h.persistence.Traces().LoadTrace(c.Context(), runID)
	if err != nil {
		return handleRunError(c, err)
	}

	spans, err := h.persistence.Traces().LoadSpans(c.Context(), runID)
	if err != nil {
		return handleRunError(c, err)
	}

	return c.JSON(TraceResponse{Trace: trace, Spans: spans})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "runflow API is healthy"
	httpStatus := http.StatusOK
	persistenceCheck := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "runflow API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		persistenceCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
