package web

import (
	"errors"

	"github.com/dukex/runflow/pkg/coordinator"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleRunError maps coordinator, engine and store errors to problems.
func handleRunError(c fiber.Ctx, err error) error {
	switch {
	case coordinator.IsValidationError(err), errors.Is(err, workflow.ErrInvalidDecision), errors.Is(err, persistence.ErrInvalidRunID):
		return badRequest(c, err.Error())

	case errors.Is(err, limits.ErrRateLimited):
		problem := problems.NewStatusProblem(429).
			WithInstance(c.Path()).
			WithType("rate_limited").
			WithDetail(err.Error())

		return c.Status(fiber.StatusTooManyRequests).JSON(problem)

	case errors.Is(err, workflow.ErrNotAwaitingApproval), errors.Is(err, coordinator.ErrRunExists):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsRunNotFound(err):
		return notFound(c, "run not found")

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow not found")

	case persistence.IsTraceNotInitialized(err):
		return notFound(c, "trace not found")

	default:
		return internalError(c, err)
	}
}
