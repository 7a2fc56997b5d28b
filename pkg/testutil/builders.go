// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"log/slog"
	"os"

	"github.com/dukex/runflow/pkg/log"
	"github.com/dukex/runflow/pkg/models"
	"github.com/google/uuid"
)

// NewRunState creates a run snapshot with default values that can be overridden.
func NewRunState(overrides ...func(*models.RunState)) *models.RunState {
	state := models.NewRunState(uuid.New().String(), "What is 2+2?", models.ModeChat)
	state.TenantID = "tenant-test"
	state.UserID = "user-test"

	for _, override := range overrides {
		override(state)
	}

	return state
}

// WithMessage sets the user message of the run.
func WithMessage(message string) func(*models.RunState) {
	return func(state *models.RunState) {
		state.Message = message
	}
}

// WithMode sets the run mode.
func WithMode(mode models.Mode) func(*models.RunState) {
	return func(state *models.RunState) {
		state.Mode = mode
	}
}

// WithRunID pins the run id.
func WithRunID(runID string) func(*models.RunState) {
	return func(state *models.RunState) {
		state.RunID = runID
	}
}

// WithPlanType presets the plan type as if the plan step already ran.
func WithPlanType(planType models.PlanType) func(*models.RunState) {
	return func(state *models.RunState) {
		state.PlanType = planType
	}
}

// Logger returns a logger for tests that only reports errors.
func Logger() *slog.Logger {
	return log.New(os.Stdout, "error")
}
