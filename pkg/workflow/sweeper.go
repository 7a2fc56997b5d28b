package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule resumes orphaned runs twice a minute.
const DefaultSweepSchedule = "@every 30s"

type activeLister interface {
	ListActive(ctx context.Context) ([]string, error)
}

type resumer interface {
	Active(runID string) bool
	ResumeRun(ctx context.Context, runID string) error
}

// Sweeper periodically resumes non-terminal workflows that no local driver is
// working on, such as runs left behind by a crashed worker whose lease expired.
type Sweeper struct {
	engine   resumer
	store    activeLister
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(engine resumer, store activeLister, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}

	return &Sweeper{
		engine:   engine,
		store:    store,
		schedule: schedule,
		logger:   logger.With("module", "workflow_sweeper", "schedule", schedule),
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		s.cron = nil

		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting workflow sweeper")
	s.cron.Start()

	return nil
}

// Sweep resumes every active workflow not driven here and returns how many
// resumptions were attempted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	runIDs, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list active workflows", "error", err)

		return 0
	}

	resumed := 0

	for _, runID := range runIDs {
		if ctx.Err() != nil {
			break
		}

		if s.engine.Active(runID) {
			continue
		}

		if err := s.engine.ResumeRun(ctx, runID); err != nil {
			s.logger.WarnContext(ctx, "Failed to resume workflow", "run_id", runID, "error", err)

			continue
		}

		resumed++
	}

	if resumed > 0 {
		s.logger.InfoContext(ctx, "Sweep resumed workflows", "count", resumed)
	}

	return resumed
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
