// Package postgresql provides PostgreSQL persistence for distributed deployments.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int

	events    *EventStore
	runs      *RunStore
	workflows *WorkflowStore
	traces    *TraceStore
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgres_persistence")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	maxRetries := persistence.DefaultMaxRetries

	return &Persistence{
		db:         database,
		logger:     logger,
		maxRetries: maxRetries,
		events:     &EventStore{db: database, logger: logger},
		runs:       &RunStore{db: database, logger: logger},
		workflows:  &WorkflowStore{db: database, logger: logger, maxRetries: maxRetries},
		traces:     &TraceStore{db: database, maxRetries: maxRetries},
	}, nil
}

func (p *Persistence) Events() persistence.EventStore       { return p.events }
func (p *Persistence) Runs() persistence.RunStore           { return p.runs }
func (p *Persistence) Workflows() persistence.WorkflowStore { return p.workflows }
func (p *Persistence) Traces() persistence.TraceStore       { return p.traces }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
