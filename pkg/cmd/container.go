package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/activities"
	"github.com/dukex/runflow/pkg/coordinator"
	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/lease"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/toolqueue"
	"github.com/dukex/runflow/pkg/tools"
	"github.com/dukex/runflow/pkg/workflow"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Role selects which parts of the container a process runs.
type Role string

const (
	// RoleAPI accepts runs. In single process mode it also drives them.
	RoleAPI Role = "api"
	// RoleWorker drives workflows.
	RoleWorker Role = "worker"
	// RoleToolWorker consumes the tool queue.
	RoleToolWorker Role = "tool_worker"
)

var (
	ErrAlreadyStarted = errors.New("container already started")
	ErrNoToolQueue    = errors.New("tool queue is not configured")
)

const redisPingTimeout = 5 * time.Second

// Container holds every component of a runflow process. It is built once per
// process by Build and owns the lifecycle of what it built.
type Container struct {
	Config Config
	Role   Role
	Logger *slog.Logger

	Redis       *goredis.Client
	Persistence persistence.Persistence
	Bus         *eventbus.Bus
	Lease       lease.Lease
	ToolQueue   *toolqueue.RedisStreams
	Tools       *tools.Registry
	Permissions *tools.PermissionGate
	Tracer      *observability.Tracer
	RateLimiter *limits.RateLimiter
	Budget      *limits.BudgetManager
	Engine      *workflow.Engine
	Coordinator *coordinator.Coordinator
	Executor    *tools.Executor
	Sweeper     *workflow.Sweeper

	tracerProvider *sdktrace.TracerProvider

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Build wires the components for role from config. On error everything opened
// so far is closed again.
func Build(ctx context.Context, config Config, role Role, logger *slog.Logger) (container *Container, err error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.New().String()[:8]
	}

	if config.ServiceName == "" {
		config.ServiceName = "runflow"
	}

	c := &Container{
		Config: config,
		Role:   role,
		Logger: logger.With("worker_id", config.WorkerID, "role", string(role)),
	}

	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if config.RedisURL != "" {
		if c.Redis, err = newRedisClient(ctx, config.RedisURL); err != nil {
			return nil, err
		}
	}

	if c.Persistence, err = NewPersistence(ctx, c.Logger, config.DatabaseURL, c.sharedRedis()); err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	transport, err := NewTransport(config, c.Redis, c.Logger)
	if err != nil {
		return nil, err
	}

	var busOptions []eventbus.Option

	if config.ToolQueue == ToolQueueRedis {
		c.ToolQueue = toolqueue.NewRedisStreams(c.Redis, toolqueue.RedisStreamsConfig{Consumer: config.WorkerID}, c.Logger)
		busOptions = append(busOptions, eventbus.WithToolQueue(c.ToolQueue))
	}

	c.Bus = eventbus.NewBus(c.Persistence.Events(), transport, c.Logger, busOptions...)

	if config.Distributed() {
		if c.Lease, err = lease.NewRedis(c.Redis, lease.RedisConfig{OwnerID: config.WorkerID, TTL: config.LeaseTTL}, c.Logger); err != nil {
			return nil, fmt.Errorf("failed to create lease: %w", err)
		}
	} else {
		c.Lease = lease.Noop{}
	}

	var tracerOptions []observability.Option

	if config.OTelEnabled {
		if c.tracerProvider, err = otelhelper.NewTracerProvider(ctx, config.ServiceName); err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		tracerOptions = append(tracerOptions, observability.WithOpenTelemetry(c.tracerProvider.Tracer(config.ServiceName)))
	}

	c.Tracer = observability.NewTracer(c.Persistence.Traces(), c.Logger, tracerOptions...)

	if c.Tools, err = NewRegistry(); err != nil {
		return nil, err
	}

	c.Permissions = tools.NewPermissionGate(config.Environment)
	c.Executor = tools.NewExecutor(c.Bus, c.Tools, c.Permissions, c.Tracer, c.Logger)

	c.RateLimiter = limits.NewRateLimiter(limits.RateLimiterConfig{
		GlobalConcurrency:   config.GlobalConcurrency,
		TenantConcurrency:   config.TenantConcurrency,
		TenantRatePerSecond: config.TenantRatePerSecond,
		TenantBurst:         config.TenantBurst,
	})
	c.Budget = limits.NewBudgetManager(config.ModelBudgetUSD)

	guard := guardrails.NewPatternGuard()

	if c.drivesWorkflows() {
		if err := c.buildEngine(guard); err != nil {
			return nil, err
		}
	}

	deps := coordinator.Dependencies{
		Bus:         c.Bus,
		Runs:        c.Persistence.Runs(),
		Workflows:   c.Persistence.Workflows(),
		RateLimiter: c.RateLimiter,
		Budget:      c.Budget,
		InputGate:   guard,
		Tracer:      c.Tracer,
		Logger:      c.Logger,
	}

	if c.Engine != nil {
		deps.Engine = c.Engine
	}

	c.Coordinator = coordinator.NewCoordinator(deps, coordinator.Options{
		StartWorkflowOnRunStart: config.StartWorkflowOnRunStart,
		Distributed:             config.Distributed(),
	})

	return c, nil
}

func (c *Container) buildEngine(guard *guardrails.PatternGuard) error {
	steps := activities.Build(activities.Dependencies{
		Bus:         c.Bus,
		Runs:        c.Persistence.Runs(),
		Tools:       c.Tools,
		Permissions: c.Permissions,
		Retriever:   activities.NewMemoryRetriever(activities.DefaultCorpus()...),
		Output:      guard,
		Budget:      c.Budget,
		Tracer:      c.Tracer,
		Logger:      c.Logger,
	})

	var options []workflow.Option

	if c.Config.Distributed() && c.Config.LeaseTTL > 0 {
		options = append(options, workflow.WithLeaseRefreshInterval(c.Config.LeaseTTL/3))
	}

	engine, err := workflow.NewEngine(workflow.Dependencies{
		Bus:       c.Bus,
		Runs:      c.Persistence.Runs(),
		Workflows: c.Persistence.Workflows(),
		Lease:     c.Lease,
		Tracer:    c.Tracer,
		Logger:    c.Logger,
	}, steps, options...)
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}

	c.Engine = engine

	sweeper, err := workflow.NewSweeper(engine, c.Persistence.Workflows(), c.Config.RecoverySchedule, c.Logger)
	if err != nil {
		return err
	}

	c.Sweeper = sweeper

	return nil
}

// drivesWorkflows reports whether this process runs the workflow engine.
func (c *Container) drivesWorkflows() bool {
	if !c.Config.Distributed() {
		return c.Role != RoleToolWorker
	}

	return c.Role == RoleWorker
}

// executesTools reports whether this process runs tools from the bus.
func (c *Container) executesTools() bool {
	return c.drivesWorkflows() && c.ToolQueue == nil
}

func (c *Container) sharedRedis() *goredis.Client {
	if parsePersistenceProvider(c.Config.DatabaseURL) == "file" {
		return nil
	}

	return c.Redis
}

// Start runs the background parts of the role: the bus subscription, the
// coordinator routing, the local tool executor and the recovery sweeper. A
// single process deployment with a redis tool queue also consumes it here.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	if c.Role == RoleToolWorker {
		return nil
	}

	if err := c.Bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	if err := c.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if c.executesTools() {
		c.Executor.Start(ctx, c.Bus)
	}

	if c.drivesWorkflows() && !c.Config.Distributed() && c.ToolQueue != nil {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			if err := c.ToolQueue.Consume(ctx, c.Executor.Process); err != nil {
				c.Logger.ErrorContext(ctx, "Tool queue consumer stopped", "error", err)
			}
		}()
	}

	if c.Sweeper != nil {
		if err := c.Sweeper.Start(ctx); err != nil {
			return err
		}
	}

	c.Logger.InfoContext(ctx, "Container started", "mode", c.Config.Mode, "event_bus", c.Config.EventBus)

	return nil
}

// RunToolQueue consumes the tool queue until ctx ends.
func (c *Container) RunToolQueue(ctx context.Context) error {
	if c.ToolQueue == nil {
		return ErrNoToolQueue
	}

	return c.ToolQueue.Consume(ctx, c.Executor.Process)
}

// Close stops everything Start started and releases what Build opened, in
// reverse order. It is safe to call on a partially built container.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	var errs []error

	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}

	if c.Executor != nil {
		c.Executor.Stop()
	}

	if c.Coordinator != nil {
		c.Coordinator.Stop()
	}

	if c.Engine != nil {
		if err := c.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down engine: %w", err))
		}
	}

	if cancel != nil {
		cancel()
	}

	c.wg.Wait()

	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}

	if c.Lease != nil {
		if err := c.Lease.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close lease: %w", err))
		}
	}

	if c.Persistence != nil {
		if err := c.Persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if c.tracerProvider != nil {
		if err := c.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %w", err))
		}
	}

	return errors.Join(errs...)
}

func newRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}
