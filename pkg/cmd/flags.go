package cmd

import (
	"github.com/dukex/runflow/pkg/lease"
	"github.com/dukex/runflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// Flags are the deployment flags shared by every runflow binary.
func Flags() []cli.Flag {
	defaults := DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "mode",
			Usage:   "Deployment mode (single_process, distributed)",
			Value:   defaults.Mode,
			Sources: cli.EnvVars("RUNFLOW_MODE"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (file://, postgres://, redis://)",
			Value:   defaults.DatabaseURL,
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for leases, the tool queue and the redis event bus",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka, redis)",
			Value:   defaults.EventBus,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the kafka event bus",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "tool-queue",
			Usage:   "Tool queue type (noop, redis)",
			Value:   defaults.ToolQueue,
			Sources: cli.EnvVars("TOOL_QUEUE"),
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment used by tool permissions",
			Value:   defaults.Environment,
			Sources: cli.EnvVars("RUNFLOW_ENV"),
		},
		&cli.DurationFlag{
			Name:    "lease-ttl",
			Usage:   "Run lease duration in distributed mode",
			Value:   lease.DefaultTTL,
			Sources: cli.EnvVars("LEASE_TTL"),
		},
		&cli.IntFlag{
			Name:    "global-concurrency",
			Usage:   "Maximum active runs across tenants (0 disables)",
			Sources: cli.EnvVars("GLOBAL_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "tenant-concurrency",
			Usage:   "Maximum active runs per tenant (0 disables)",
			Sources: cli.EnvVars("TENANT_CONCURRENCY"),
		},
		&cli.FloatFlag{
			Name:    "tenant-rate",
			Usage:   "Run starts per second per tenant (0 disables)",
			Sources: cli.EnvVars("TENANT_RATE_PER_SECOND"),
		},
		&cli.IntFlag{
			Name:    "tenant-burst",
			Usage:   "Run start burst per tenant",
			Sources: cli.EnvVars("TENANT_BURST"),
		},
		&cli.FloatFlag{
			Name:    "model-budget-usd",
			Usage:   "Model spend limit per run in USD (0 disables)",
			Sources: cli.EnvVars("MODEL_BUDGET_USD"),
		},
		&cli.BoolFlag{
			Name:    "start-workflow-on-run-start",
			Usage:   "Start the workflow as soon as a run is admitted",
			Value:   defaults.StartWorkflowOnRunStart,
			Sources: cli.EnvVars("START_WORKFLOW_ON_RUN_START"),
		},
		&cli.StringFlag{
			Name:    "recovery-schedule",
			Usage:   "Cron schedule resuming orphaned workflows",
			Value:   workflow.DefaultSweepSchedule,
			Sources: cli.EnvVars("RECOVERY_SCHEDULE"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export spans over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   defaults.LogLevel,
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// ConfigFromCommand reads the flags declared by Flags.
func ConfigFromCommand(command *cli.Command, serviceName string) Config {
	return Config{
		Mode:                    command.String("mode"),
		DatabaseURL:             command.String("database-url"),
		RedisURL:                command.String("redis-url"),
		EventBus:                command.String("event-bus"),
		KafkaBrokers:            command.StringSlice("kafka-brokers"),
		ToolQueue:               command.String("tool-queue"),
		Environment:             command.String("environment"),
		LeaseTTL:                command.Duration("lease-ttl"),
		GlobalConcurrency:       command.Int("global-concurrency"),
		TenantConcurrency:       command.Int("tenant-concurrency"),
		TenantRatePerSecond:     command.Float("tenant-rate"),
		TenantBurst:             command.Int("tenant-burst"),
		ModelBudgetUSD:          command.Float("model-budget-usd"),
		StartWorkflowOnRunStart: command.Bool("start-workflow-on-run-start"),
		RecoverySchedule:        command.String("recovery-schedule"),
		OTelEnabled:             command.Bool("otel-enabled"),
		LogLevel:                command.String("log-level"),
		WorkerID:                command.String("worker-id"),
		ServiceName:             serviceName,
	}
}
