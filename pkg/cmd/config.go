// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/runflow/pkg/lease"
	"github.com/dukex/runflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
)

// Deployment modes.
const (
	ModeSingleProcess = "single_process"
	ModeDistributed   = "distributed"
)

// Event bus transports.
const (
	EventBusGoChannel = "gochannel"
	EventBusKafka     = "kafka"
	EventBusRedis     = "redis"
)

// Tool queue kinds.
const (
	ToolQueueNoop  = "noop"
	ToolQueueRedis = "redis"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Mode         string   `validate:"required,oneof=single_process distributed"`
	DatabaseURL  string   `validate:"required"`
	RedisURL     string   `validate:"omitempty,url"`
	EventBus     string   `validate:"required,oneof=gochannel kafka redis"`
	KafkaBrokers []string `validate:"required_if=EventBus kafka,dive,hostname_port"`
	ToolQueue    string   `validate:"required,oneof=noop redis"`
	Environment  string

	LeaseTTL            time.Duration `validate:"gte=0"`
	GlobalConcurrency   int           `validate:"gte=0"`
	TenantConcurrency   int           `validate:"gte=0"`
	TenantRatePerSecond float64       `validate:"gte=0"`
	TenantBurst         int           `validate:"gte=0"`
	ModelBudgetUSD      float64       `validate:"gte=0"`

	StartWorkflowOnRunStart bool
	RecoverySchedule        string

	OTelEnabled bool
	LogLevel    string `validate:"omitempty,oneof=debug info warn error"`
	WorkerID    string `validate:"omitempty,max=128"`
	ServiceName string
}

// DefaultConfig is a single process deployment on the file store.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeSingleProcess,
		DatabaseURL:             "file://./data",
		EventBus:                EventBusGoChannel,
		ToolQueue:               ToolQueueNoop,
		Environment:             "development",
		LeaseTTL:                lease.DefaultTTL,
		StartWorkflowOnRunStart: true,
		RecoverySchedule:        workflow.DefaultSweepSchedule,
		LogLevel:                "info",
		ServiceName:             "runflow",
	}
}

func (c Config) Distributed() bool {
	return c.Mode == ModeDistributed
}

// Validate checks the struct tags and the cross-field rules of a deployment.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	needsRedis := c.Distributed() || c.EventBus == EventBusRedis || c.ToolQueue == ToolQueueRedis
	if needsRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: redis url is required for mode %q, event bus %q and tool queue %q",
			ErrInvalidConfig, c.Mode, c.EventBus, c.ToolQueue)
	}

	if c.Distributed() && c.EventBus == EventBusGoChannel {
		return fmt.Errorf("%w: the gochannel event bus only reaches a single process", ErrInvalidConfig)
	}

	return nil
}
