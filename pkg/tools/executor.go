package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
)

// Failure codes reported in tool.failed events.
const (
	FailureInvalidToolName  = "invalid_tool_name"
	FailureUnknownTool      = "unknown_tool"
	FailureInvalidArguments = "invalid_arguments"
	FailureExecution        = "execution_error"
)

const executorQueueSize = 256

type subscriber interface {
	SubscribeAll(handler eventbus.Handler) (unsubscribe func())
}

// Executor runs requested tools and publishes their outcome.
type Executor struct {
	publisher eventbus.Publisher
	registry  *Registry
	gate      *PermissionGate
	tracer    *observability.Tracer
	logger    *slog.Logger

	mu          sync.Mutex
	queue       chan events.Event
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewExecutor(publisher eventbus.Publisher, registry *Registry, gate *PermissionGate, tracer *observability.Tracer, logger *slog.Logger) *Executor {
	return &Executor{
		publisher: publisher,
		registry:  registry,
		gate:      gate,
		tracer:    tracer,
		logger:    logger.With("module", "tool_executor"),
	}
}

// Start executes tool.requested events delivered by bus on a background
// goroutine, one request at a time.
func (e *Executor) Start(ctx context.Context, bus subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	queue := make(chan events.Event, executorQueueSize)

	e.queue = queue
	e.cancel = cancel
	e.unsubscribe = bus.SubscribeAll(func(ctx context.Context, event events.Event) error {
		if event.Type != events.ToolRequested {
			return nil
		}

		select {
		case queue <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-queue:
				if err := e.Process(ctx, event); err != nil {
					e.logger.ErrorContext(ctx, "Failed to process tool request", "run_id", event.RunID, "error", err)
				}
			}
		}
	}()

	e.logger.InfoContext(ctx, "Tool executor started")
}

func (e *Executor) Stop() {
	e.mu.Lock()
	unsubscribe, cancel := e.unsubscribe, e.cancel
	e.unsubscribe, e.cancel, e.queue = nil, nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if cancel != nil {
		cancel()
	}

	e.wg.Wait()
}

// Process executes one tool.requested event. The returned error only reports
// a failure to publish the outcome; tool failures become tool.failed events.
func (e *Executor) Process(ctx context.Context, event events.Event) error {
	identity := identityOf(event)

	decoded, err := events.Decode(event)
	if err != nil {
		name := event.DataString("tool_name")
		if name == "" {
			name = "unknown"
		}

		e.logger.WarnContext(ctx, "Rejecting malformed tool request", "run_id", event.RunID, "error", err)

		return e.fail(ctx, event.RunID, name, FailureInvalidToolName, 0, identity)
	}

	request, ok := decoded.(*events.ToolRequestedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", decoded, event.Type)
	}

	tool, ok := e.registry.Get(request.ToolName)
	if !ok {
		return e.fail(ctx, event.RunID, request.ToolName, FailureUnknownTool, 0, identity)
	}

	descriptor := tool.Descriptor()
	if allowed, reason := e.gate.Allowed(descriptor.PermissionScope); !allowed {
		return e.publish(ctx, event.RunID, events.ToolDeniedPayload{
			ToolName:        request.ToolName,
			PermissionScope: descriptor.PermissionScope,
			Reason:          reason,
		}, identity)
	}

	spanID := e.tracer.StartSpan(ctx, event.RunID, "tool."+request.ToolName, observability.KindTool, request.ParentSpanID,
		map[string]any{"tool_name": request.ToolName, "event_id": event.ID})

	start := time.Now()

	if err := e.registry.ValidateArguments(request.ToolName, request.Arguments); err != nil {
		e.logger.WarnContext(ctx, "Tool argument validation failed", "run_id", event.RunID, "tool", request.ToolName, "error", err)
		e.tracer.EndSpan(ctx, event.RunID, spanID, models.SpanStatusError, map[string]any{"error": FailureInvalidArguments}, nil)

		return e.fail(ctx, event.RunID, request.ToolName, FailureInvalidArguments, since(start), identity)
	}

	output, err := tool.Execute(ctx, request.Arguments)
	duration := since(start)

	if err != nil {
		code := FailureExecution

		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			code = execErr.Code
		} else {
			e.logger.ErrorContext(ctx, "Tool execution crashed", "run_id", event.RunID, "tool", request.ToolName, "error", err)
		}

		e.tracer.EndSpan(ctx, event.RunID, spanID, models.SpanStatusError, map[string]any{"error": code}, map[string]any{"duration_ms": duration})

		return e.fail(ctx, event.RunID, request.ToolName, code, duration, identity)
	}

	e.tracer.EndSpan(ctx, event.RunID, spanID, models.SpanStatusOK, nil, map[string]any{"duration_ms": duration})
	e.logger.InfoContext(ctx, "Tool completed", "run_id", event.RunID, "tool", request.ToolName, "duration_ms", duration)

	return e.publish(ctx, event.RunID, events.ToolCompletedPayload{
		ToolName:   request.ToolName,
		Output:     output,
		DurationMs: duration,
	}, identity)
}

func (e *Executor) fail(ctx context.Context, runID, toolName, code string, duration int64, identity map[string]string) error {
	e.logger.InfoContext(ctx, "Tool failed", "run_id", runID, "tool", toolName, "error", code)

	return e.publish(ctx, runID, events.ToolFailedPayload{
		ToolName:   toolName,
		Error:      code,
		DurationMs: duration,
	}, identity)
}

func (e *Executor) publish(ctx context.Context, runID string, payload events.Payload, identity map[string]string) error {
	event, err := events.FromPayload(runID, payload, identity)
	if err != nil {
		return err
	}

	if _, err := e.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", payload.EventType(), err)
	}

	return nil
}

func identityOf(event events.Event) map[string]string {
	return map[string]string{
		"tenant_id": event.DataString("tenant_id"),
		"user_id":   event.DataString("user_id"),
	}
}

func since(start time.Time) int64 {
	return max(time.Since(start).Milliseconds(), 0)
}
