package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/dukex/runflow/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shellTool struct{}

func (shellTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Name: "shell", Source: "test", PermissionScope: "shell.exec"}
}

func (shellTool) Execute(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type crashingTool struct{}

func (crashingTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Name: "flaky", Source: "test", PermissionScope: "calculator.flaky"}
}

func (crashingTool) Execute(context.Context, map[string]any) (map[string]any, error) {
	return nil, errors.New("connection reset")
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Calculator{}))
	require.NoError(t, registry.Register(shellTool{}))
	require.NoError(t, registry.Register(crashingTool{}))

	return registry
}

func TestRegistry(t *testing.T) {
	registry := newRegistry(t)

	err := registry.Register(tools.Calculator{})
	assert.ErrorIs(t, err, tools.ErrDuplicateTool)

	names := []string{}
	for _, descriptor := range registry.Descriptors() {
		names = append(names, descriptor.Name)
	}

	assert.Equal(t, []string{"calculator", "flaky", "shell"}, names)

	assert.NoError(t, registry.ValidateArguments("calculator", map[string]any{"operation": "add", "a": 2.0, "b": 2.0}))
	assert.ErrorIs(t, registry.ValidateArguments("calculator", map[string]any{"operation": "pow", "a": 2.0, "b": 2.0}), tools.ErrInvalidArguments)
	assert.ErrorIs(t, registry.ValidateArguments("calculator", map[string]any{"operation": "add", "a": 2.0}), tools.ErrInvalidArguments)
	assert.ErrorIs(t, registry.ValidateArguments("calculator", map[string]any{"operation": "add", "a": 1.0, "b": 1.0, "c": 1.0}), tools.ErrInvalidArguments)
	assert.ErrorIs(t, registry.ValidateArguments("nope", nil), tools.ErrUnknownTool)
	assert.NoError(t, registry.ValidateArguments("shell", nil), "tools without a schema accept anything")
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		operation string
		a, b      float64
		want      float64
		wantErr   string
	}{
		{operation: "add", a: 2, b: 2, want: 4},
		{operation: "subtract", a: 10, b: 4, want: 6},
		{operation: "multiply", a: 3, b: 5, want: 15},
		{operation: "divide", a: 9, b: 3, want: 3},
		{operation: "divide", a: 1, b: 0, wantErr: "division_by_zero"},
		{operation: "modulo", a: 1, b: 2, wantErr: "unsupported operation modulo"},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			output, err := tools.Calculator{}.Execute(context.Background(), map[string]any{"operation": tt.operation, "a": tt.a, "b": tt.b})
			if tt.wantErr != "" {
				var execErr *tools.ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, tt.wantErr, execErr.Code)

				return
			}

			require.NoError(t, err)
			assert.InDelta(t, tt.want, output["result"], 1e-9)
		})
	}
}

func TestPermissionGate(t *testing.T) {
	dev := tools.NewPermissionGate("")
	prod := tools.NewPermissionGate("production")

	allowed, _ := dev.Allowed("calculator.execute")
	assert.True(t, allowed)

	allowed, _ = dev.Allowed("github.read")
	assert.True(t, allowed)

	allowed, reason := prod.Allowed("github.read")
	assert.False(t, allowed)
	assert.Equal(t, "scope_not_allowed_environment", reason)

	allowed, reason = prod.Allowed("shell.exec")
	assert.False(t, allowed)
	assert.Equal(t, "scope_not_allowed", reason)

	filtered := dev.Filter([]tools.Descriptor{tools.Calculator{}.Descriptor(), shellTool{}.Descriptor()})
	require.Len(t, filtered, 1)
	assert.Equal(t, "calculator", filtered[0].Name)
}

func TestExecutor_PublishesOutcomes(t *testing.T) {
	bus, _ := testutil.NewLocalBus(t)
	executor := tools.NewExecutor(bus, newRegistry(t), tools.NewPermissionGate("development"), nil, testutil.Logger())
	executor.Start(t.Context(), bus)
	t.Cleanup(executor.Stop)

	identity := map[string]string{"tenant_id": "acme", "user_id": "u1"}

	tests := []struct {
		name      string
		runID     string
		toolName  string
		arguments map[string]any
		wantType  events.EventType
		check     func(t *testing.T, event events.Event)
	}{
		{
			name:      "completed",
			runID:     "run-ok",
			toolName:  "calculator",
			arguments: map[string]any{"operation": "add", "a": 2, "b": 2},
			wantType:  events.ToolCompleted,
			check: func(t *testing.T, event events.Event) {
				output, ok := event.Data["output"].(map[string]any)
				require.True(t, ok)
				assert.InDelta(t, 4.0, output["result"], 1e-9)
				assert.Equal(t, "acme", event.DataString("tenant_id"))
			},
		},
		{
			name:      "division by zero",
			runID:     "run-div",
			toolName:  "calculator",
			arguments: map[string]any{"operation": "divide", "a": 1, "b": 0},
			wantType:  events.ToolFailed,
			check: func(t *testing.T, event events.Event) {
				assert.Equal(t, "division_by_zero", event.DataString("error"))
			},
		},
		{
			name:      "invalid arguments",
			runID:     "run-args",
			toolName:  "calculator",
			arguments: map[string]any{"operation": "add"},
			wantType:  events.ToolFailed,
			check: func(t *testing.T, event events.Event) {
				assert.Equal(t, tools.FailureInvalidArguments, event.DataString("error"))
			},
		},
		{
			name:     "unknown tool",
			runID:    "run-unknown",
			toolName: "teleport",
			wantType: events.ToolFailed,
			check: func(t *testing.T, event events.Event) {
				assert.Equal(t, tools.FailureUnknownTool, event.DataString("error"))
			},
		},
		{
			name:     "crash",
			runID:    "run-crash",
			toolName: "flaky",
			wantType: events.ToolFailed,
			check: func(t *testing.T, event events.Event) {
				assert.Equal(t, tools.FailureExecution, event.DataString("error"))
			},
		},
		{
			name:     "denied",
			runID:    "run-denied",
			toolName: "shell",
			wantType: events.ToolDenied,
			check: func(t *testing.T, event events.Event) {
				assert.Equal(t, "scope_not_allowed", event.DataString("reason"))
				assert.Equal(t, "shell.exec", event.DataString("permission_scope"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request, err := events.FromPayload(tt.runID, events.ToolRequestedPayload{
				ToolName:  tt.toolName,
				Arguments: tt.arguments,
				Source:    "test",
			}, identity)
			require.NoError(t, err)

			_, err = bus.Publish(t.Context(), request)
			require.NoError(t, err)

			outcome := testutil.WaitForEvent(t, bus, tt.runID, tt.wantType)
			assert.Equal(t, tt.toolName, outcome.DataString("tool_name"))
			tt.check(t, outcome)
		})
	}
}

func TestExecutor_MalformedRequest(t *testing.T) {
	bus, _ := testutil.NewLocalBus(t)
	executor := tools.NewExecutor(bus, newRegistry(t), tools.NewPermissionGate(""), nil, testutil.Logger())

	request := events.New(events.ToolRequested, "run-bad", map[string]any{"arguments": map[string]any{}}, nil)

	require.NoError(t, executor.Process(t.Context(), request))

	failed := testutil.WaitForEvent(t, bus, "run-bad", events.ToolFailed)
	assert.Equal(t, "unknown", failed.DataString("tool_name"))
	assert.Equal(t, tools.FailureInvalidToolName, failed.DataString("error"))
}
