package cmd

import (
	"fmt"

	"github.com/dukex/runflow/pkg/tools"
)

func registerNativeTools(reg *tools.Registry) error {
	if err := reg.Register(tools.Calculator{}); err != nil {
		return fmt.Errorf("failed to register %s: %w", tools.CalculatorName, err)
	}

	return nil
}

// NewRegistry returns the tool registry with every built-in tool.
func NewRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()

	if err := registerNativeTools(reg); err != nil {
		return nil, err
	}

	return reg, nil
}
