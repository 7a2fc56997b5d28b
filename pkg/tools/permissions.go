package tools

import "strings"

// PermissionGate decides which permission scopes a deployment grants.
type PermissionGate struct {
	environment string
}

func NewPermissionGate(environment string) *PermissionGate {
	if environment == "" {
		environment = "development"
	}

	return &PermissionGate{environment: environment}
}

// Allowed reports whether scope may run, and why not when it may not.
func (g *PermissionGate) Allowed(scope string) (bool, string) {
	switch {
	case strings.HasPrefix(scope, "calculator."):
		return true, ""
	case scope == "github.read":
		if g.environment == "development" {
			return true, ""
		}

		return false, "scope_not_allowed_environment"
	default:
		return false, "scope_not_allowed"
	}
}

// Filter keeps the descriptors whose scope is allowed.
func (g *PermissionGate) Filter(descriptors []Descriptor) []Descriptor {
	allowed := make([]Descriptor, 0, len(descriptors))

	for _, descriptor := range descriptors {
		if ok, _ := g.Allowed(descriptor.PermissionScope); ok {
			allowed = append(allowed, descriptor)
		}
	}

	return allowed
}
