// Package capability is the read-only client side of the external tool
// registry. It resolves tool names to capability descriptors, caches them
// for a TTL, and validates call arguments against the descriptor's input
// schema.
package capability

import (
	"context"
	"encoding/json"
	"errors"
)

// SideEffectClass classifies what a tool touches when it runs.
type SideEffectClass string

const (
	SideEffectPure       SideEffectClass = "pure"
	SideEffectNetwork    SideEffectClass = "network"
	SideEffectFilesystem SideEffectClass = "filesystem"
	SideEffectBrowser    SideEffectClass = "browser"
	SideEffectDatabase   SideEffectClass = "database"
)

// ToolCapability describes one tool as the registry knows it. Immutable
// once fetched for a request.
type ToolCapability struct {
	Name            string          `json:"name"`
	Target          string          `json:"target"` // address of the hosting tool server
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	SideEffectClass SideEffectClass `json:"side_effect_class"`
	Allowlisted     bool            `json:"allowlisted"`
}

// ErrNotFound is returned when the registry has no descriptor for a tool.
var ErrNotFound = errors.New("tool not found in registry")

// Resolver resolves a tool name to its capability descriptor.
type Resolver interface {
	Resolve(ctx context.Context, toolName string) (*ToolCapability, error)
}

// StaticResolver serves descriptors from a fixed in-memory set. Used for
// config-declared tools and in tests.
type StaticResolver struct {
	tools map[string]*ToolCapability
}

// NewStaticResolver creates a resolver over a fixed descriptor set
func NewStaticResolver(tools []*ToolCapability) *StaticResolver {
	m := make(map[string]*ToolCapability, len(tools))
	for _, tool := range tools {
		m[tool.Name] = tool
	}
	return &StaticResolver{tools: m}
}

// Resolve implements Resolver
func (r *StaticResolver) Resolve(_ context.Context, toolName string) (*ToolCapability, error) {
	tool, ok := r.tools[toolName]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate the shared descriptor.
	cp := *tool
	return &cp, nil
}
