// Package executor runs authorized tool calls. Pure and network tools pass
// through to their tool server over the bridge; browser and database tools
// run in local sandboxes with their own resource limits and teardown
// guarantees. Executors only ever see calls the policy gate already
// allowed.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/capability"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
)

// Kind identifies which sandbox a tool call runs in.
type Kind string

const (
	KindPassthrough Kind = "passthrough"
	KindBrowser     Kind = "browser"
	KindDatabase    Kind = "database"
)

// KindFor maps a capability's side-effect class to its executor.
func KindFor(class capability.SideEffectClass) Kind {
	switch class {
	case capability.SideEffectBrowser:
		return KindBrowser
	case capability.SideEffectDatabase:
		return KindDatabase
	default:
		return KindPassthrough
	}
}

// Request is one authorized tool call.
type Request struct {
	Tool      string
	Target    string
	Principal string
	Arguments map[string]interface{}
}

// Result is the successful outcome of a tool call.
type Result struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Executor runs tool calls of one kind.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Dispatcher routes a call to the executor for its side-effect class and
// records the outcome in metrics and the audit log.
type Dispatcher struct {
	executors map[Kind]Executor
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given executors
func NewDispatcher(logger zerolog.Logger, executors ...Executor) *Dispatcher {
	m := make(map[Kind]Executor, len(executors))
	for _, e := range executors {
		m[e.Kind()] = e
	}
	return &Dispatcher{
		executors: m,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs one authorized call through the executor for its class.
func (d *Dispatcher) Execute(ctx context.Context, cap *capability.ToolCapability, req Request) (*Result, error) {
	kind := KindFor(cap.SideEffectClass)
	ex, ok := d.executors[kind]
	if !ok {
		return nil, problem.Newf(problem.KindInternal, "no executor configured for %s tools", kind)
	}

	start := time.Now()
	result, err := ex.Execute(ctx, req)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = string(problem.KindOf(err))
	}
	observability.RecordToolCall(string(kind), status, elapsed)
	observability.RecordToolAudit(ctx, req.Tool, req.Principal, status, map[string]interface{}{
		"kind":        string(kind),
		"duration_ms": elapsed.Milliseconds(),
	})

	if err != nil {
		d.logger.Warn().Err(err).
			Str("tool", req.Tool).
			Str("kind", string(kind)).
			Str("principal", req.Principal).
			Msg("Tool call failed")
		return nil, err
	}

	d.logger.Debug().
		Str("tool", req.Tool).
		Str("kind", string(kind)).
		Dur("duration", elapsed).
		Msg("Tool call completed")
	return result, nil
}
