package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/internal/tracing"
	"github.com/harun/toolbridge/pkg/bridge"
	"github.com/harun/toolbridge/pkg/capability"
	"github.com/harun/toolbridge/pkg/executor"
	"github.com/harun/toolbridge/pkg/policy"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
)

// defaultCallTimeout bounds calls that carry no explicit timeout.
const defaultCallTimeout = 30 * time.Second

// Service is the tool-call pipeline behind both gateway surfaces: resolve
// the capability, validate arguments, authorize, then execute. Every call
// walks the same path whether it arrived over /rpc or /ws.
type Service struct {
	registry   *capability.Client
	validator  *capability.Validator
	dispatcher *executor.Dispatcher
	manager    *bridge.Manager
	principals map[string][]string
	logger     zerolog.Logger
}

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	Registry   *capability.Client
	Validator  *capability.Validator
	Dispatcher *executor.Dispatcher
	Manager    *bridge.Manager
	// Principals maps principal names to their granted scopes.
	Principals map[string][]string
	Logger     zerolog.Logger
}

// NewService creates the call pipeline
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		registry:   cfg.Registry,
		validator:  cfg.Validator,
		dispatcher: cfg.Dispatcher,
		manager:    cfg.Manager,
		principals: cfg.Principals,
		logger:     cfg.Logger.With().Str("component", "gateway").Logger(),
	}
}

// admit runs the shared front half of every call: capability resolution,
// argument validation and the policy gate.
func (s *Service) admit(ctx context.Context, principal, tool string, args map[string]interface{}) (*capability.ToolCapability, error) {
	cap, err := s.registry.Resolve(ctx, tool)
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			return nil, problem.Newf(problem.KindNotFound, "tool %s is not registered", tool)
		}
		return nil, problem.Wrap(problem.KindInternal, "failed to resolve tool capability", err)
	}

	if err := s.validator.ValidateArguments(cap, args); err != nil {
		return nil, problem.Wrap(problem.KindPolicyDenied, err.Error(), err)
	}

	decision := policy.Authorize(policy.ExecutionContext{
		Principal:     principal,
		GrantedScopes: s.principals[principal],
		Tool:          tool,
		Arguments:     args,
		TraceID:       tracing.GetTraceID(ctx),
	}, *cap)
	if !decision.Allowed {
		observability.RecordSecurityAudit(ctx, "call:"+tool, principal, "denied", map[string]interface{}{
			"reason": string(decision.Reason),
		})
		s.logger.Warn().
			Str("principal", principal).
			Str("tool", tool).
			Str("reason", string(decision.Reason)).
			Msg("Call denied by policy")
		return nil, problem.New(problem.KindPolicyDenied, decision.Detail)
	}

	return cap, nil
}

// Call runs one unary tool call end to end.
func (s *Service) Call(ctx context.Context, principal string, req CallRequest) (*executor.Result, error) {
	cap, err := s.admit(ctx, principal, req.Tool, req.Arguments)
	if err != nil {
		return nil, err
	}

	timeout := defaultCallTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.dispatcher.Execute(ctx, cap, executor.Request{
		Tool:      req.Tool,
		Target:    cap.Target,
		Principal: principal,
		Arguments: req.Arguments,
	})
}

// Stream runs one streaming tool call: passthrough tools stream straight
// from their tool server under the caller's credit window; sandboxed tools
// execute unarily and deliver their result as a single final chunk.
// Returns the bridge call handle when the consumer controls credit, nil
// when the response was synthesized.
func (s *Service) Stream(ctx context.Context, principal string, req CallRequest, sink stream.Sink) (*bridge.Call, error) {
	cap, err := s.admit(ctx, principal, req.Tool, req.Arguments)
	if err != nil {
		return nil, err
	}

	if executor.KindFor(cap.SideEffectClass) == executor.KindPassthrough {
		payload, err := json.Marshal(map[string]interface{}{
			"tool":      req.Tool,
			"arguments": req.Arguments,
		})
		if err != nil {
			return nil, problem.Wrap(problem.KindInternal, "failed to encode tool request", err)
		}
		return s.manager.Execute(ctx, cap.Target, payload, sink)
	}

	// Sandboxed tools have no upstream chunk stream.
	result, err := s.dispatcher.Execute(ctx, cap, executor.Request{
		Tool:      req.Tool,
		Target:    cap.Target,
		Principal: principal,
		Arguments: req.Arguments,
	})
	if err != nil {
		sink.Fail(err)
		return nil, nil
	}
	if derr := sink.Deliver(stream.Chunk{Seq: 0, Payload: result.Data, Final: true}); derr != nil {
		sink.Fail(problem.Wrap(problem.KindBackpressureOverflow, "consumer rejected result delivery", derr))
	}
	return nil, nil
}

// Principals returns the names the gateway accepts at authentication.
func (s *Service) Principals() []string {
	names := make([]string, 0, len(s.principals))
	for name := range s.principals {
		names = append(names, name)
	}
	return names
}
