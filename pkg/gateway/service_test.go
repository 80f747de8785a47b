package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harun/toolbridge/pkg/capability"
	"github.com/harun/toolbridge/pkg/executor"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedExecutor answers every call with a fixed payload.
type fixedExecutor struct {
	kind executor.Kind
	data string
}

func (e *fixedExecutor) Kind() executor.Kind { return e.kind }

func (e *fixedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return &executor.Result{Kind: e.kind, Data: json.RawMessage(e.data)}, nil
}

func testService(t *testing.T) *Service {
	t.Helper()

	resolver := capability.NewStaticResolver([]*capability.ToolCapability{
		{
			Name:            "echo",
			Target:          "demo",
			SideEffectClass: capability.SideEffectPure,
			Allowlisted:     true,
			InputSchema:     json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`),
		},
		{
			Name:            "web.page",
			Target:          "local",
			SideEffectClass: capability.SideEffectBrowser,
			Allowlisted:     true,
		},
		{
			Name:            "shadow",
			Target:          "demo",
			SideEffectClass: capability.SideEffectPure,
			Allowlisted:     false,
		},
	})

	dispatcher := executor.NewDispatcher(zerolog.Nop(),
		&fixedExecutor{kind: executor.KindPassthrough, data: `{"echoed":true}`},
		&fixedExecutor{kind: executor.KindBrowser, data: `{"title":"Example"}`},
	)

	return NewService(ServiceConfig{
		Registry:   capability.NewClient(resolver, time.Minute, zerolog.Nop()),
		Validator:  capability.NewValidator(),
		Dispatcher: dispatcher,
		Principals: map[string][]string{
			"agent-a": {"tool:*", "browser"},
			"limited": {"tool:echo"},
		},
		Logger: zerolog.Nop(),
	})
}

func TestService_CallHappyPath(t *testing.T) {
	s := testService(t)

	result, err := s.Call(context.Background(), "agent-a", CallRequest{
		Tool:      "echo",
		Arguments: map[string]interface{}{"text": "hi"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":true}`, string(result.Data))
}

func TestService_UnknownTool(t *testing.T) {
	s := testService(t)

	_, err := s.Call(context.Background(), "agent-a", CallRequest{Tool: "ghost"})
	require.Error(t, err)
	assert.Equal(t, problem.KindNotFound, problem.KindOf(err))
}

func TestService_NotAllowlistedDenied(t *testing.T) {
	s := testService(t)

	_, err := s.Call(context.Background(), "agent-a", CallRequest{Tool: "shadow"})
	require.Error(t, err)
	assert.Equal(t, problem.KindPolicyDenied, problem.KindOf(err))
}

func TestService_MissingSideEffectScopeDenied(t *testing.T) {
	s := testService(t)

	// "limited" holds no browser scope.
	_, err := s.Call(context.Background(), "limited", CallRequest{
		Tool:      "web.page",
		Arguments: map[string]interface{}{"url": "https://example.com"},
	})
	require.Error(t, err)
	assert.Equal(t, problem.KindPolicyDenied, problem.KindOf(err))
}

func TestService_UnknownPrincipalDenied(t *testing.T) {
	s := testService(t)

	_, err := s.Call(context.Background(), "stranger", CallRequest{
		Tool:      "echo",
		Arguments: map[string]interface{}{"text": "hi"},
	})
	require.Error(t, err)
	assert.Equal(t, problem.KindPolicyDenied, problem.KindOf(err))
}

func TestService_SchemaViolationRejected(t *testing.T) {
	s := testService(t)

	_, err := s.Call(context.Background(), "agent-a", CallRequest{
		Tool:      "echo",
		Arguments: map[string]interface{}{"text": 42},
	})
	require.Error(t, err)
	assert.Equal(t, problem.KindPolicyDenied, problem.KindOf(err))
}

// sandboxed tools streamed through Stream arrive as one final chunk.
func TestService_StreamSynthesizesSandboxedResult(t *testing.T) {
	s := testService(t)
	sink := &captureSink{done: make(chan struct{})}

	call, err := s.Stream(context.Background(), "agent-a", CallRequest{
		Tool:      "web.page",
		Arguments: map[string]interface{}{"url": "https://example.com"},
	}, sink)
	require.NoError(t, err)
	assert.Nil(t, call, "sandboxed tools have no upstream stream")

	<-sink.done
	require.Len(t, sink.chunks, 1)
	assert.True(t, sink.chunks[0].Final)
	assert.JSONEq(t, `{"title":"Example"}`, string(sink.chunks[0].Payload))
}

func TestService_StreamDenialFailsSink(t *testing.T) {
	s := testService(t)
	sink := &captureSink{done: make(chan struct{})}

	_, err := s.Stream(context.Background(), "limited", CallRequest{
		Tool:      "web.page",
		Arguments: map[string]interface{}{"url": "https://example.com"},
	}, sink)
	require.Error(t, err)
	assert.Equal(t, problem.KindPolicyDenied, problem.KindOf(err))
}

type captureSink struct {
	chunks []stream.Chunk
	errs   []error
	done   chan struct{}
}

func (s *captureSink) Deliver(c stream.Chunk) error {
	s.chunks = append(s.chunks, c)
	if c.Final {
		close(s.done)
	}
	return nil
}

func (s *captureSink) Fail(err error) {
	s.errs = append(s.errs, err)
	close(s.done)
}
