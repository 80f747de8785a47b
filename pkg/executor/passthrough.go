package executor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/harun/toolbridge/pkg/bridge"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
)

// PassthroughExecutor forwards pure, network and filesystem tools to their
// tool server over the bridge and collects the streamed response into one
// result. Credit is granted as chunks land, so the flow-control window
// never stalls a unary caller.
type PassthroughExecutor struct {
	manager *bridge.Manager
	logger  zerolog.Logger
}

// NewPassthroughExecutor creates the bridge-backed executor
func NewPassthroughExecutor(manager *bridge.Manager, logger zerolog.Logger) *PassthroughExecutor {
	return &PassthroughExecutor{
		manager: manager,
		logger:  logger.With().Str("component", "passthrough_executor").Logger(),
	}
}

// Kind implements Executor
func (e *PassthroughExecutor) Kind() Kind {
	return KindPassthrough
}

// Execute sends the call upstream and blocks until the final chunk or a
// terminal error. The request deadline rides on ctx.
func (e *PassthroughExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"tool":      req.Tool,
		"arguments": req.Arguments,
	})
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to encode tool request", err)
	}

	sink := newGatherSink()
	call, err := e.manager.Execute(ctx, req.Target, payload, sink)
	if err != nil {
		return nil, err
	}

	// Grant pump: sinks must not call back into the session from Deliver,
	// so credit is released from here, one grant per delivered chunk.
	var granted int64
	for {
		select {
		case <-sink.notify:
			if d := sink.delivered.Load(); d > granted {
				call.Grant(int(d - granted))
				granted = d
			}
		case err := <-sink.done:
			if err != nil {
				return nil, err
			}
			return &Result{Kind: KindPassthrough, Data: sink.assemble()}, nil
		}
	}
}

// gatherSink buffers chunks for a unary caller.
type gatherSink struct {
	mu    sync.Mutex
	parts []json.RawMessage

	delivered atomic.Int64
	notify    chan struct{}
	done      chan error
}

func newGatherSink() *gatherSink {
	return &gatherSink{
		notify: make(chan struct{}, 1),
		done:   make(chan error, 1),
	}
}

func (s *gatherSink) Deliver(c stream.Chunk) error {
	if len(c.Payload) > 0 {
		s.mu.Lock()
		s.parts = append(s.parts, json.RawMessage(append([]byte(nil), c.Payload...)))
		s.mu.Unlock()
	}

	s.delivered.Add(1)
	select {
	case s.notify <- struct{}{}:
	default:
	}

	if c.Final {
		s.done <- nil
	}
	return nil
}

func (s *gatherSink) Fail(err error) {
	s.done <- err
}

// assemble flattens the collected chunks: a single-chunk response comes
// back as-is, a multi-chunk one as a JSON array.
func (s *gatherSink) assemble() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch len(s.parts) {
	case 0:
		return nil
	case 1:
		return s.parts[0]
	default:
		combined, err := json.Marshal(s.parts)
		if err != nil {
			return nil
		}
		return combined
	}
}
