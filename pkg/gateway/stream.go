package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/harun/toolbridge/internal/tracing"
	"github.com/harun/toolbridge/pkg/bridge"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
)

// sinkBuffer bounds how many stream events may sit between the session
// and one websocket client before the flow is treated as overflowed.
const sinkBuffer = 64

// clientConn holds the per-connection call state: the streaming calls in
// flight, keyed by correlation id so credit and cancel frames can find
// them.
type clientConn struct {
	client  *Client
	service *Service
	logger  zerolog.Logger

	mu      sync.Mutex
	streams map[string]*bridge.Call
}

func newClientConn(client *Client, service *Service, logger zerolog.Logger) *clientConn {
	return &clientConn{
		client:  client,
		service: service,
		logger:  logger.With().Str("client_id", client.ID).Logger(),
		streams: make(map[string]*bridge.Call),
	}
}

// runUnary executes a call message and writes one result or error frame.
func (c *clientConn) runUnary(env wsEnvelope) {
	ctx, traceID := c.requestContext()

	result, err := c.service.Call(ctx, c.client.Principal, CallRequest{
		ID:        env.ID,
		Tool:      env.Tool,
		Arguments: env.Arguments,
		TimeoutMs: env.TimeoutMs,
	})
	if err != nil {
		_ = c.client.WriteJSON(streamEvent{Type: "error", ID: env.ID, Error: problem.From(err, traceID)})
		return
	}
	_ = c.client.WriteJSON(streamEvent{Type: "result", ID: env.ID, Data: json.RawMessage(result.Data)})
}

// runStream executes a call.stream message, forwarding chunks to the
// client as they arrive. The client releases flow-control credit with
// credit messages carrying the correlation id announced in the first
// frame.
func (c *clientConn) runStream(env wsEnvelope) {
	ctx, traceID := c.requestContext()

	timeout := defaultCallTimeout
	if env.TimeoutMs > 0 {
		timeout = time.Duration(env.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sink := newWSSink(c.client, env.ID, traceID)
	call, err := c.service.Stream(ctx, c.client.Principal, CallRequest{
		ID:        env.ID,
		Tool:      env.Tool,
		Arguments: env.Arguments,
		TimeoutMs: env.TimeoutMs,
	}, sink)
	if err != nil {
		// The error frame goes out through the sink so its writer
		// terminates with it.
		sink.Fail(err)
		sink.waitDone()
		return
	}

	if call != nil {
		sink.setCorr(call.Corr)
		c.mu.Lock()
		c.streams[call.Corr] = call
		c.mu.Unlock()

		// Announce the correlation id so the client can grant credit.
		_ = c.client.WriteJSON(streamEvent{Type: "stream.open", ID: env.ID, Corr: call.Corr})
	}

	sink.waitDone()

	if call != nil {
		c.mu.Lock()
		delete(c.streams, call.Corr)
		c.mu.Unlock()
	}
}

// grant forwards client credit to the stream's bridge call.
func (c *clientConn) grant(corr string, n int) {
	c.mu.Lock()
	call := c.streams[corr]
	c.mu.Unlock()

	// Credit for an unknown or already finished stream evaporates.
	if call != nil && n > 0 {
		call.Grant(n)
	}
}

// cancel aborts one streaming call at the client's request.
func (c *clientConn) cancel(corr string) {
	c.mu.Lock()
	call := c.streams[corr]
	c.mu.Unlock()

	if call != nil {
		call.Abort(problem.New(problem.KindTimeout, "canceled by caller"))
	}
}

// closeAll aborts every stream still open when the client disconnects.
func (c *clientConn) closeAll() {
	c.mu.Lock()
	calls := make([]*bridge.Call, 0, len(c.streams))
	for _, call := range c.streams {
		calls = append(calls, call)
	}
	c.streams = make(map[string]*bridge.Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.Abort(problem.New(problem.KindConnectionLost, "client disconnected"))
	}
}

func (c *clientConn) requestContext() (context.Context, string) {
	traceID := tracing.NewTraceID()
	return tracing.WithTraceID(context.Background(), traceID), traceID
}

// wsSink forwards one stream's chunks to a websocket client. Delivery
// happens on a dedicated writer goroutine; the sink itself never blocks,
// so a slow client shows up as queue overflow instead of stalling the
// session it shares with other requests.
type wsSink struct {
	client  *Client
	id      string
	traceID string

	mu   sync.Mutex
	corr string

	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

func newWSSink(client *Client, id, traceID string) *wsSink {
	s := &wsSink{
		client:  client,
		id:      id,
		traceID: traceID,
		events:  make(chan streamEvent, sinkBuffer),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSink) setCorr(corr string) {
	s.mu.Lock()
	s.corr = corr
	s.mu.Unlock()
}

func (s *wsSink) corrID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corr
}

// Deliver implements stream.Sink. Non-blocking: a full buffer fails the
// delivery and with it the flow.
func (s *wsSink) Deliver(chunk stream.Chunk) error {
	eventType := "chunk"
	if chunk.Final {
		eventType = "final"
	}
	ev := streamEvent{
		Type: eventType,
		ID:   s.id,
		Corr: s.corrID(),
		Seq:  chunk.Seq,
		Data: json.RawMessage(chunk.Payload),
	}

	select {
	case s.events <- ev:
		return nil
	default:
		return problem.New(problem.KindBackpressureOverflow, "client send buffer full")
	}
}

// Fail implements stream.Sink. Must not block the caller; when the buffer
// is full the terminal event is handed off to a goroutine that waits for
// the writer to drain.
func (s *wsSink) Fail(err error) {
	ev := streamEvent{
		Type:  "error",
		ID:    s.id,
		Corr:  s.corrID(),
		Error: problem.From(err, s.traceID),
	}
	select {
	case s.events <- ev:
	default:
		go func() { s.events <- ev }()
	}
}

// waitDone blocks until the stream's terminal event was written.
func (s *wsSink) waitDone() {
	<-s.done
}

// writeLoop is the sink's single writer. It exits after the terminal
// chunk or error frame.
func (s *wsSink) writeLoop() {
	defer s.once.Do(func() { close(s.done) })

	for ev := range s.events {
		if err := s.client.WriteJSON(ev); err != nil {
			// The client is gone; the connection teardown aborts the call.
			return
		}
		if ev.Type == "final" || ev.Type == "error" {
			return
		}
	}
}
