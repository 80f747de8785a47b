package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/codec"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
)

// errSessionNotReady signals that the session stopped accepting new
// requests; the manager reacts by connecting a fresh one.
var errSessionNotReady = errors.New("session not accepting requests")

// Session owns exactly one transport to a tool server. A single reader
// goroutine pulls frames off the wire and routes them into the stream
// multiplexer; writes are serialized through a mutex. Requests in flight
// are tracked in a pending map keyed by correlation id, and every one of
// them is resolved exactly once, either by its final chunk, an err frame,
// its deadline, or session teardown.
type Session struct {
	id        string
	target    string
	transport io.ReadWriteCloser
	logger    zerolog.Logger
	opts      Options
	mux       *stream.Mux

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	pending    map[string]*pendingRequest
	lastActive time.Time
	idle       chan struct{} // signaled when the last pending request resolves while draining

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session)
}

type pendingRequest struct {
	corr    string
	started time.Time
	timer   *time.Timer
}

func newSession(id, target string, transport io.ReadWriteCloser, opts Options, logger zerolog.Logger, onClose func(*Session)) *Session {
	s := &Session{
		id:        id,
		target:    target,
		transport: transport,
		logger:    logger.With().Str("session_id", id).Str("target", target).Logger(),
		opts:      opts,
		state:     StateConnecting,
		pending:   make(map[string]*pendingRequest),
		idle:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		onClose:   onClose,
	}
	s.mux = stream.NewMux(stream.Options{
		InitialCredit:   opts.InitialCredit,
		MaxQueuedChunks: opts.MaxQueuedChunks,
	}, s.logger)
	s.lastActive = time.Now()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Target returns the tool server target this session is connected to
func (s *Session) Target() string {
	return s.target
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// handshake performs the hello/hello_ok exchange. The session is only
// usable after it succeeds.
func (s *Session) handshake() error {
	if err := s.writeFrame(codec.Message{Type: codec.TypeHello}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	type result struct {
		msg *codec.Message
		err error
	}
	ch := make(chan result, 1)
	dec := codec.NewDecoder(s.transport)
	go func() {
		msg, err := dec.Next()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("handshake read failed: %w", r.err)
		}
		if r.msg.Type != codec.TypeHelloOK {
			return fmt.Errorf("expected hello_ok, got %q", r.msg.Type)
		}
	case <-time.After(s.opts.HandshakeTimeout):
		return fmt.Errorf("handshake timed out after %s", s.opts.HandshakeTimeout)
	}

	s.mu.Lock()
	s.state = StateReady
	s.lastActive = time.Now()
	s.mu.Unlock()

	// The reader goroutine takes over the decoder for the session's
	// lifetime. No other goroutine reads from the transport.
	go s.readLoop(dec)
	return nil
}

// Call sends one request over the session. The sink receives the response
// chunks; deadline zero means no per-request timer. Returns
// errSessionNotReady if the session is draining or closed.
func (s *Session) Call(corr string, payload []byte, sink stream.Sink, deadline time.Time) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return errSessionNotReady
	}
	req := &pendingRequest{corr: corr, started: time.Now()}
	s.pending[corr] = req
	s.lastActive = time.Now()
	s.mu.Unlock()

	// Registering outside the session lock: the multiplexer calls back into
	// the session from under its own lock when it delivers.
	if err := s.mux.Register(corr, &sessionSink{s: s, corr: corr, inner: sink}); err != nil {
		s.finish(corr)
		return fmt.Errorf("failed to register correlation %s: %w", corr, err)
	}

	// A teardown racing the registration above may have swept the flows
	// before this one existed; resolve it here instead of leaking it.
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.mux.Fail(corr, problem.New(problem.KindConnectionLost, "session closed"))
		return errSessionNotReady
	}
	if _, ok := s.pending[corr]; ok && !deadline.IsZero() {
		req.timer = time.AfterFunc(time.Until(deadline), func() { s.expire(corr) })
	}
	s.mu.Unlock()

	if err := s.writeFrame(codec.Message{Type: codec.TypeRequest, Corr: corr, Payload: payload}); err != nil {
		// The request never reached the wire. Resolve it locally and tear
		// the session down; the transport is gone.
		s.finish(corr)
		s.mux.Fail(corr, problem.Wrap(problem.KindConnectionLost, "failed to write request", err))
		s.close(problem.Wrap(problem.KindConnectionLost, "transport write failed", err))
		return problem.Wrap(problem.KindConnectionLost, "failed to write request", err)
	}
	return nil
}

// Grant releases n chunks of consumer credit for a correlation id and
// forwards the grant upstream so a flow-aware tool server can resume its
// producer. Grants for finished correlations are no-ops.
func (s *Session) Grant(corr string, n int) {
	s.mux.Grant(corr, n)

	payload, err := json.Marshal(creditEnvelope{Grant: n})
	if err != nil {
		return
	}
	// Best effort: a lost credit frame only delays the upstream producer.
	if err := s.writeFrame(codec.Message{Type: codec.TypeCredit, Corr: corr, Payload: payload}); err != nil {
		s.logger.Debug().Err(err).Str("correlation_id", corr).Msg("Failed to forward credit upstream")
	}
}

// Abort cancels one in-flight request, resolving its sink with err and
// sending a best-effort cancel frame upstream.
func (s *Session) Abort(corr string, err error) {
	if !s.finish(corr) {
		return
	}
	if werr := s.writeFrame(codec.Message{Type: codec.TypeCancel, Corr: corr}); werr != nil {
		s.logger.Debug().Err(werr).Str("correlation_id", corr).Msg("Failed to send cancel frame")
	}
	s.mux.Fail(corr, err)
}

// Pending returns the number of in-flight requests.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// idleSince returns the last activity timestamp and whether the session
// currently has no in-flight requests.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, len(s.pending) == 0 && s.state == StateReady
}

// Drain stops accepting new requests, waits up to grace for in-flight
// requests to finish, then forces the stragglers to a timeout error and
// closes the session.
func (s *Session) Drain(grace time.Duration) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	remaining := len(s.pending)
	s.mu.Unlock()

	s.logger.Info().Int("in_flight", remaining).Msg("Session draining")

	if remaining > 0 {
		deadline := time.NewTimer(grace)
		defer deadline.Stop()
	wait:
		for {
			select {
			case <-s.idle:
				s.mu.Lock()
				done := len(s.pending) == 0
				s.mu.Unlock()
				if done {
					break wait
				}
			case <-deadline.C:
				break wait
			case <-s.closed:
				return
			}
		}
	}

	// Force whatever is left. finish() removes the pending entry so each
	// request resolves exactly once even if its final chunk races in.
	s.mu.Lock()
	leftover := make([]string, 0, len(s.pending))
	for corr := range s.pending {
		leftover = append(leftover, corr)
	}
	s.mu.Unlock()
	for _, corr := range leftover {
		if s.finish(corr) {
			s.mux.Fail(corr, problem.Newf(problem.KindTimeout,
				"request %s did not finish within the drain grace period", corr))
		}
	}

	s.closeWith(nil, "drained")
}

// CloseIdle tears the session down if it has no in-flight requests.
// Returns false when a request slipped in first.
func (s *Session) CloseIdle() bool {
	s.mu.Lock()
	if s.state != StateReady || len(s.pending) > 0 {
		s.mu.Unlock()
		return false
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.closeWith(nil, "idle")
	return true
}

// Closed returns a channel closed on session teardown.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// close tears the session down because of err, resolving every in-flight
// request with it exactly once.
func (s *Session) close(err error) {
	outcome := "transport_error"
	if problem.KindOf(err) == problem.KindFraming {
		outcome = "framing_error"
	}
	s.closeWith(err, outcome)
}

func (s *Session) closeWith(err error, outcome string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		for _, req := range s.pending {
			if req.timer != nil {
				req.timer.Stop()
			}
		}
		s.pending = make(map[string]*pendingRequest)
		s.mu.Unlock()

		close(s.closed)
		_ = s.transport.Close()

		if err == nil {
			err = problem.New(problem.KindConnectionLost, "session closed")
		}
		s.mux.FailAll(err)

		observability.SessionClosed(outcome)
		s.logger.Info().Str("outcome", outcome).Msg("Session closed")

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// expire resolves one request with a timeout. A best-effort cancel frame
// tells the tool server to stop producing.
func (s *Session) expire(corr string) {
	if !s.finish(corr) {
		return
	}
	s.logger.Warn().Str("correlation_id", corr).Msg("Request deadline exceeded")
	if err := s.writeFrame(codec.Message{Type: codec.TypeCancel, Corr: corr}); err != nil {
		s.logger.Debug().Err(err).Str("correlation_id", corr).Msg("Failed to send cancel frame")
	}
	s.mux.Fail(corr, problem.Newf(problem.KindTimeout, "request %s exceeded its deadline", corr))
}

// finish removes a request from the pending map, stopping its deadline
// timer. Returns false when the request was already resolved.
func (s *Session) finish(corr string) bool {
	s.mu.Lock()
	req, ok := s.pending[corr]
	if ok {
		delete(s.pending, corr)
		if req.timer != nil {
			req.timer.Stop()
		}
		s.lastActive = time.Now()
		if len(s.pending) == 0 && s.state == StateDraining {
			select {
			case s.idle <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()
	return ok
}

// readLoop is the session's single reader. It routes chunk and final
// frames into the multiplexer, resolves err frames, and tears the session
// down on fatal framing violations or transport loss.
func (s *Session) readLoop(dec *codec.Decoder) {
	for {
		msg, err := dec.Next()
		if err != nil {
			var fe *codec.FramingError
			if errors.As(err, &fe) {
				observability.RecordFramingError(string(fe.Kind))
				if !fe.Fatal() {
					s.logger.Warn().Str("kind", string(fe.Kind)).Str("detail", fe.Detail).
						Msg("Skipping unknown frame type")
					continue
				}
				s.logger.Error().Str("kind", string(fe.Kind)).Str("detail", fe.Detail).
					Msg("Fatal framing violation, closing session")
				s.close(problem.Wrap(problem.KindFraming, fe.Detail, fe))
				return
			}

			select {
			case <-s.closed:
				// Local teardown already resolved everything.
			default:
				if err == io.EOF {
					s.logger.Warn().Msg("Tool server closed the connection")
				} else {
					s.logger.Error().Err(err).Msg("Transport read failed")
				}
				s.close(problem.Wrap(problem.KindConnectionLost, "connection to tool server lost", err))
			}
			return
		}

		observability.RecordFrame(string(msg.Type), "in")
		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()

		switch msg.Type {
		case codec.TypeChunk, codec.TypeFinal:
			s.handleChunk(msg)
		case codec.TypeError:
			s.handleError(msg)
		case codec.TypeHelloOK:
			// Duplicate handshake ack, harmless.
		default:
			s.logger.Warn().Str("type", string(msg.Type)).Str("correlation_id", msg.Corr).
				Msg("Unexpected frame from tool server")
		}
	}
}

func (s *Session) handleChunk(msg *codec.Message) {
	var env chunkEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		s.logger.Error().Err(err).Str("correlation_id", msg.Corr).Msg("Malformed chunk envelope")
		s.close(problem.Wrap(problem.KindFraming, "malformed chunk envelope", err))
		return
	}

	err := s.mux.Push(stream.Chunk{
		Corr:    msg.Corr,
		Seq:     env.Seq,
		Payload: env.Data,
		Final:   msg.Type == codec.TypeFinal,
	})
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrUnknownCorrelation):
		// Late chunks after a timeout or cancel are expected; drop them.
		s.logger.Debug().Str("correlation_id", msg.Corr).Msg("Dropping chunk for resolved request")
	case problem.SessionFatal(problem.KindOf(err)):
		s.close(err)
	default:
		// Overflow aborted just this flow. Tell the server to stop.
		if werr := s.writeFrame(codec.Message{Type: codec.TypeCancel, Corr: msg.Corr}); werr != nil {
			s.logger.Debug().Err(werr).Str("correlation_id", msg.Corr).Msg("Failed to send cancel frame")
		}
	}
}

func (s *Session) handleError(msg *codec.Message) {
	var env errEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		env.Detail = "tool server reported an error"
	}

	kind := problem.KindInternal
	if env.Kind != "" {
		// Trust known taxonomy kinds from the server; anything else is
		// surfaced as internal so the taxonomy stays closed.
		switch k := problem.Kind(env.Kind); k {
		case problem.KindTimeout, problem.KindNotFound, problem.KindInternal,
			problem.KindNavigationDenied, problem.KindBrowserTimeout,
			problem.KindPoolExhausted, problem.KindUnparameterizedQuery:
			kind = k
		}
	}
	s.mux.Fail(msg.Corr, problem.New(kind, env.Detail))
}

func (s *Session) writeFrame(msg codec.Message) error {
	wire, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.transport.Write(wire); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msg.Type, err)
	}
	observability.RecordFrame(string(msg.Type), "out")
	return nil
}

// sessionSink wraps the caller's sink so the pending map is cleaned up the
// moment a request resolves, whichever way it resolves.
type sessionSink struct {
	s     *Session
	corr  string
	inner stream.Sink
}

func (w *sessionSink) Deliver(c stream.Chunk) error {
	if c.Final {
		w.s.finish(w.corr)
	}
	return w.inner.Deliver(c)
}

func (w *sessionSink) Fail(err error) {
	w.s.finish(w.corr)
	w.inner.Fail(err)
}
