package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/harun/toolbridge/pkg/stream"
	"github.com/rs/zerolog"
)

// Call is the handle for one in-flight tool request. The caller uses it to
// release flow-control credit as it consumes chunks, or to abort early.
type Call struct {
	Corr    string
	session *Session
}

// Grant releases n chunks of consumer credit.
func (c *Call) Grant(n int) {
	c.session.Grant(c.Corr, n)
}

// Abort cancels the request, resolving its sink with err.
func (c *Call) Abort(err error) {
	c.session.Abort(c.Corr, err)
}

// Manager maintains at most one live session per tool-server target.
// Concurrent requests for the same target coalesce onto a single
// connection attempt; idle sessions are reaped by a background sweeper.
type Manager struct {
	dialer Dialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWG  sync.WaitGroup
}

// sessionEntry is one slot in the routing table. ready is closed when the
// connection attempt finishes, with either session or err populated; every
// caller that found the entry in-flight waits on it instead of dialing.
type sessionEntry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// NewManager creates a session manager
func NewManager(dialer Dialer, opts Options, logger zerolog.Logger) *Manager {
	def := DefaultOptions()
	if opts.InitialCredit <= 0 {
		opts.InitialCredit = def.InitialCredit
	}
	if opts.MaxQueuedChunks <= 0 {
		opts.MaxQueuedChunks = def.MaxQueuedChunks
	}
	if opts.SessionIdleTTL <= 0 {
		opts.SessionIdleTTL = def.SessionIdleTTL
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = def.DrainGrace
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}

	m := &Manager{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With().Str("component", "bridge").Logger(),
		sessions: make(map[string]*sessionEntry),
		stopCh:   make(chan struct{}),
	}

	m.sweepWG.Add(1)
	go m.sweepLoop()
	return m
}

// Execute sends a tool request to the target's session, connecting one if
// needed. The sink receives the response chunks under the flow-control
// window; the request deadline comes from ctx. The returned Call carries
// the correlation id for credit grants.
func (m *Manager) Execute(ctx context.Context, target string, payload []byte, sink stream.Sink) (*Call, error) {
	corr, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate correlation id: %w", err)
	}

	deadline, _ := ctx.Deadline()

	// A session can stop accepting between lookup and Call when it drains
	// or dies underneath us. One retry with a fresh session covers that
	// window; persistent failure is a real error.
	for attempt := 0; attempt < 2; attempt++ {
		s, err := m.session(ctx, target)
		if err != nil {
			return nil, err
		}
		switch err := s.Call(corr, payload, sink, deadline); {
		case err == nil:
			return &Call{Corr: corr, session: s}, nil
		case err == errSessionNotReady:
			m.evictIfStale(target, s)
			continue
		default:
			return nil, err
		}
	}
	return nil, problem.Newf(problem.KindConnectionLost, "no usable session for %s", target)
}

// session returns the live session for target, dialing one if none exists.
// Concurrent callers for the same target share a single dial.
func (m *Manager) session(ctx context.Context, target string) (*Session, error) {
	for {
		m.mu.Lock()
		select {
		case <-m.stopCh:
			m.mu.Unlock()
			return nil, fmt.Errorf("bridge manager is shut down")
		default:
		}

		e, ok := m.sessions[target]
		if !ok {
			e = &sessionEntry{ready: make(chan struct{})}
			m.sessions[target] = e
			m.mu.Unlock()

			s, err := m.connect(ctx, target)
			e.session, e.err = s, err
			close(e.ready)
			if err != nil {
				m.removeEntry(target, e)
				return nil, err
			}
			return s, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ready:
		}

		if e.err != nil {
			// The shared dial failed; every waiter sees the same error.
			return nil, e.err
		}
		if e.session.State() == StateReady {
			return e.session, nil
		}
		// Stale entry for a drained or dead session.
		m.removeEntry(target, e)
	}
}

// connect dials the target and runs the protocol handshake.
func (m *Manager) connect(ctx context.Context, target string) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	m.logger.Info().Str("target", target).Str("session_id", id).Msg("Connecting to tool server")

	transport, err := m.dialer(ctx, target)
	if err != nil {
		return nil, problem.Wrap(problem.KindConnectionLost,
			fmt.Sprintf("failed to connect to tool server %s", target), err)
	}

	s := newSession(id, target, transport, m.opts, m.logger, func(closed *Session) {
		m.evictIfStale(target, closed)
	})
	if err := s.handshake(); err != nil {
		_ = transport.Close()
		return nil, problem.Wrap(problem.KindConnectionLost,
			fmt.Sprintf("handshake with tool server %s failed", target), err)
	}

	observability.SessionOpened()
	m.logger.Info().Str("target", target).Str("session_id", id).Msg("Session ready")
	return s, nil
}

// evictIfStale drops the routing entry for target if it still points at s.
// A newer session for the same target is left alone.
func (m *Manager) evictIfStale(target string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[target]; ok && e.session == s {
		delete(m.sessions, target)
	}
}

// removeEntry drops the routing entry if it is still this exact attempt.
func (m *Manager) removeEntry(target string, e *sessionEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[target]; ok && cur == e {
		delete(m.sessions, target)
	}
}

// live returns the connected sessions, skipping in-flight dials.
func (m *Manager) live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		select {
		case <-e.ready:
			if e.err == nil && e.session != nil {
				out = append(out, e.session)
			}
		default:
		}
	}
	return out
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	return len(m.live())
}

// sweepLoop closes sessions that sat idle past the TTL.
func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()

	interval := m.opts.SessionIdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.opts.SessionIdleTTL)
			for _, s := range m.live() {
				if last, idle := s.idleSince(); idle && last.Before(cutoff) {
					m.logger.Info().Str("target", s.Target()).Str("session_id", s.ID()).
						Msg("Closing idle session")
					s.CloseIdle()
				}
			}
		}
	}
}

// Shutdown drains every session in parallel, giving in-flight requests the
// configured grace period, and stops the sweeper. Safe to call once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.sweepWG.Wait()

	var wg sync.WaitGroup
	for _, s := range m.live() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Drain(m.opts.DrainGrace)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted with sessions still draining: %w", ctx.Err())
	}
}
