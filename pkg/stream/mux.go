// Package stream turns one logical tool call into an ordered sequence of
// chunks delivered under credit-based backpressure. Each correlation id
// owns an independent flow: zero credit pauses that flow alone, so a slow
// consumer never stalls other requests sharing a session.
package stream

import (
	"errors"
	"sync"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
)

// Chunk is one frame of a streamed response.
type Chunk struct {
	Corr    string `json:"corr"`
	Seq     int64  `json:"seq"`
	Payload []byte `json:"payload,omitempty"`
	Final   bool   `json:"final"`
}

// Sink receives chunks for one correlation id, in strict sequence order.
// Deliver must be fast and must not call back into the Mux; implementations
// that cannot keep up return an error, which aborts the flow. Fail is
// terminal and called at most once.
type Sink interface {
	Deliver(Chunk) error
	Fail(err error)
}

// Options configures flow control.
type Options struct {
	// InitialCredit is the chunk window granted to every new flow.
	InitialCredit int
	// MaxQueuedChunks bounds the per-flow queue used when the producer
	// cannot be paused. Exceeding it aborts the flow.
	MaxQueuedChunks int
}

// ErrDuplicateCorrelation is returned when a correlation id is registered twice.
var ErrDuplicateCorrelation = errors.New("correlation id already registered")

// ErrUnknownCorrelation is returned for chunks addressed to no registered flow.
var ErrUnknownCorrelation = errors.New("unknown correlation id")

// Mux multiplexes chunk flows for the requests sharing one session.
type Mux struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	flows map[string]*flow
}

type flow struct {
	sink    Sink
	credit  int
	nextSeq int64
	queue   []Chunk
	stalled bool
}

// NewMux creates a multiplexer
func NewMux(opts Options, logger zerolog.Logger) *Mux {
	if opts.InitialCredit <= 0 {
		opts.InitialCredit = 16
	}
	if opts.MaxQueuedChunks <= 0 {
		opts.MaxQueuedChunks = 256
	}
	return &Mux{
		opts:   opts,
		logger: logger,
		flows:  make(map[string]*flow),
	}
}

// Register opens a flow for a correlation id with the initial credit window.
func (m *Mux) Register(corr string, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.flows[corr]; exists {
		return ErrDuplicateCorrelation
	}
	m.flows[corr] = &flow{
		sink:   sink,
		credit: m.opts.InitialCredit,
	}
	return nil
}

// Grant adds consumer credit to a flow and drains any queued chunks the new
// window covers. Credit granted for an unknown correlation id is a no-op:
// callers may pre-grant before a request is admitted, and that grant simply
// evaporates if the request is denied.
func (m *Mux) Grant(corr string, n int) {
	if n <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[corr]
	if !ok {
		return
	}

	f.credit += n
	f.stalled = false
	m.drainLocked(corr, f)
}

// Push routes one chunk from the session transport into its flow.
// Out-of-order sequence numbers are a protocol violation and return a
// session-fatal framing error. A full queue aborts only this flow and
// returns a BackpressureOverflow error.
func (m *Mux) Push(chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[chunk.Corr]
	if !ok {
		return ErrUnknownCorrelation
	}

	if chunk.Seq != f.nextSeq {
		return problem.Newf(problem.KindFraming,
			"chunk %d for %s arrived out of order, expected %d", chunk.Seq, chunk.Corr, f.nextSeq)
	}
	f.nextSeq++

	if f.credit > 0 && len(f.queue) == 0 {
		return m.deliverLocked(chunk.Corr, f, chunk)
	}

	if len(f.queue) >= m.opts.MaxQueuedChunks {
		err := problem.Newf(problem.KindBackpressureOverflow,
			"consumer for %s fell more than %d chunks behind", chunk.Corr, m.opts.MaxQueuedChunks)
		delete(m.flows, chunk.Corr)
		f.sink.Fail(err)
		observability.RecordQueueOverflow()
		return err
	}

	if !f.stalled && f.credit == 0 {
		f.stalled = true
		observability.RecordCreditStall()
		m.logger.Debug().Str("correlation_id", chunk.Corr).Msg("Flow paused waiting for credit")
	}

	f.queue = append(f.queue, chunk)
	return nil
}

// Fail aborts one flow, resolving its sink with err.
func (m *Mux) Fail(corr string, err error) {
	m.mu.Lock()
	f, ok := m.flows[corr]
	if ok {
		delete(m.flows, corr)
	}
	m.mu.Unlock()

	if ok {
		f.sink.Fail(err)
	}
}

// FailAll aborts every flow with err. Used on session teardown so each
// pending request resolves exactly once.
func (m *Mux) FailAll(err error) {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[string]*flow)
	m.mu.Unlock()

	for _, f := range flows {
		f.sink.Fail(err)
	}
}

// Active returns the number of open flows.
func (m *Mux) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// drainLocked delivers queued chunks while credit lasts.
func (m *Mux) drainLocked(corr string, f *flow) {
	for f.credit > 0 && len(f.queue) > 0 {
		chunk := f.queue[0]
		f.queue = f.queue[1:]
		if err := m.deliverLocked(corr, f, chunk); err != nil {
			return
		}
		if chunk.Final {
			return
		}
	}
}

// deliverLocked hands one chunk to the sink, consuming a credit. The final
// chunk closes the flow.
func (m *Mux) deliverLocked(corr string, f *flow, chunk Chunk) error {
	f.credit--
	if err := f.sink.Deliver(chunk); err != nil {
		failure := problem.Wrap(problem.KindBackpressureOverflow,
			"consumer rejected chunk delivery", err)
		delete(m.flows, corr)
		f.sink.Fail(failure)
		observability.RecordQueueOverflow()
		return failure
	}

	observability.RecordChunkDelivered()

	if chunk.Final {
		delete(m.flows, corr)
	}
	return nil
}
