// Package bridge owns the lifecycle of connections to local tool servers.
// Each Session multiplexes many concurrent logical requests over one
// underlying transport, matching responses to requests by correlation id.
// The Manager keeps the routing table from tool-server target to live
// Session and coalesces concurrent connection attempts.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens a transport to a tool server target.
type Dialer func(ctx context.Context, target string) (io.ReadWriteCloser, error)

// Options configures session behavior and flow control.
type Options struct {
	// InitialCredit is the chunk window granted to every new request.
	InitialCredit int
	// MaxQueuedChunks bounds the per-request queue for paused consumers.
	MaxQueuedChunks int
	// SessionIdleTTL is how long a session with no in-flight requests
	// survives before the sweeper closes it.
	SessionIdleTTL time.Duration
	// DrainGrace is how long in-flight requests get to finish during a
	// graceful shutdown before being forced to a timeout error.
	DrainGrace time.Duration
	// HandshakeTimeout bounds the hello/hello_ok exchange.
	HandshakeTimeout time.Duration
}

// DefaultOptions returns the default session options
func DefaultOptions() Options {
	return Options{
		InitialCredit:    16,
		MaxQueuedChunks:  256,
		SessionIdleTTL:   60 * time.Second,
		DrainGrace:       2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// chunkEnvelope is the payload of chunk and final frames. The frame header
// carries only (type, correlation id, length); the sequence number rides in
// the payload envelope.
type chunkEnvelope struct {
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

// errEnvelope is the payload of err frames from a tool server.
type errEnvelope struct {
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// creditEnvelope is the payload of credit frames forwarded upstream so a
// flow-control-aware tool server can pause its own producer.
type creditEnvelope struct {
	Grant int `json:"grant"`
}
