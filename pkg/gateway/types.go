package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CallRequest is the body of a unary POST /rpc call and the payload of a
// websocket call message.
type CallRequest struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	// TimeoutMs optionally overrides the default call deadline.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// CallResponse is the success shape of a unary call.
type CallResponse struct {
	ID   string      `json:"id"`
	OK   bool        `json:"ok"`
	Data interface{} `json:"data,omitempty"`
}

// wsEnvelope is the type-discriminated frame clients send over /ws.
type wsEnvelope struct {
	Type string `json:"type"` // "auth", "call", "call.stream", "credit", "cancel"

	// auth
	Principal string `json:"principal,omitempty"`
	Signature string `json:"signature,omitempty"`

	// call / call.stream
	ID        string                 `json:"id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`

	// credit / cancel
	Corr  string `json:"corr,omitempty"`
	Grant int    `json:"grant,omitempty"`
}

// AuthChallenge is sent to a client right after the websocket upgrade.
type AuthChallenge struct {
	Type      string `json:"type"` // "auth.challenge"
	Challenge string `json:"challenge"`
}

// AuthResult reports the outcome of a challenge response.
type AuthResult struct {
	Type    string `json:"type"` // "auth.success" or "auth.failure"
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// streamEvent is a server-initiated frame on a streaming call.
type streamEvent struct {
	Type  string      `json:"type"` // "chunk", "final", "error", "result"
	ID    string      `json:"id"`
	Corr  string      `json:"corr,omitempty"`
	Seq   int64       `json:"seq,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error interface{} `json:"error,omitempty"`
}

// ClientState is a websocket client's lifecycle state.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client is one connected websocket client. All writes to Conn go through
// WriteJSON so concurrent streams never interleave frames.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Principal     string
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
}

// WriteJSON writes one frame to the client under the write lock.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientInfo is the externally visible view of a client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	Principal     string    `json:"principal,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
}
