package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/internal/tracing"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
)

// Server is the northbound surface of the bridge: a unary HTTP endpoint
// and a websocket endpoint for streaming calls, plus metrics and health.
type Server struct {
	port         int
	sharedSecret string
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	service      *Service
	limits       RateLimits
	logger       zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// RateLimits are the per-client limits applied on the websocket surface.
type RateLimits struct {
	RequestsPerMinute int
	MaxConcurrent     int
}

// Config holds server configuration
type Config struct {
	Port         int
	SharedSecret string
	Service      *Service
	Limits       RateLimits
	Logger       zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("call service is required")
	}

	return &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		clients:      NewClientRegistry(),
		authHandler:  NewAuthHandler(cfg.SharedSecret, cfg.Service.Principals()),
		service:      cfg.Service,
		limits:       cfg.Limits,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Loopback-only daemon; the shared secret is the gate.
				return true
			},
		},
	}, nil
}

// Handler returns the HTTP handler tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleRPC handles single-shot tool calls over HTTP. Authentication is
// the shared secret in a header; the principal rides in another.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("X-Bridge-Secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	principal := r.Header.Get("X-Bridge-Principal")
	if principal == "" {
		http.Error(w, "missing X-Bridge-Principal header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req CallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed call request", http.StatusBadRequest)
		return
	}
	if req.Tool == "" {
		http.Error(w, "tool is required", http.StatusBadRequest)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("tool", req.Tool).
		Str("principal", principal).
		Msg("Gateway received call")

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	result, err := s.service.Call(ctx, principal, req)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		prob := problem.From(err, traceID)
		w.WriteHeader(prob.Status)
		_ = json.NewEncoder(w).Encode(prob)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CallResponse{
		ID:   req.ID,
		OK:   true,
		Data: json.RawMessage(result.Data),
	})
}

// handleWebSocket upgrades a client and starts challenge authentication.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.limits.RequestsPerMinute, s.limits.MaxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{Type: "auth.challenge", Challenge: challenge})
}

// handleClient is the single reader for one websocket connection.
func (s *Server) handleClient(client *Client) {
	conn := newClientConn(client, s.service, s.logger)

	defer func() {
		conn.closeAll()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Websocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, conn, message)
	}
}

// handleMessage routes one inbound websocket frame.
func (s *Server) handleMessage(client *Client, conn *clientConn, message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		_ = client.WriteJSON(streamEvent{Type: "error", Error: problem.From(
			problem.New(problem.KindInternal, "malformed message"), "")})
		return
	}

	if env.Type == "auth" {
		s.handleAuthMessage(client, env)
		return
	}

	if !client.Authenticated {
		_ = client.WriteJSON(AuthResult{Type: "auth.failure", Message: "authentication required"})
		return
	}

	switch env.Type {
	case "call", "call.stream":
		allowed, reason := client.RateLimiter.CheckRequestAllowed()
		if !allowed {
			_ = client.WriteJSON(streamEvent{Type: "error", ID: env.ID, Error: problem.From(
				problem.New(problem.KindBackpressureOverflow, reason), "")})
			return
		}

		client.RateLimiter.RecordRequestStart()
		s.inFlightReqs.Add(1)
		go func() {
			defer client.RateLimiter.RecordRequestEnd()
			defer s.inFlightReqs.Done()

			if env.Type == "call" {
				conn.runUnary(env)
			} else {
				conn.runStream(env)
			}
		}()

	case "credit":
		conn.grant(env.Corr, env.Grant)

	case "cancel":
		conn.cancel(env.Corr)

	default:
		_ = client.WriteJSON(streamEvent{Type: "error", ID: env.ID, Error: problem.From(
			problem.Newf(problem.KindInternal, "unknown message type %q", env.Type), "")})
	}
}

func (s *Server) handleAuthMessage(client *Client, env wsEnvelope) {
	result := s.authHandler.HandleAuthResponse(client, env.Principal, env.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("client_id", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().
		Str("client_id", client.ID).
		Str("principal", client.Principal).
		Msg("Client authenticated")
}

// ConnectedClients returns information about connected clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
