package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/toolbridge/internal/config"
	"github.com/harun/toolbridge/internal/logger"
	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/bridge"
	"github.com/harun/toolbridge/pkg/capability"
	"github.com/harun/toolbridge/pkg/executor"
	"github.com/harun/toolbridge/pkg/gateway"
)

// shutdownTimeout bounds how long Stop waits for sessions to drain.
const shutdownTimeout = 10 * time.Second

// Daemon assembles the bridge service: the capability registry, the
// session manager for passthrough tools, the sandboxed executors and the
// gateway server in front of them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry  *capability.Client
	validator *capability.Validator
	manager   *bridge.Manager

	browserExec  *executor.BrowserExecutor
	databaseExec *executor.DatabaseExecutor
	dispatcher   *executor.Dispatcher

	gatewayServer *gateway.Server
	lifecycle     *LifecycleManager

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// New creates a daemon from the given configuration. Nothing is listening
// until Start is called.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	zlog := log.GetZerolog()

	tools, err := toolCapabilities(cfg.Registry.Tools)
	if err != nil {
		return nil, err
	}
	registry := capability.NewClient(capability.NewStaticResolver(tools), cfg.Registry.TTL(), zlog)

	manager := bridge.NewManager(tcpDialer(), bridge.Options{
		InitialCredit:    cfg.Bridge.InitialCredit,
		MaxQueuedChunks:  cfg.Bridge.MaxQueuedChunks,
		SessionIdleTTL:   cfg.Bridge.SessionIdleTTL(),
		DrainGrace:       cfg.Bridge.DrainGrace(),
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout(),
	}, zlog)

	browserExec := executor.NewBrowserExecutor(executor.BrowserOptions{
		AllowedDomains: cfg.Browser.AllowedDomains,
		BlockedDomains: cfg.Browser.BlockedDomains,
		AllowLocalhost: cfg.Browser.AllowLocalhost,
		AllowFileURLs:  cfg.Browser.AllowFileURLs,
		Timeout:        cfg.Browser.Timeout(),
	}, zlog)

	databaseExec, err := executor.NewDatabaseExecutor(executor.DatabaseOptions{
		DSN:            cfg.Database.DSN,
		MaxConnections: cfg.Database.MaxConnections,
		MaxQueueDepth:  cfg.Database.MaxQueueDepth,
	}, zlog)
	if err != nil {
		return nil, fmt.Errorf("failed to open tool database: %w", err)
	}

	dispatcher := executor.NewDispatcher(zlog,
		executor.NewPassthroughExecutor(manager, zlog),
		browserExec,
		databaseExec,
	)

	principals := make(map[string][]string, len(cfg.Principals))
	for _, p := range cfg.Principals {
		principals[p.Name] = p.Scopes
	}

	validator := capability.NewValidator()
	service := gateway.NewService(gateway.ServiceConfig{
		Registry:   registry,
		Validator:  validator,
		Dispatcher: dispatcher,
		Manager:    manager,
		Principals: principals,
		Logger:     zlog,
	})

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Service:      service,
		Limits: gateway.RateLimits{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		},
		Logger: zlog,
	})
	if err != nil {
		databaseExec.Close()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}

	d := &Daemon{
		config:        cfg,
		logger:        log,
		registry:      registry,
		validator:     validator,
		manager:       manager,
		browserExec:   browserExec,
		databaseExec:  databaseExec,
		dispatcher:    dispatcher,
		gatewayServer: server,
		shutdownCh:    make(chan struct{}),
	}
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start brings the daemon up: audit log, PID file, gateway listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := observability.InitAuditLogger(filepath.Join(d.config.DataDir, "audit.log")); err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if err := d.gatewayServer.Start(); err != nil {
		d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.running = true
	d.startTime = time.Now()

	zlog := d.logger.GetZerolog()
	zlog.Info().
		Int("port", d.config.Gateway.Port).
		Int("tools", len(d.config.Registry.Tools)).
		Msg("Daemon started")

	return nil
}

// Stop shuts the daemon down gracefully: the gateway stops accepting,
// in-flight sessions drain within their grace period, executors close.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		// Never started; release what New opened.
		d.browserExec.Close()
		return d.databaseExec.Close()
	}
	d.running = false
	d.mu.Unlock()

	zlog := d.logger.GetZerolog()
	zlog.Info().Msg("Daemon stopping")

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(d.gatewayServer.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	record(d.manager.Shutdown(ctx))

	record(d.browserExec.Close())
	record(d.databaseExec.Close())
	record(d.lifecycle.Stop())

	d.stopOnce.Do(func() { close(d.shutdownCh) })

	zlog.Info().Msg("Daemon stopped")
	return firstErr
}

// Wait blocks until the daemon is stopped or a termination signal
// arrives. A signal triggers a graceful Stop.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		zlog := d.logger.GetZerolog()
		zlog.Info().Str("signal", sig.String()).Msg("Received termination signal")
		if err := d.Stop(); err != nil {
			zlog.Error().Err(err).Msg("Shutdown finished with errors")
		}
	case <-d.shutdownCh:
	}
}

// Status represents daemon status
type Status struct {
	Running  bool          `json:"running"`
	Uptime   time.Duration `json:"uptime"`
	Sessions int           `json:"sessions"`
	Clients  int           `json:"clients"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.Sessions = d.manager.Sessions()
		status.Clients = len(d.gatewayServer.ConnectedClients())
	}
	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetManager returns the bridge session manager
func (d *Daemon) GetManager() *bridge.Manager {
	return d.manager
}

// toolCapabilities converts configured tool descriptors into registry
// capabilities.
func toolCapabilities(tools []config.ToolConfig) ([]*capability.ToolCapability, error) {
	out := make([]*capability.ToolCapability, 0, len(tools))
	for _, t := range tools {
		cap := &capability.ToolCapability{
			Name:            t.Name,
			Target:          t.Target,
			SideEffectClass: capability.SideEffectClass(t.SideEffectClass),
			Allowlisted:     t.Allowlisted,
		}
		if len(t.InputSchema) > 0 {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s has invalid input_schema: %w", t.Name, err)
			}
			cap.InputSchema = schema
		}
		out = append(out, cap)
	}
	return out, nil
}

// tcpDialer connects bridge sessions to tool server targets over TCP.
func tcpDialer() bridge.Dialer {
	return func(ctx context.Context, target string) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("failed to dial tool server %s: %w", target, err)
		}
		return conn, nil
	}
}
