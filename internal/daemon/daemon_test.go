package daemon

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolbridge/internal/config"
	"github.com/harun/toolbridge/internal/logger"
	"github.com/harun/toolbridge/pkg/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDBSeq atomic.Int64

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.SharedSecret = "daemon-test-secret"
	cfg.Logging.Console = false
	cfg.Logging.File = filepath.Join(cfg.DataDir, "test.log")
	cfg.Database.DSN = fmt.Sprintf("file:daemontest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	cfg.Registry.Tools = []config.ToolConfig{
		{Name: "echo", Target: "127.0.0.1:9", SideEffectClass: "pure", Allowlisted: true},
	}
	cfg.Principals = []config.PrincipalConfig{
		{Name: "agent-a", Scopes: []string{"tool:*"}},
	}
	return cfg
}

func testLogger(t *testing.T, cfg *config.Config) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{
		Level: "error",
		File:  cfg.Logging.File,
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestDaemon_NewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = ""

	_, err := New(cfg, testLogger(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared_secret")
}

func TestDaemon_StatusBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t, cfg))
	require.NoError(t, err)
	defer d.Stop()

	status := d.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)
}

func TestDaemon_StartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t, cfg))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.True(t, d.Status().Running)

	pidFile := filepath.Join(cfg.DataDir, "toolbridge.pid")
	_, err = os.Stat(pidFile)
	require.NoError(t, err, "PID file written on start")

	// The gateway listener answers health checks once Start returns.
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file removed on stop")
}

func TestDaemon_DoubleStartRejected(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t, cfg))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t, cfg))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

func TestToolCapabilities_SchemaMarshaled(t *testing.T) {
	caps, err := toolCapabilities([]config.ToolConfig{
		{
			Name:            "echo",
			Target:          "demo:1",
			SideEffectClass: "pure",
			Allowlisted:     true,
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"text"},
			},
		},
		{Name: "web.page", Target: "local", SideEffectClass: "browser"},
	})
	require.NoError(t, err)
	require.Len(t, caps, 2)

	assert.Equal(t, capability.SideEffectPure, caps[0].SideEffectClass)
	assert.JSONEq(t, `{"type":"object","required":["text"]}`, string(caps[0].InputSchema))
	assert.Nil(t, caps[1].InputSchema, "tools without a schema accept anything")
}
