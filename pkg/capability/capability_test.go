package capability

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver([]*ToolCapability{
		{Name: "web.fetch", Target: "127.0.0.1:9101", SideEffectClass: SideEffectBrowser, Allowlisted: true},
	})

	cap, err := resolver.Resolve(context.Background(), "web.fetch")
	require.NoError(t, err)
	assert.Equal(t, SideEffectBrowser, cap.SideEffectClass)

	_, err = resolver.Resolve(context.Background(), "missing.tool")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticResolver_ReturnsCopy(t *testing.T) {
	resolver := NewStaticResolver([]*ToolCapability{
		{Name: "echo", SideEffectClass: SideEffectPure, Allowlisted: true},
	})

	first, err := resolver.Resolve(context.Background(), "echo")
	require.NoError(t, err)
	first.Allowlisted = false

	second, err := resolver.Resolve(context.Background(), "echo")
	require.NoError(t, err)
	assert.True(t, second.Allowlisted, "mutating a resolved descriptor must not affect the registry")
}

// countingResolver counts upstream lookups so cache behavior is observable.
type countingResolver struct {
	mu    sync.Mutex
	calls int
	inner Resolver
}

func (r *countingResolver) Resolve(ctx context.Context, name string) (*ToolCapability, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.inner.Resolve(ctx, name)
}

func (r *countingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestClient_CachesWithinTTL(t *testing.T) {
	upstream := &countingResolver{inner: NewStaticResolver([]*ToolCapability{
		{Name: "echo", SideEffectClass: SideEffectPure, Allowlisted: true},
	})}

	client := NewClient(upstream, time.Minute, zerolog.Nop())

	now := time.Unix(1000, 0)
	client.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := client.Resolve(context.Background(), "echo")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, upstream.count())

	// Advance past the TTL: the next resolve refreshes.
	now = now.Add(2 * time.Minute)
	_, err := client.Resolve(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.count())
}

func TestClient_NotFoundIsNotCached(t *testing.T) {
	upstream := &countingResolver{inner: NewStaticResolver(nil)}
	client := NewClient(upstream, time.Minute, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := client.Resolve(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, upstream.count())
}

func TestClient_Invalidate(t *testing.T) {
	upstream := &countingResolver{inner: NewStaticResolver([]*ToolCapability{
		{Name: "echo", SideEffectClass: SideEffectPure},
	})}
	client := NewClient(upstream, time.Hour, zerolog.Nop())

	_, err := client.Resolve(context.Background(), "echo")
	require.NoError(t, err)
	client.Invalidate("echo")
	_, err = client.Resolve(context.Background(), "echo")
	require.NoError(t, err)

	assert.Equal(t, 2, upstream.count())
}

func TestValidator_ValidArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"timeout": {"type": "integer"}
		},
		"required": ["url"]
	}`)
	cap := &ToolCapability{Name: "web.fetch", InputSchema: schema}

	v := NewValidator()
	err := v.ValidateArguments(cap, map[string]interface{}{"url": "https://allowed.example"})
	assert.NoError(t, err)
}

func TestValidator_InvalidArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
	cap := &ToolCapability{Name: "web.fetch", InputSchema: schema}

	v := NewValidator()

	err := v.ValidateArguments(cap, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	err = v.ValidateArguments(cap, map[string]interface{}{"url": 42})
	require.Error(t, err)
}

func TestValidator_NoSchemaAcceptsAnything(t *testing.T) {
	cap := &ToolCapability{Name: "echo"}
	v := NewValidator()
	assert.NoError(t, v.ValidateArguments(cap, map[string]interface{}{"anything": true}))
	assert.NoError(t, v.ValidateArguments(cap, nil))
}

func TestValidator_BadSchema(t *testing.T) {
	cap := &ToolCapability{Name: "broken", InputSchema: json.RawMessage(`{"type": 42}`)}
	v := NewValidator()
	err := v.ValidateArguments(cap, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input schema")
}
