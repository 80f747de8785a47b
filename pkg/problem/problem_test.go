package problem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_TaxonomyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   string
		wantStatus int
	}{
		{"policy denied", New(KindPolicyDenied, "missing scope"), "PolicyDenied", http.StatusForbidden},
		{"timeout", New(KindTimeout, "deadline elapsed"), "Timeout", http.StatusGatewayTimeout},
		{"navigation denied", New(KindNavigationDenied, "host not allowed"), "NavigationDenied", http.StatusForbidden},
		{"pool exhausted", New(KindPoolExhausted, "10 connections busy"), "PoolExhausted", http.StatusServiceUnavailable},
		{"framing", New(KindFraming, "length mismatch"), "FramingError", http.StatusBadGateway},
		{"plain error falls back to internal", errors.New("boom"), "Internal", http.StatusInternalServerError},
		{"context deadline maps to timeout", context.DeadlineExceeded, "Timeout", http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := From(tt.err, "trace-1")
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, "trace-1", p.TraceID)
			assert.NotEmpty(t, p.Title)
		})
	}
}

func TestFrom_NeverLeaksCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:9000: connection refused by internal-host")
	err := Wrap(KindConnectionLost, "tool server unreachable", cause)

	p := From(err, "trace-2")
	assert.Equal(t, "tool server unreachable", p.Detail)
	assert.NotContains(t, p.Detail, "10.0.0.5")
}

func TestFrom_WrappedInChain(t *testing.T) {
	err := fmt.Errorf("dispatch failed: %w", New(KindBackpressureOverflow, "queue full"))

	p := From(err, "")
	assert.Equal(t, "BackpressureOverflow", p.Type)
	assert.Equal(t, "queue full", p.Detail)
}

func TestSessionFatal(t *testing.T) {
	require.True(t, SessionFatal(KindFraming))
	require.True(t, SessionFatal(KindConnectionLost))
	require.False(t, SessionFatal(KindTimeout))
	require.False(t, SessionFatal(KindBackpressureOverflow))
	require.False(t, SessionFatal(KindPolicyDenied))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(KindInternal, "wrapped", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindInternal, KindOf(err))
}
