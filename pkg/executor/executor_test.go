package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/harun/toolbridge/pkg/bridge"
	"github.com/harun/toolbridge/pkg/capability"
	"github.com/harun/toolbridge/pkg/codec"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor records which kind handled a call.
type stubExecutor struct {
	kind   Kind
	called int
}

func (s *stubExecutor) Kind() Kind { return s.kind }

func (s *stubExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	s.called++
	return &Result{Kind: s.kind}, nil
}

func TestDispatcher_RoutesBySideEffectClass(t *testing.T) {
	browser := &stubExecutor{kind: KindBrowser}
	database := &stubExecutor{kind: KindDatabase}
	passthrough := &stubExecutor{kind: KindPassthrough}
	d := NewDispatcher(zerolog.Nop(), browser, database, passthrough)

	tests := []struct {
		class capability.SideEffectClass
		want  *stubExecutor
	}{
		{capability.SideEffectBrowser, browser},
		{capability.SideEffectDatabase, database},
		{capability.SideEffectPure, passthrough},
		{capability.SideEffectNetwork, passthrough},
		{capability.SideEffectFilesystem, passthrough},
	}
	for _, tt := range tests {
		before := tt.want.called
		res, err := d.Execute(context.Background(),
			&capability.ToolCapability{Name: "t", SideEffectClass: tt.class},
			Request{Tool: "t", Principal: "agent-a"})
		require.NoError(t, err)
		assert.Equal(t, tt.want.kind, res.Kind)
		assert.Equal(t, before+1, tt.want.called)
	}
}

func TestDispatcher_MissingExecutor(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	_, err := d.Execute(context.Background(),
		&capability.ToolCapability{Name: "t", SideEffectClass: capability.SideEffectBrowser},
		Request{Tool: "t"})
	require.Error(t, err)
	assert.Equal(t, problem.KindInternal, problem.KindOf(err))
}

// toolServerDialer speaks the tool-server wire protocol over net.Pipe and
// answers every request with the chunks produced by respond.
func toolServerDialer(respond func(corr string, send func(codec.Message))) bridge.Dialer {
	return func(ctx context.Context, target string) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			dec := codec.NewDecoder(server)
			send := func(msg codec.Message) {
				wire, err := codec.Encode(msg)
				if err != nil {
					return
				}
				_, _ = server.Write(wire)
			}
			for {
				msg, err := dec.Next()
				if err != nil {
					return
				}
				switch msg.Type {
				case codec.TypeHello:
					send(codec.Message{Type: codec.TypeHelloOK})
				case codec.TypeRequest:
					respond(msg.Corr, send)
				}
			}
		}()
		return client, nil
	}
}

func chunkPayload(seq int64, data string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{"seq": seq, "data": json.RawMessage(data)})
	return payload
}

func TestPassthroughExecutor_CollectsStreamedResponse(t *testing.T) {
	dialer := toolServerDialer(func(corr string, send func(codec.Message)) {
		send(codec.Message{Type: codec.TypeFinal, Corr: corr, Payload: chunkPayload(0, `{"greeting":"hi"}`)})
	})
	opts := bridge.DefaultOptions()
	opts.HandshakeTimeout = time.Second
	m := bridge.NewManager(dialer, opts, zerolog.Nop())
	defer shutdownManager(t, m)

	e := NewPassthroughExecutor(m, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := e.Execute(ctx, Request{
		Tool:      "echo",
		Target:    "demo",
		Principal: "agent-a",
		Arguments: map[string]interface{}{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindPassthrough, res.Kind)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(res.Data))
}

func TestPassthroughExecutor_GrantPumpDrainsBeyondInitialWindow(t *testing.T) {
	const total = 40
	dialer := toolServerDialer(func(corr string, send func(codec.Message)) {
		for i := int64(0); i < total; i++ {
			frameType := codec.TypeChunk
			if i == total-1 {
				frameType = codec.TypeFinal
			}
			send(codec.Message{Type: frameType, Corr: corr, Payload: chunkPayload(i, fmt.Sprintf(`{"part":%d}`, i))})
		}
	})
	opts := bridge.DefaultOptions()
	opts.InitialCredit = 4
	opts.HandshakeTimeout = time.Second
	m := bridge.NewManager(dialer, opts, zerolog.Nop())
	defer shutdownManager(t, m)

	e := NewPassthroughExecutor(m, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := e.Execute(ctx, Request{Tool: "big", Target: "demo", Arguments: map[string]interface{}{}})
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(res.Data, &parts))
	assert.Len(t, parts, total, "all chunks collected despite the narrow initial window")
}

func TestPassthroughExecutor_DeadlineResolvesAsTimeout(t *testing.T) {
	dialer := toolServerDialer(func(corr string, send func(codec.Message)) {
		// Never answer.
	})
	opts := bridge.DefaultOptions()
	opts.HandshakeTimeout = time.Second
	m := bridge.NewManager(dialer, opts, zerolog.Nop())
	defer shutdownManager(t, m)

	e := NewPassthroughExecutor(m, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, Request{Tool: "slow", Target: "demo", Arguments: map[string]interface{}{}})
	require.Error(t, err)
	assert.Equal(t, problem.KindTimeout, problem.KindOf(err))
}

func shutdownManager(t *testing.T, m *bridge.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.Shutdown(ctx)
}
