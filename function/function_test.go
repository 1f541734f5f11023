// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package function

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/absmach/fluxipc/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func request(subject, text string) *message.Message {
	return message.New(message.TypeRequest, subject, message.WithString(text), message.WithRequestID("req-1"))
}

func call(req *message.Message) Call {
	return Call{ConnectionID: "conn-1", Principal: "alice", Request: req}
}

func TestDispatch_Handler(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.CreateFunction("upper", func(_ context.Context, c Call) (*message.Message, error) {
		assert.Equal(t, "alice", c.Principal)
		assert.Equal(t, "conn-1", c.ConnectionID)
		return c.Request.ReplyText(message.StatusOK, strings.ToUpper(c.Request.Text())), nil
	}))

	req := request("upper", "hello")
	resp := m.Dispatch(context.Background(), call(req))

	assert.Equal(t, message.TypeResponse, resp.Type())
	assert.Equal(t, message.StatusOK, resp.Status())
	assert.Equal(t, req.ID(), resp.ID())
	assert.Equal(t, "req-1", resp.RequestID())
	assert.Equal(t, "HELLO", resp.Text())
}

func TestDispatch_UnknownFunction(t *testing.T) {
	m := NewManager(Config{})
	resp := m.Dispatch(context.Background(), call(request("missing", "")))

	assert.Equal(t, message.StatusHandlerError, resp.Status())
	assert.Contains(t, resp.Text(), "missing")
}

func TestDispatch_HandlerFaults(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	m := NewManager(Config{Tracer: tp.Tracer("test")})
	require.NoError(t, m.CreateFunction("fails", func(context.Context, Call) (*message.Message, error) {
		return nil, errors.New("database unavailable")
	}))
	require.NoError(t, m.CreateFunction("panics", func(context.Context, Call) (*message.Message, error) {
		var p *message.Message
		return p.Reply(message.StatusOK), nil
	}))

	resp := m.Dispatch(context.Background(), call(request("fails", "")))
	assert.Equal(t, message.StatusServerError, resp.Status())
	assert.Equal(t, "database unavailable", resp.Text())

	resp = m.Dispatch(context.Background(), call(request("panics", "")))
	assert.Equal(t, message.StatusServerError, resp.Status())
	assert.Contains(t, resp.Text(), "handler panic")

	calls, faults := m.Stats()
	assert.Equal(t, uint64(2), calls)
	assert.Equal(t, uint64(2), faults)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "function fails", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestDispatch_CorrelatesForeignResponses(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.CreateFunction("raw", HandlerFunc(func(p []byte) ([]byte, error) {
		return append(p, '!'), nil
	})))
	require.NoError(t, m.CreateFunction("fresh", func(context.Context, Call) (*message.Message, error) {
		return message.New(message.TypePublish, "elsewhere", message.WithString("made up")), nil
	}))
	require.NoError(t, m.CreateFunction("empty", func(context.Context, Call) (*message.Message, error) {
		return nil, nil
	}))

	req := request("raw", "hi")
	resp := m.Dispatch(context.Background(), call(req))
	assert.Equal(t, []byte("hi!"), resp.Payload())
	assert.Equal(t, req.ID(), resp.ID())

	req = request("fresh", "")
	resp = m.Dispatch(context.Background(), call(req))
	assert.Equal(t, message.TypeResponse, resp.Type())
	assert.Equal(t, message.StatusOK, resp.Status())
	assert.Equal(t, req.ID(), resp.ID())
	assert.Equal(t, "made up", resp.Text())

	resp = m.Dispatch(context.Background(), call(request("empty", "")))
	assert.Equal(t, message.StatusOK, resp.Status())
	assert.Empty(t, resp.Payload())
}

func TestRegistry(t *testing.T) {
	m := NewManager(Config{MaxFunctions: 1})
	noop := func(context.Context, Call) (*message.Message, error) { return nil, nil }

	assert.ErrorIs(t, m.CreateFunction("bad name", noop), message.ErrInvalidName)
	assert.ErrorIs(t, m.CreateFunction("f", nil), ErrNilHandler)

	require.NoError(t, m.CreateFunction("f", noop))
	require.NoError(t, m.CreateFunction("f", noop), "replacing a handler does not count twice")
	assert.ErrorIs(t, m.CreateFunction("g", noop), ErrMaxFunctions)
	assert.True(t, m.ExistsFunction("f"))
	assert.Equal(t, []string{"f"}, m.Names())

	require.NoError(t, m.RemoveFunction("f"))
	assert.ErrorIs(t, m.RemoveFunction("f"), ErrFunctionNotFound)
	assert.False(t, m.ExistsFunction("f"))
	require.NoError(t, m.CreateFunction("g", noop))
	assert.Equal(t, 1, m.Len())
}
