// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package function registers named request handlers and dispatches REQUEST
// messages to them.
package function

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"github.com/absmach/fluxipc/internal/shard"
	"github.com/absmach/fluxipc/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrMaxFunctions     = errors.New("maximum number of functions reached")
	ErrNilHandler       = errors.New("nil function handler")
)

// Call is the explicit context of one invocation.
type Call struct {
	ConnectionID string
	// Principal is empty for anonymous connections.
	Principal string
	Request   *message.Message
}

// Handler serves one function. A nil response with a nil error answers OK
// with an empty payload. A returned error answers SERVER_ERROR.
type Handler func(ctx context.Context, call Call) (*message.Message, error)

// HandlerFunc adapts a payload-only function into a Handler answering with
// a binary payload.
func HandlerFunc(fn func(payload []byte) ([]byte, error)) Handler {
	return func(_ context.Context, call Call) (*message.Message, error) {
		out, err := fn(call.Request.Payload())
		if err != nil {
			return nil, err
		}
		return call.Request.Reply(message.StatusOK, message.WithPayload(message.MimeOctetStream, out)), nil
	}
}

// Config configures a Manager.
type Config struct {
	// MaxFunctions bounds the registry; zero means unlimited.
	MaxFunctions int
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// Manager is the function registry.
type Manager struct {
	handlers *shard.Map[Handler]
	max      int
	count    atomic.Int64
	tracer   trace.Tracer
	logger   *slog.Logger

	calls  atomic.Uint64
	faults atomic.Uint64
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("fluxipc/function")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		handlers: shard.New[Handler](0),
		max:      cfg.MaxFunctions,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
}

// CreateFunction registers h under name, replacing an existing handler.
func (m *Manager) CreateFunction(name string, h Handler) error {
	if err := message.ValidateName(name); err != nil {
		return err
	}
	if h == nil {
		return ErrNilHandler
	}
	_, created, err := m.handlers.GetOrCreate(name, func() (Handler, error) {
		for {
			n := m.count.Load()
			if m.max > 0 && n >= int64(m.max) {
				return nil, ErrMaxFunctions
			}
			if m.count.CompareAndSwap(n, n+1) {
				return h, nil
			}
		}
	})
	if err != nil {
		return err
	}
	if !created {
		m.handlers.Store(name, h)
	}
	return nil
}

// RemoveFunction unregisters name.
func (m *Manager) RemoveFunction(name string) error {
	if _, ok := m.handlers.Delete(name); !ok {
		return ErrFunctionNotFound
	}
	m.count.Add(-1)
	return nil
}

// ExistsFunction reports whether name is registered.
func (m *Manager) ExistsFunction(name string) bool {
	return m.handlers.Has(name)
}

// Names returns the sorted function names.
func (m *Manager) Names() []string {
	names := m.handlers.Keys()
	sort.Strings(names)
	return names
}

// Len returns the number of functions.
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// Stats returns the number of dispatched calls and of handler faults.
func (m *Manager) Stats() (calls, faults uint64) {
	return m.calls.Load(), m.faults.Load()
}

// Dispatch runs the handler named by the request subject and always returns
// a response: HANDLER_ERROR for an unknown function, SERVER_ERROR with a
// diagnostic text when the handler fails or panics.
func (m *Manager) Dispatch(ctx context.Context, call Call) *message.Message {
	req := call.Request
	h, ok := m.handlers.Get(req.Subject())
	if !ok {
		return req.ReplyText(message.StatusHandlerError,
			fmt.Sprintf("function %q not found", req.Subject()))
	}
	m.calls.Add(1)

	ctx, span := m.tracer.Start(ctx, "function "+req.Subject(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fluxipc.function", req.Subject()),
			attribute.String("fluxipc.connection_id", call.ConnectionID),
			attribute.String("fluxipc.message_id", req.ID()),
		))
	defer span.End()

	resp, err := m.invoke(ctx, h, call)
	if err != nil {
		m.faults.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("function handler failed",
			slog.String("function", req.Subject()),
			slog.String("conn_id", call.ConnectionID),
			slog.String("error", err.Error()))
		return req.ReplyText(message.StatusServerError, err.Error())
	}
	if resp == nil {
		return req.Reply(message.StatusOK)
	}
	if resp.Type() != message.TypeResponse || resp.ID() != req.ID() {
		// Correlate whatever the handler built with the request.
		f := resp.Fields()
		status := f.Status
		if status == message.StatusNull {
			status = message.StatusOK
		}
		resp = req.Reply(status, message.WithText(f.Mimetype, f.Charset, f.Payload))
	}
	return resp
}

func (m *Manager) invoke(ctx context.Context, h Handler, call Call) (resp *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("function handler panicked",
				slog.String("function", call.Request.Subject()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, call)
}
