// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server embeds a broker behind one or more listeners with a bounded
// connection pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/broker"
	"github.com/absmach/fluxipc/function"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/queue"
	"github.com/absmach/fluxipc/ratelimit"
	"github.com/absmach/fluxipc/topic"
	"github.com/absmach/fluxipc/transport"
	"golang.org/x/sync/errgroup"
)

// ErrShutdownTimeout is returned by Close when connections had to be
// force-closed after the grace period.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const tcpKeepAlive = 15 * time.Second

// State is the server lifecycle state.
type State uint32

const (
	StateNotStarted State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunning:
		return "RUNNING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateError is returned when an operation is invalid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s server in state %s", e.Op, e.State)
}

// Server accepts connections on its listeners and hands each to the broker,
// as long as a connection slot is free.
type Server struct {
	opts   options
	uris   []transport.URI
	logger *slog.Logger
	state  atomic.Uint32

	queues    *queue.Manager
	topics    *topic.Manager
	functions *function.Manager
	auth      *auth.Authenticator
	limiter   *ratelimit.Manager
	broker    *broker.Broker

	mu        sync.Mutex
	listeners []net.Listener
	accept    errgroup.Group

	wg         sync.WaitGroup
	connCtx    context.Context
	connCancel context.CancelFunc

	slots    chan struct{}
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New validates opts and builds a server. Nothing is bound until Start.
func New(opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	uris, err := o.validate()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:   o,
		uris:   uris,
		logger: o.logger,
		slots:  make(chan struct{}, o.maxConnections),
		auth:   o.auth,
	}
	if s.auth == nil {
		s.auth = auth.New(false, auth.WithLogger(o.logger))
	}
	s.queues = queue.NewManager(queue.ManagerConfig{
		Store:          o.store,
		MaxQueues:      o.maxQueues,
		MaxMessageSize: o.maxMessageSize,
		Logger:         o.logger,
	})
	s.topics = topic.NewManager(o.maxTopics)
	s.functions = function.NewManager(function.Config{
		MaxFunctions: o.maxFunctions,
		Tracer:       o.tracer,
		Logger:       o.logger,
	})
	s.limiter = ratelimit.NewManager(o.rateLimit)
	s.connCtx, s.connCancel = context.WithCancel(context.Background())

	s.broker = broker.New(broker.Config{
		HandshakeTimeout:      o.handshakeTimeout,
		RequireEncryption:     o.requireEncryption,
		Compression:           o.compression,
		CompressCutoff:        o.compressCutoff,
		MaxMessageSize:        o.maxMessageSize,
		PermitClientQueueMgmt: o.permitQueueMgmt,
		PermitClientTopicMgmt: o.permitTopicMgmt,
		Subscription:          o.subscription,
		TempQueueCapacity:     o.tempCapacity,
	}, broker.Registries{
		Queues:    s.queues,
		Topics:    s.topics,
		Functions: s.functions,
		Auth:      s.auth,
	},
		broker.WithLogger(o.logger),
		broker.WithMetrics(o.metrics),
		broker.WithRateLimiter(s.limiter),
		broker.WithPool(s),
	)
	return s, nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Start restores durable queues, binds every listener and starts accepting.
// It returns once the listeners are bound.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(uint32(StateNotStarted), uint32(StateRunning)) {
		return &StateError{Op: "start", State: s.State()}
	}

	if err := s.queues.Load(); err != nil {
		s.fail()
		return fmt.Errorf("failed to restore durable queues: %w", err)
	}

	listeners := make([]net.Listener, 0, len(s.uris))
	for _, u := range s.uris {
		ln, err := transport.Listen(u)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			s.fail()
			return fmt.Errorf("failed to listen on %s: %w", u, err)
		}
		listeners = append(listeners, ln)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Close may have run while the listeners were being bound.
	if st := s.State(); st != StateRunning {
		for _, l := range listeners {
			l.Close()
		}
		return &StateError{Op: "start", State: st}
	}
	s.listeners = listeners
	for i, ln := range listeners {
		u := s.uris[i]
		s.logger.Info("server listening",
			slog.String("uri", u.String()),
			slog.String("address", ln.Addr().String()))
		s.accept.Go(func() error {
			s.acceptLoop(ln, string(u.Scheme))
			return nil
		})
	}
	return nil
}

// fail moves a server whose start failed to CLOSED and releases what New
// allocated.
func (s *Server) fail() {
	s.state.Store(uint32(StateClosed))
	s.connCancel()
	s.limiter.Stop()
	if err := s.queues.Close(); err != nil {
		s.logger.Warn("failed to close queues", slog.String("error", err.Error()))
	}
	if s.opts.store != nil {
		if err := s.opts.store.Close(); err != nil {
			s.logger.Warn("failed to close wal store", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener, scheme string) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.State() != StateRunning || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			s.logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.limiter.AllowConnection(conn.RemoteAddr()) {
			s.reject(conn, "rate_limited")
			continue
		}
		if !s.tryAcquireSlot() {
			s.reject(conn, "pool_saturated")
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := configureTCPConn(tcpConn); err != nil {
				s.logger.Error("failed to configure TCP connection",
					slog.String("error", err.Error()))
				s.releaseSlot()
				conn.Close()
				continue
			}
		}

		s.accepted.Add(1)
		s.wg.Add(1)
		go s.handleConnection(conn, scheme)
	}
}

// reject closes conn without a handshake.
func (s *Server) reject(conn net.Conn, reason string) {
	s.logger.Warn("connection rejected",
		slog.String("remote", remoteAddr(conn)),
		slog.String("reason", reason))
	s.rejected.Add(1)
	s.broker.Stats().IncrementRejected()
	s.opts.metrics.RecordRejection(reason)
	conn.Close()
}

func (s *Server) tryAcquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	<-s.slots
}

func (s *Server) handleConnection(conn net.Conn, scheme string) {
	defer s.wg.Done()
	defer s.releaseSlot()

	if err := s.broker.Serve(s.connCtx, conn, scheme); err != nil {
		s.logger.Debug("connection ended with error",
			slog.String("remote", remoteAddr(conn)),
			slog.String("error", err.Error()))
	}
}

func configureTCPConn(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("failed to enable keepalive: %w", err)
	}
	if err := conn.SetKeepAlivePeriod(tcpKeepAlive); err != nil {
		return fmt.Errorf("failed to set keepalive period: %w", err)
	}
	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}
	return nil
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Close stops accepting, lets in-flight requests finish within the shutdown
// timeout, force-closes the remaining connections and closes the WAL store.
// Closing a closed server is a no-op.
func (s *Server) Close() error {
	for {
		switch s.State() {
		case StateClosed:
			return nil
		case StateNotStarted:
			if s.state.CompareAndSwap(uint32(StateNotStarted), uint32(StateClosed)) {
				s.connCancel()
				s.limiter.Stop()
				return s.closeStorage()
			}
		case StateRunning:
			if s.state.CompareAndSwap(uint32(StateRunning), uint32(StateClosed)) {
				return s.shutdown()
			}
		}
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("server shutting down")

	var errs []error
	s.mu.Lock()
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()
	s.accept.Wait()

	s.broker.Drain()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed gracefully")
	case <-time.After(s.opts.shutdownTimeout):
		s.logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.Int("connections", s.broker.Connections()))
		s.connCancel()
		s.broker.CloseConnections()
		<-done
		errs = append(errs, ErrShutdownTimeout)
	}
	s.connCancel()
	s.limiter.Stop()

	if err := s.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeStorage() error {
	var errs []error
	if err := s.queues.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.opts.store != nil {
		if err := s.opts.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close wal store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Addrs returns the bound listener addresses, in option order.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// PoolStats reports the connection slots.
func (s *Server) PoolStats() broker.PoolStats {
	return broker.PoolStats{
		Capacity: cap(s.slots),
		Active:   len(s.slots),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Broker returns the embedded broker.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// Authenticator returns the credential store and ACLs.
func (s *Server) Authenticator() *auth.Authenticator {
	return s.auth
}

// ServerStatus returns the same map as a SERVER_STATUS request.
func (s *Server) ServerStatus() map[string]any {
	status := s.broker.ServerStatus()
	status["state"] = s.State().String()
	return status
}

// ThreadPoolStats returns the same map as a SERVER_THREAD_POOL_STAT request.
func (s *Server) ThreadPoolStats() map[string]any {
	return s.broker.ThreadPoolStats()
}

// CreateFunction registers h under name, replacing any existing handler.
func (s *Server) CreateFunction(name string, h function.Handler) error {
	return s.functions.CreateFunction(name, h)
}

// RemoveFunction unregisters name.
func (s *Server) RemoveFunction(name string) error {
	return s.functions.RemoveFunction(name)
}

// ExistsFunction reports whether name is registered.
func (s *Server) ExistsFunction(name string) bool {
	return s.functions.ExistsFunction(name)
}

// CreateQueue creates a queue from spec. Creating an existing queue succeeds
// and leaves it unchanged.
func (s *Server) CreateQueue(spec message.QueueSpec) (message.QueueStatus, error) {
	cfg, err := queue.FromSpec(spec)
	if err != nil {
		return message.QueueStatus{}, err
	}
	q, created, err := s.queues.CreateQueue(cfg)
	if err != nil {
		return message.QueueStatus{}, err
	}
	if created {
		s.logger.Info("queue created",
			slog.String("queue", cfg.Name),
			slog.String("type", string(cfg.Type)),
			slog.String("persistence", string(cfg.Persistence)))
	}
	return q.Status(), nil
}

// RemoveQueue removes the queue and its journal.
func (s *Server) RemoveQueue(name string) error {
	return s.queues.RemoveQueue(name)
}

// ExistsQueue reports whether the queue exists.
func (s *Server) ExistsQueue(name string) bool {
	return s.queues.Exists(name)
}

// QueueStatus describes the queue.
func (s *Server) QueueStatus(name string) message.QueueStatus {
	return s.queues.Status(name)
}

// CreateTopic creates a topic. Creating an existing topic succeeds.
func (s *Server) CreateTopic(name string) error {
	created, err := s.topics.CreateTopic(name)
	if err == nil && created {
		s.logger.Info("topic created", slog.String("topic", name))
	}
	return err
}

// RemoveTopic removes the topic and drops its subscriptions.
func (s *Server) RemoveTopic(name string) error {
	return s.topics.RemoveTopic(name)
}

// ExistsTopic reports whether the topic exists.
func (s *Server) ExistsTopic(name string) bool {
	return s.topics.Exists(name)
}

// TopicStatus describes the topic.
func (s *Server) TopicStatus(name string) message.TopicStatus {
	return s.topics.Status(name)
}
