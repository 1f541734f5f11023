// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client connects to a fluxipc server and exposes its functions,
// queues and topics.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/pkg/encryption"
	"github.com/absmach/fluxipc/transport"
	"github.com/sony/gobreaker"
)

// Counters are the client's local traffic counters.
type Counters struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	Deliveries        uint64
	DeliveriesDropped uint64
}

// Client is a connection to a fluxipc server. It is safe for concurrent use;
// responses are matched to requests by message id.
type Client struct {
	opts    Options
	uri     transport.URI
	logger  *slog.Logger
	state   stateManager
	breaker *gobreaker.CircuitBreaker

	conn    net.Conn
	framer  *codec.Framer
	welcome message.Welcome
	maxSize int64
	wmu     sync.Mutex

	pending *pendingStore
	subs    *subscriptions

	deliveries  chan *message.Message
	readDone    chan struct{}
	deliverDone chan struct{}

	sent          atomic.Uint64
	received      atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
}

// New creates a client. A nil opts selects NewOptions.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	u, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:    *opts,
		uri:     u,
		logger:  logger,
		pending: newPendingStore(opts.MaxInflight),
		subs:    newSubscriptions(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        u.String(),
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dial circuit breaker state changed",
				slog.String("uri", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// ConnectionID returns the id the server assigned to this connection.
func (c *Client) ConnectionID() string {
	if !c.state.isOpen() {
		return ""
	}
	return c.welcome.ConnectionID
}

// Encrypted reports whether the session is encrypted.
func (c *Client) Encrypted() bool {
	return c.state.isOpen() && c.welcome.Encrypt
}

// MaxMessageSize returns the payload limit in effect: the smaller of the
// local and the server's limit once connected.
func (c *Client) MaxMessageSize() int64 {
	if c.state.isOpen() {
		return c.maxSize
	}
	return c.opts.MaxMessageSize
}

// Counters returns a snapshot of the traffic counters.
func (c *Client) Counters() Counters {
	return Counters{
		MessagesSent:      c.sent.Load(),
		MessagesReceived:  c.received.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		Deliveries:        c.delivered.Load(),
		DeliveriesDropped: c.dropped.Load(),
	}
}

// Open dials the server and runs the handshake. A failed Open leaves the
// client ready for another attempt; repeated dial failures open the circuit
// breaker, which fails further attempts fast until its timeout elapses.
func (c *Client) Open(ctx context.Context) error {
	if !c.state.transition(StateNotStarted, StateConnecting) {
		return &StateError{Op: "open", State: c.state.get()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.transition(StateConnecting, StateNotStarted)
		return err
	}
	framer, welcome, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		c.state.transition(StateConnecting, StateNotStarted)
		return err
	}

	c.conn = conn
	c.framer = framer
	c.welcome = welcome
	c.maxSize = c.opts.MaxMessageSize
	if welcome.MaxMessageSize > 0 {
		c.maxSize = min(c.maxSize, welcome.MaxMessageSize)
	}
	c.deliveries = make(chan *message.Message, c.opts.DeliveryChanSize)
	c.readDone = make(chan struct{})
	c.deliverDone = make(chan struct{})

	if !c.state.transition(StateConnecting, StateOpen) {
		conn.Close()
		return ErrClientClosed
	}
	go c.readLoop()
	go c.deliverLoop()

	c.logger.Debug("client connected",
		slog.String("uri", c.uri.String()),
		slog.String("conn_id", welcome.ConnectionID),
		slog.Bool("encrypted", welcome.Encrypt),
		slog.String("compression", welcome.Compression))
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return transport.Dial(ctx, c.uri)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.uri, err)
	}
	return res.(net.Conn), nil
}

// handshake exchanges hello and welcome, then negotiates the session key and
// authenticates when the server asks for it.
func (c *Client) handshake(ctx context.Context, conn net.Conn) (*codec.Framer, message.Welcome, error) {
	var welcome message.Welcome
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, welcome, err
		}
	}

	framer := codec.NewFramer(codec.Config{CompressCutoff: codec.DisabledCutoff})
	hello, err := message.NewJSON(message.TypeRequest, message.SubjectHello, message.Hello{
		Version:  message.ProtocolVersion,
		Encrypt:  c.opts.Encrypt,
		Compress: c.opts.Compress,
	})
	if err != nil {
		return nil, welcome, err
	}
	resp, err := c.roundTrip(conn, framer, hello)
	if err != nil {
		return nil, welcome, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := statusError(resp); err != nil {
		return nil, welcome, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := resp.DecodeJSON(&welcome); err != nil {
		return nil, welcome, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if welcome.Version != message.ProtocolVersion {
		return nil, welcome, fmt.Errorf("%w: unsupported protocol version %d", ErrHandshake, welcome.Version)
	}

	// Frames after the welcome use the server's limit.
	framer = codec.NewFramer(codec.Config{
		MaxFrameSize:   frameSize(welcome.MaxMessageSize),
		CompressCutoff: codec.DisabledCutoff,
	})
	if welcome.CompressCutoff != codec.DisabledCutoff {
		alg, err := codec.ParseCompression(welcome.Compression)
		if err != nil {
			return nil, welcome, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		framer.SetCompression(welcome.CompressCutoff, alg)
	}

	if welcome.Encrypt {
		if err := c.negotiate(conn, framer); err != nil {
			return nil, welcome, err
		}
	}
	if welcome.Auth {
		if err := c.authenticate(conn, framer); err != nil {
			return nil, welcome, err
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, welcome, err
	}
	return framer, welcome, nil
}

func (c *Client) negotiate(conn net.Conn, framer *codec.Framer) error {
	kp, err := encryption.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	req := message.New(message.TypeRequest, message.SubjectDH,
		message.WithStatus(message.StatusDiffieHellmanKey),
		message.WithPayload(message.MimeOctetStream, kp.PublicKey()))
	resp, err := c.roundTrip(conn, framer, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	if resp.Status() != message.StatusDiffieHellmanKey {
		return fmt.Errorf("%w: %w", ErrEncryption, &StatusError{Status: resp.Status(), Text: resp.Text()})
	}
	cipher, err := kp.Cipher(resp.Payload(), encryption.RoleClient)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	framer.SetCipher(cipher)
	return nil
}

func (c *Client) authenticate(conn net.Conn, framer *codec.Framer) error {
	if c.opts.Principal == "" {
		return fmt.Errorf("%w: server requires credentials", ErrAuthentication)
	}
	req, err := message.NewJSON(message.TypeRequest, message.SubjectAuth, message.Credentials{
		Principal: c.opts.Principal,
		Password:  c.opts.Password,
	})
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(conn, framer, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if err := statusError(resp); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return nil
}

// roundTrip writes req and reads its response before the read loop runs.
func (c *Client) roundTrip(conn net.Conn, framer *codec.Framer, req *message.Message) (*message.Message, error) {
	n, err := framer.WriteMessage(conn, req)
	if err != nil {
		return nil, err
	}
	c.countSent(n)
	resp, n, err := framer.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	c.countReceived(n)
	if resp.ID() != req.ID() {
		return nil, fmt.Errorf("unexpected response %s to %s", resp.ID(), req.ID())
	}
	return resp, nil
}

func (c *Client) countSent(n int) {
	c.sent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *Client) countReceived(n int) {
	c.received.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func frameSize(maxMessageSize int64) int64 {
	if maxMessageSize <= 0 {
		return codec.DefaultMaxFrameSize
	}
	return min(max(maxMessageSize+codec.FrameOverhead, codec.MinFrameSize), codec.MaxFrameSizeLimit)
}

// readLoop routes responses to their futures and deliveries to the
// subscription handlers. It never waits on a handler: a delivery that finds
// the buffer full is dropped, so responses keep flowing to handlers that are
// themselves waiting on a call.
func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.deliveries)

	for {
		m, n, err := c.framer.ReadMessage(c.conn)
		if err != nil {
			c.connectionLost(err)
			return
		}
		c.countReceived(n)

		if m.Type() == message.TypePublish {
			select {
			case c.deliveries <- m:
			default:
				c.dropped.Add(1)
				c.logger.Debug("dropping delivery, handler buffer full",
					slog.String("topic", m.Subject()),
					slog.String("id", m.ID()))
			}
			continue
		}
		if !c.pending.complete(m) {
			c.logger.Debug("dropping unmatched response",
				slog.String("id", m.ID()),
				slog.String("type", m.Type().String()))
		}
	}
}

func (c *Client) deliverLoop() {
	defer close(c.deliverDone)
	for m := range c.deliveries {
		h, ok := c.subs.handler(m.Subject())
		if !ok {
			continue
		}
		c.delivered.Add(1)
		h(m)
	}
}

// connectionLost fails every pending request. When the connection was lost
// rather than closed, the client moves to CLOSED and the callback runs.
func (c *Client) connectionLost(err error) {
	lost := c.state.transition(StateOpen, StateClosed)
	if !lost {
		c.pending.clear(ErrClientClosed)
		return
	}
	c.pending.clear(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	c.conn.Close()
	if !errors.Is(err, io.EOF) {
		c.logger.Warn("connection lost",
			slog.String("uri", c.uri.String()),
			slog.String("error", err.Error()))
	}
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
}

// Close closes the connection and fails pending requests. Closing a closed
// client is a no-op.
func (c *Client) Close() error {
	for {
		switch st := c.state.get(); st {
		case StateClosed:
			return nil
		case StateNotStarted, StateConnecting:
			if c.state.transition(st, StateClosed) {
				c.pending.clear(ErrClientClosed)
				return nil
			}
		case StateOpen:
			if c.state.transition(StateOpen, StateClosed) {
				err := c.conn.Close()
				<-c.readDone
				<-c.deliverDone
				if errors.Is(err, net.ErrClosed) {
					err = nil
				}
				return err
			}
		}
	}
}

// write sends m as one frame.
func (c *Client) write(m *message.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	n, err := c.framer.WriteMessage(c.conn, m)
	if err != nil {
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
		}
		return err
	}
	c.countSent(n)
	return nil
}

func (c *Client) checkSize(m *message.Message) error {
	if limit := c.maxSize; limit > 0 && int64(len(m.Payload())) > limit {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(m.Payload()), limit)
	}
	return nil
}

// SendAsync sends m and returns a future for its response.
func (c *Client) SendAsync(m *message.Message) (*Future, error) {
	if !c.state.isOpen() {
		return nil, ErrNotConnected
	}
	if m.Oneway() {
		return nil, errors.New("oneway messages have no response, use SendOneway")
	}
	if err := c.checkSize(m); err != nil {
		return nil, err
	}
	f, err := c.pending.add(m.ID())
	if err != nil {
		return nil, err
	}
	if err := c.write(m); err != nil {
		c.pending.remove(m.ID())
		return nil, err
	}
	return f, nil
}

// Send sends m and waits for its response. A response with a status other
// than OK is returned together with a *StatusError. Without a deadline on ctx
// the wait is bounded by the request timeout plus the server-side timeout of
// m. Timing out stops waiting only; the server still processes m.
func (c *Client) Send(ctx context.Context, m *message.Message) (*message.Message, error) {
	f, err := c.SendAsync(m)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		if wait, bounded := c.waitBudget(m); bounded {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}
	}
	resp, err := f.Get(ctx)
	if err != nil && resp == nil {
		c.pending.remove(m.ID())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, m.Type(), m.Subject())
		}
	}
	return resp, err
}

// waitBudget returns how long Send waits for the response to m. Offers and
// polls without a server-side timeout may wait forever.
func (c *Client) waitBudget(m *message.Message) (time.Duration, bool) {
	switch d := m.Timeout(); {
	case d > 0:
		return c.opts.RequestTimeout + d, true
	case d < 0 && (m.Type() == message.TypeOffer || m.Type() == message.TypePoll):
		return 0, false
	default:
		return c.opts.RequestTimeout, true
	}
}

// SendOneway sends m without waiting. The server sends no response.
func (c *Client) SendOneway(m *message.Message) error {
	if !c.state.isOpen() {
		return ErrNotConnected
	}
	if !m.Oneway() {
		m = m.Derive(message.WithOneway())
	}
	if err := c.checkSize(m); err != nil {
		return err
	}
	return c.write(m)
}

func (c *Client) callJSON(ctx context.Context, typ message.Type, subject string, in, out any) error {
	var (
		m   *message.Message
		err error
	)
	if in != nil {
		m, err = message.NewJSON(typ, subject, in)
		if err != nil {
			return err
		}
	} else {
		m = message.New(typ, subject)
	}
	resp, err := c.Send(ctx, m)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

// Call invokes the function name with payload and returns the response.
func (c *Client) Call(ctx context.Context, name string, opts ...message.Option) (*message.Message, error) {
	return c.Send(ctx, message.New(message.TypeRequest, name, opts...))
}

// Test sends a TEST message; the server echoes its payload.
func (c *Client) Test(ctx context.Context, text string) (string, error) {
	resp, err := c.Send(ctx, message.New(message.TypeTest, "", message.WithString(text)))
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// ServerStatus returns the server's status map.
func (c *Client) ServerStatus(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	err := c.callJSON(ctx, message.TypeServerStatus, "", nil, &status)
	return status, err
}

// ThreadPoolStatistics returns the server's connection pool statistics.
func (c *Client) ThreadPoolStatistics(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	err := c.callJSON(ctx, message.TypeServerThreadPoolStat, "", nil, &stats)
	return stats, err
}
