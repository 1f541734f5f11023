// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/pkg/encryption"
	"github.com/absmach/fluxipc/topic"
	"github.com/google/uuid"
)

// Connection is the server side of one accepted socket. Only the goroutine
// running the message loop touches its session fields; the counters may be
// read concurrently.
type Connection struct {
	id        string
	b         *Broker
	conn      net.Conn
	transport string
	framer    *codec.Framer
	state     stateMachine
	logger    *slog.Logger

	principal string
	admin     bool
	encrypted bool
	sub       *topic.Subscription

	received atomic.Uint64
	sent     atomic.Uint64

	dmu         sync.Mutex
	interrupted bool
}

func newConnection(b *Broker, conn net.Conn, transport string) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:        id,
		b:         b,
		conn:      conn,
		transport: transport,
		framer:    codec.NewFramer(b.frameCfg),
		logger: b.logger.With(
			slog.String("conn_id", id),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
}

func (c *Connection) serve(ctx context.Context) error {
	if c.b.draining.Load() {
		_ = c.conn.Close()
		return ErrDraining
	}

	c.b.conns.Store(c.id, c)
	c.b.stats.IncrementConnections()
	c.b.metrics.RecordConnection(c.transport)
	defer c.close()

	if c.b.draining.Load() {
		c.interrupt()
	}

	if err := c.handshake(); err != nil {
		phase := c.state.get().String()
		c.b.stats.IncrementHandshakeErrors()
		c.b.metrics.RecordHandshakeError(phase)
		c.logger.Warn("handshake failed",
			slog.String("phase", phase),
			slog.String("error", err.Error()))
		return err
	}

	c.logger.Debug("connection open",
		slog.String("principal", c.principal),
		slog.Bool("encrypted", c.encrypted),
		slog.String("transport", c.transport))

	if err := c.pump(ctx); err != nil && !isDisconnect(err) {
		c.logger.Warn("connection failed",
			slog.String("phase", c.state.get().String()),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// interrupt unblocks a pending read and keeps later reads from blocking.
func (c *Connection) interrupt() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.interrupted = true
	_ = c.conn.SetReadDeadline(time.Now())
}

func (c *Connection) setReadDeadline(t time.Time) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	if c.interrupted {
		t = time.Now()
	}
	_ = c.conn.SetReadDeadline(t)
}

func (c *Connection) handshake() error {
	deadline := time.Now().Add(c.b.cfg.HandshakeTimeout)
	c.setReadDeadline(deadline)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	req, err := c.expect(message.SubjectHello, ErrHandshake)
	if err != nil {
		return err
	}
	var hello message.Hello
	if err := req.DecodeJSON(&hello); err != nil {
		return c.reject(req, message.StatusBadRequest, ErrHandshake, err.Error())
	}
	if hello.Version != message.ProtocolVersion {
		return c.reject(req, message.StatusBadRequest, ErrHandshake,
			fmt.Sprintf("unsupported protocol version %d", hello.Version))
	}

	// The server can only strengthen the client's choice.
	c.encrypted = c.b.cfg.RequireEncryption || hello.Encrypt
	authRequired := c.b.auth.Active()
	welcome := message.Welcome{
		Version:        message.ProtocolVersion,
		ConnectionID:   c.id,
		Encrypt:        c.encrypted,
		CompressCutoff: codec.DisabledCutoff,
		Compression:    codec.CompressionNone.String(),
		MaxMessageSize: c.b.cfg.MaxMessageSize,
		Auth:           authRequired,
	}
	compress := hello.Compress && c.b.cfg.Compression != codec.CompressionNone
	if compress {
		welcome.CompressCutoff = c.b.cfg.CompressCutoff
		welcome.Compression = c.b.cfg.Compression.String()
	}
	resp, err := req.ReplyJSON(message.StatusOK, welcome)
	if err != nil {
		return err
	}
	if err := c.write(resp); err != nil {
		return err
	}
	if compress {
		c.framer.SetCompression(c.b.cfg.CompressCutoff, c.b.cfg.Compression)
	}

	if c.encrypted {
		if err := c.state.transition(StateNegotiatingEncryption); err != nil {
			return err
		}
		if err := c.negotiate(); err != nil {
			return err
		}
	}

	if err := c.state.transition(StateAuthenticating); err != nil {
		return err
	}
	if authRequired {
		if err := c.authenticate(); err != nil {
			return err
		}
	}

	if err := c.state.transition(StateOpen); err != nil {
		return err
	}
	c.setReadDeadline(time.Time{})
	return c.conn.SetWriteDeadline(time.Time{})
}

func (c *Connection) negotiate() error {
	req, err := c.expect(message.SubjectDH, ErrEncryption)
	if err != nil {
		return err
	}
	if req.Status() != message.StatusDiffieHellmanKey {
		return c.reject(req, message.StatusDiffieHellmanError, ErrEncryption,
			"expected "+message.StatusDiffieHellmanKey.String())
	}

	kp, err := encryption.GenerateKeyPair()
	if err != nil {
		return c.reject(req, message.StatusDiffieHellmanError, ErrEncryption, err.Error())
	}
	cipher, err := kp.Cipher(req.Payload(), encryption.RoleServer)
	if err != nil {
		return c.reject(req, message.StatusDiffieHellmanError, ErrEncryption, err.Error())
	}

	resp := req.Reply(message.StatusDiffieHellmanKey,
		message.WithPayload(message.MimeOctetStream, kp.PublicKey()))
	if err := c.write(resp); err != nil {
		return err
	}
	c.framer.SetCipher(cipher)
	return nil
}

func (c *Connection) authenticate() error {
	req, err := c.expect(message.SubjectAuth, ErrAuthentication)
	if err != nil {
		c.b.stats.IncrementAuthErrors()
		return err
	}

	var cred message.Credentials
	if err := req.DecodeJSON(&cred); err != nil {
		c.b.stats.IncrementAuthErrors()
		return c.reject(req, message.StatusBadRequest, ErrAuthentication, "malformed credentials")
	}
	if !c.b.auth.IsAuthenticated(cred.Principal, cred.Password) {
		c.b.stats.IncrementAuthErrors()
		return c.reject(req, message.StatusBadRequest, ErrAuthentication,
			fmt.Sprintf("invalid credentials for %q", cred.Principal))
	}

	c.principal = cred.Principal
	c.admin = c.b.auth.IsAdmin(cred.Principal)
	return c.write(req.Reply(message.StatusOK))
}

// expect reads the next handshake request and fails with sentinel unless it
// is addressed to subject.
func (c *Connection) expect(subject string, sentinel error) (*message.Message, error) {
	m, err := c.read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel, err)
	}
	if m.Type() != message.TypeRequest || m.Subject() != subject {
		return nil, c.reject(m, message.StatusBadRequest, sentinel,
			fmt.Sprintf("expected %s request, got %s %q", subject, m.Type(), m.Subject()))
	}
	return m, nil
}

// reject answers req with status and returns the handshake failure.
func (c *Connection) reject(req *message.Message, status message.Status, sentinel error, text string) error {
	if err := c.write(req.ReplyText(status, text)); err != nil {
		c.logger.Debug("failed to send handshake rejection", slog.String("error", err.Error()))
	}
	return fmt.Errorf("%w: %s", sentinel, text)
}

func (c *Connection) read() (*message.Message, error) {
	m, n, err := c.framer.ReadMessage(c.conn)
	if err != nil {
		if !isDisconnect(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.b.stats.IncrementProtocolErrors()
		}
		return nil, err
	}
	c.received.Add(1)
	c.b.stats.AddReceived(n)
	c.b.metrics.RecordMessageReceived(m.Type().String(), n, len(m.Payload()))
	return m, nil
}

func (c *Connection) write(m *message.Message) error {
	n, err := c.framer.WriteMessage(c.conn, m)
	if err != nil {
		return err
	}
	c.sent.Add(1)
	c.b.stats.AddSent(n)
	c.b.metrics.RecordMessageSent(m.Type().String(), n)
	return nil
}

// reply writes resp, substituting a SERVER_ERROR when it does not fit in a
// frame.
func (c *Connection) reply(req, resp *message.Message) error {
	err := c.write(resp)
	if errors.Is(err, codec.ErrFrameTooLarge) {
		c.logger.Warn("response exceeds frame limit",
			slog.String("type", req.Type().String()),
			slog.String("subject", req.Subject()),
			slog.Int("payload", len(resp.Payload())))
		return c.write(req.ReplyText(message.StatusServerError, "response exceeds maximum message size"))
	}
	return err
}

// pump reads requests on its own goroutine and handles them one at a time in
// arrival order. A closed socket cancels the request in progress; an
// interrupted read lets it finish.
func (c *Connection) pump(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reqs := make(chan *message.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(reqs)
		for {
			m, err := c.read()
			if err != nil {
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					cancel()
				}
				readErr <- err
				return
			}
			select {
			case reqs <- m:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	var err error
	for req := range reqs {
		if err = c.b.limiter.WaitMessage(ctx, c.id); err != nil {
			break
		}
		resp := c.dispatch(ctx, req)
		if resp == nil || req.Oneway() {
			continue
		}
		if err = c.reply(req, resp); err != nil {
			break
		}
	}
	if err != nil {
		cancel()
		_ = c.conn.Close()
	}

	if rerr := <-readErr; err == nil {
		err = rerr
	}
	return err
}

// deliver is the subscription sink writing PUBLISH messages to the peer.
func (c *Connection) deliver(m *message.Message) error {
	if err := c.write(m); err != nil {
		return err
	}
	c.b.stats.AddDeliveries(1)
	return nil
}

func (c *Connection) subscription() *topic.Subscription {
	if c.sub == nil {
		c.sub = topic.NewSubscription(c.id, c.deliver, c.b.cfg.Subscription)
	}
	return c.sub
}

func (c *Connection) close() {
	if err := c.state.transition(StateClosing); err != nil {
		c.logger.Debug("close", slog.String("error", err.Error()))
	}

	if c.sub != nil {
		n := len(c.sub.Topics())
		c.b.topics.UnsubscribeAll(c.sub)
		c.b.metrics.RecordSubscriptions(-n)
	}
	_ = c.conn.Close()
	if c.sub != nil {
		c.sub.Close()
	}

	if n := c.b.queues.RemoveOwnedBy(c.id); n > 0 {
		c.logger.Debug("removed temporary queues", slog.Int("count", n))
	}
	c.b.limiter.OnDisconnect(c.id)
	c.b.conns.Delete(c.id)
	c.b.stats.DecrementConnections()
	c.b.metrics.RecordDisconnection()

	_ = c.state.transition(StateClosed)
	c.logger.Debug("connection closed",
		slog.Uint64("received", c.received.Load()),
		slog.Uint64("sent", c.sent.Load()))
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Connection) State() State {
	return c.state.get()
}

// Counters returns the number of messages received and sent.
func (c *Connection) Counters() (received, sent uint64) {
	return c.received.Load(), c.sent.Load()
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.Canceled)
}
