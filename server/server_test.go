// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/function"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/transport"
	"github.com/absmach/fluxipc/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTimeout = 5 * time.Second

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(discard())}, opts...)
	if !hasAddress(opts) {
		opts = append(opts, WithAddress("af-inet://127.0.0.1:0"))
	}
	s, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func hasAddress(opts []Option) bool {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return len(o.addresses) > 0
}

// rawConn speaks the wire protocol over a dialed connection.
type rawConn struct {
	t      *testing.T
	conn   net.Conn
	framer *codec.Framer
}

func dial(t *testing.T, u transport.URI) *rawConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, u)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn, framer: codec.NewFramer(codec.Config{})}
}

func dialInet(t *testing.T, s *Server) *rawConn {
	t.Helper()
	return dial(t, transport.URI{Scheme: transport.SchemeInet, Address: s.Addrs()[0].String()})
}

func (c *rawConn) call(m *message.Message) *message.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(testTimeout)))
	_, err := c.framer.WriteMessage(c.conn, m)
	require.NoError(c.t, err)
	resp, _, err := c.framer.ReadMessage(c.conn)
	require.NoError(c.t, err)
	require.Equal(c.t, m.ID(), resp.ID())
	return resp
}

func (c *rawConn) open() {
	c.t.Helper()
	m, err := message.NewJSON(message.TypeRequest, message.SubjectHello, message.Hello{Version: message.ProtocolVersion})
	require.NoError(c.t, err)
	resp := c.call(m)
	require.Equal(c.t, message.StatusOK, resp.Status(), resp.Text())
}

func (c *rawConn) echo(s string) string {
	c.t.Helper()
	resp := c.call(message.New(message.TypeTest, "", message.WithString(s)))
	require.Equal(c.t, message.StatusOK, resp.Status())
	return resp.Text()
}

func TestNew_InvalidOptions(t *testing.T) {
	cases := []struct {
		name  string
		opt   Option
		field string
	}{
		{"bad uri", WithAddress("http://localhost:80"), "address"},
		{"unix without path", WithAddress("af-unix://"), "address"},
		{"zero connections", WithMaxConnections(0), "max connections"},
		{"zero handshake timeout", WithHandshakeTimeout(0), "handshake timeout"},
		{"negative shutdown timeout", WithShutdownTimeout(-time.Second), "shutdown timeout"},
		{"zero message size", WithMaxMessageSize(0), "max message size"},
		{"huge message size", WithMaxMessageSize(codec.MaxFrameSizeLimit), "max message size"},
		{"bad cutoff", WithCompression(codec.CompressionS2, -2), "compression cutoff"},
		{"negative limits", WithLimits(-1, 0, 0), "limits"},
		{"zero depth", WithSubscriptionPolicy(0, "drop", time.Second), "subscription depth"},
		{"bad policy", WithSubscriptionPolicy(10, "spill", time.Second), "subscription policy"},
		{"nil logger", WithLogger(nil), "logger"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opt)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestLifecycle(t *testing.T) {
	s, err := New(WithLogger(discard()), WithAddress("af-inet://127.0.0.1:0"))
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, s.State())
	assert.Empty(t, s.Addrs())

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
	require.Len(t, s.Addrs(), 1)

	var serr *StateError
	require.ErrorAs(t, s.Start(), &serr)
	assert.Equal(t, StateRunning, serr.State)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())

	require.ErrorAs(t, s.Start(), &serr)
	assert.Equal(t, StateClosed, serr.State)
}

func TestCloseBeforeStart(t *testing.T) {
	s, err := New(WithLogger(discard()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	var serr *StateError
	require.ErrorAs(t, s.Start(), &serr)
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := startServer(t)

	s, err := New(WithLogger(discard()), WithAddress("af-inet://"+first.Addrs()[0].String()))
	require.NoError(t, err)
	require.Error(t, s.Start())
	assert.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())
}

func TestTransports(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fluxipc.sock")
	s := startServer(t,
		WithAddress("af-inet://127.0.0.1:0"),
		WithAddress("af-unix://"+sock),
		WithAddress("ws://127.0.0.1:0/ipc"),
	)
	addrs := s.Addrs()
	require.Len(t, addrs, 3)

	uris := []transport.URI{
		{Scheme: transport.SchemeInet, Address: addrs[0].String()},
		{Scheme: transport.SchemeUnix, Address: sock},
		{Scheme: transport.SchemeWebSocket, Address: addrs[2].String(), Path: "/ipc"},
	}
	for _, u := range uris {
		t.Run(string(u.Scheme), func(t *testing.T) {
			c := dial(t, u)
			c.open()
			assert.Equal(t, "hello "+string(u.Scheme), c.echo("hello "+string(u.Scheme)))
		})
	}
}

func TestBackpressure(t *testing.T) {
	s := startServer(t, WithMaxConnections(1))

	held := dialInet(t, s)
	held.open()
	require.Eventually(t, func() bool { return s.PoolStats().Active == 1 }, testTimeout, 10*time.Millisecond)

	// The pool is saturated: the next socket is closed before any handshake.
	extra := dialInet(t, s)
	require.NoError(t, extra.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, 1)
	_, err := extra.conn.Read(buf)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded))

	stats := s.PoolStats()
	assert.Equal(t, 1, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), s.Broker().Stats().GetRejected())

	held.conn.Close()
	require.Eventually(t, func() bool { return s.PoolStats().Active == 0 }, testTimeout, 10*time.Millisecond)

	next := dialInet(t, s)
	next.open()
	assert.Equal(t, "ok", next.echo("ok"))
}

func TestGracefulShutdown(t *testing.T) {
	s := startServer(t, WithShutdownTimeout(testTimeout))
	started := make(chan struct{})
	require.NoError(t, s.CreateFunction("slow", func(_ context.Context, call function.Call) (*message.Message, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return call.Request.Reply(message.StatusOK, message.WithString("done")), nil
	}))

	c := dialInet(t, s)
	c.open()

	result := make(chan *message.Message, 1)
	go func() {
		m := message.New(message.TypeRequest, "slow")
		if _, err := c.framer.WriteMessage(c.conn, m); err != nil {
			result <- nil
			return
		}
		resp, _, err := c.framer.ReadMessage(c.conn)
		if err != nil {
			result <- nil
			return
		}
		result <- resp
	}()

	<-started
	require.NoError(t, s.Close())

	resp := <-result
	require.NotNil(t, resp)
	assert.Equal(t, "done", resp.Text())
	assert.Equal(t, 0, s.Broker().Connections())
}

func TestShutdownTimeout(t *testing.T) {
	s := startServer(t, WithShutdownTimeout(50*time.Millisecond))
	started := make(chan struct{})
	require.NoError(t, s.CreateFunction("stuck", func(ctx context.Context, _ function.Call) (*message.Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	c := dialInet(t, s)
	c.open()
	_, err := c.framer.WriteMessage(c.conn, message.New(message.TypeRequest, "stuck"))
	require.NoError(t, err)

	<-started
	assert.ErrorIs(t, s.Close(), ErrShutdownTimeout)
	assert.Equal(t, 0, s.Broker().Connections())
}

func TestDurableQueuesRestored(t *testing.T) {
	dir := t.TempDir()
	open := func() wal.Store {
		store, err := wal.NewFileStore(wal.FileConfig{Dir: dir, Logger: discard()})
		require.NoError(t, err)
		return store
	}

	s := startServer(t, WithStore(open()))
	_, err := s.CreateQueue(message.QueueSpec{Name: "jobs", Capacity: 10, Persistence: "DURABLE"})
	require.NoError(t, err)

	c := dialInet(t, s)
	c.open()
	for _, body := range []string{"one", "two"} {
		resp := c.call(message.New(message.TypeOffer, "jobs", message.WithString(body)))
		require.Equal(t, message.StatusOK, resp.Status(), resp.Text())
	}
	require.NoError(t, s.Close())

	restarted := startServer(t, WithStore(open()))
	st := restarted.QueueStatus("jobs")
	require.True(t, st.Exists)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, "DURABLE", st.Persistence)

	c = dialInet(t, restarted)
	c.open()
	resp := c.call(message.New(message.TypePoll, "jobs"))
	require.Equal(t, message.StatusOK, resp.Status())
	assert.Equal(t, "one", resp.Text())
}

func TestAdministration(t *testing.T) {
	s := startServer(t, WithMaxConnections(4))

	require.NoError(t, s.CreateFunction("upper", function.HandlerFunc(func(p []byte) ([]byte, error) {
		return p, nil
	})))
	assert.True(t, s.ExistsFunction("upper"))
	require.NoError(t, s.RemoveFunction("upper"))
	assert.False(t, s.ExistsFunction("upper"))

	st, err := s.CreateQueue(message.QueueSpec{Name: "q1", Capacity: 5, Type: "CIRCULAR"})
	require.NoError(t, err)
	assert.Equal(t, "CIRCULAR", st.Type)
	assert.True(t, s.ExistsQueue("q1"))
	_, err = s.CreateQueue(message.QueueSpec{Name: "q1", Capacity: 5})
	require.NoError(t, err)
	_, err = s.CreateQueue(message.QueueSpec{Name: "bad name!", Capacity: 5})
	require.Error(t, err)
	// Durable queues need a store.
	_, err = s.CreateQueue(message.QueueSpec{Name: "q2", Capacity: 5, Persistence: "DURABLE"})
	require.Error(t, err)
	require.NoError(t, s.RemoveQueue("q1"))
	assert.False(t, s.QueueStatus("q1").Exists)

	require.NoError(t, s.CreateTopic("news"))
	require.NoError(t, s.CreateTopic("news"))
	assert.True(t, s.ExistsTopic("news"))
	assert.Equal(t, 0, s.TopicStatus("news").Subscribers)
	require.NoError(t, s.RemoveTopic("news"))
	assert.False(t, s.ExistsTopic("news"))

	status := s.ServerStatus()
	assert.Equal(t, "RUNNING", status["state"])
	assert.Equal(t, false, status["auth_enabled"])

	pool := s.ThreadPoolStats()
	assert.Equal(t, 4, pool["capacity"])
	assert.Equal(t, 0, pool["active"])
}
