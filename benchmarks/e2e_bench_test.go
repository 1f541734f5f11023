// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/absmach/fluxipc/client"
	"github.com/absmach/fluxipc/function"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/server"
	"github.com/absmach/fluxipc/topic"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(b *testing.B, opts ...server.Option) *server.Server {
	b.Helper()
	opts = append([]server.Option{
		server.WithLogger(discard()),
		server.WithAddress("af-inet://127.0.0.1:0"),
		server.WithMaxConnections(1024),
		server.WithClientQueueManagement(),
		server.WithClientTopicManagement(),
	}, opts...)
	s, err := server.New(opts...)
	if err != nil {
		b.Fatalf("Failed to create server: %v", err)
	}
	if err := s.Start(); err != nil {
		b.Fatalf("Failed to start server: %v", err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

func connect(b *testing.B, s *server.Server, encrypt bool) *client.Client {
	b.Helper()
	c, err := client.New(client.NewOptions().
		SetURI("af-inet://" + s.Addrs()[0].String()).
		SetEncryption(encrypt).
		SetLogger(discard()))
	if err != nil {
		b.Fatalf("Failed to create client: %v", err)
	}
	if err := c.Open(context.Background()); err != nil {
		b.Fatalf("Failed to connect: %v", err)
	}
	return c
}

// BenchmarkConnectionEstablishment measures handshake throughput.
func BenchmarkConnectionEstablishment(b *testing.B) {
	for _, encrypt := range []bool{false, true} {
		b.Run(fmt.Sprintf("encrypt_%t", encrypt), func(b *testing.B) {
			s := startTestServer(b)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				connect(b, s, encrypt).Close()
			}
		})
	}
}

// BenchmarkFunctionCall measures request/response latency by payload size.
func BenchmarkFunctionCall(b *testing.B) {
	for _, size := range []int{100, 1024, 10240, 65536} {
		b.Run(fmt.Sprintf("%d_bytes", size), func(b *testing.B) {
			s := startTestServer(b)
			if err := s.CreateFunction("echo", function.HandlerFunc(func(p []byte) ([]byte, error) {
				return p, nil
			})); err != nil {
				b.Fatal(err)
			}
			c := connect(b, s, false)
			defer c.Close()
			payload := make([]byte, size)
			ctx := context.Background()

			b.SetBytes(int64(size))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := c.Call(ctx, "echo", message.WithPayload(message.MimeOctetStream, payload)); err != nil {
					b.Fatalf("Call failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkFunctionCall_Parallel measures call throughput over one pipelined
// connection.
func BenchmarkFunctionCall_Parallel(b *testing.B) {
	s := startTestServer(b)
	if err := s.CreateFunction("noop", func(context.Context, function.Call) (*message.Message, error) {
		return nil, nil
	}); err != nil {
		b.Fatal(err)
	}
	c := connect(b, s, false)
	defer c.Close()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(ctx, "noop"); err != nil {
				b.Errorf("Call failed: %v", err)
				return
			}
		}
	})
}

// BenchmarkQueueOfferPoll measures a full offer/poll cycle.
func BenchmarkQueueOfferPoll(b *testing.B) {
	for _, encrypt := range []bool{false, true} {
		b.Run(fmt.Sprintf("encrypt_%t", encrypt), func(b *testing.B) {
			s := startTestServer(b)
			c := connect(b, s, encrypt)
			defer c.Close()
			ctx := context.Background()
			if _, err := c.CreateQueue(ctx, message.QueueSpec{Name: "bench", Capacity: 1024}); err != nil {
				b.Fatal(err)
			}
			payload := make([]byte, 1024)

			b.SetBytes(int64(len(payload)))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := c.Offer(ctx, "bench", 0, message.WithPayload(message.MimeOctetStream, payload)); err != nil {
					b.Fatalf("Offer failed: %v", err)
				}
				if _, err := c.Poll(ctx, "bench", 0); err != nil {
					b.Fatalf("Poll failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkPublishFanOut measures publish throughput to N subscribers.
func BenchmarkPublishFanOut(b *testing.B) {
	for _, count := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("%d_subscribers", count), func(b *testing.B) {
			s := startTestServer(b, server.WithSubscriptionPolicy(1024, topic.PolicyBlock, topic.DefaultBlockTimeout))
			if err := s.CreateTopic("bench"); err != nil {
				b.Fatal(err)
			}
			ctx := context.Background()

			var received atomic.Int64
			subscribers := make([]*client.Client, count)
			for i := range subscribers {
				subscribers[i] = connect(b, s, false)
				if _, err := subscribers[i].Subscribe(ctx, func(*message.Message) { received.Add(1) }, "bench"); err != nil {
					b.Fatalf("Subscribe failed: %v", err)
				}
			}
			publisher := connect(b, s, false)
			payload := make([]byte, 1024)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := publisher.Publish(ctx, "bench", message.WithPayload(message.MimeOctetStream, payload)); err != nil {
					b.Fatalf("Publish failed: %v", err)
				}
			}
			b.StopTimer()

			publisher.Close()
			for _, c := range subscribers {
				c.Close()
			}
			b.ReportMetric(float64(received.Load())/float64(b.N), "deliveries/op")
		})
	}
}
