// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/transport"
)

// Default values.
const (
	DefaultURI              = "af-inet://127.0.0.1:9999"
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxMessageSize   = codec.DefaultMaxFrameSize - codec.FrameOverhead
	DefaultMaxInflight      = 1000
	DefaultDeliveryChanSize = 256
	DefaultBreakerFailures  = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// Options configures the client.
type Options struct {
	// Connection
	URI            string        // af-inet://host:port, af-unix:///path or ws://host:port/path
	Principal      string        // Optional principal
	Password       string        // Optional password
	Encrypt        bool          // Request an encrypted session
	Compress       bool          // Accept the server's frame compression
	ConnectTimeout time.Duration // Dial and handshake budget
	WriteTimeout   time.Duration // Timeout for one frame write

	// Requests
	RequestTimeout time.Duration // Wait budget of calls without a context deadline
	MaxMessageSize int64         // Payload limit checked before sending
	MaxInflight    int           // Maximum concurrent requests

	// Dial circuit breaker
	BreakerFailures uint32        // Consecutive failed dials that open the breaker
	BreakerTimeout  time.Duration // Time the breaker stays open

	// Callbacks
	OnConnectionLost func(error) // Called when an open connection fails

	// Advanced
	DeliveryChanSize int // Buffered deliveries before new ones are dropped
	Logger           *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		URI:              DefaultURI,
		Compress:         true,
		ConnectTimeout:   DefaultConnectTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		MaxInflight:      DefaultMaxInflight,
		BreakerFailures:  DefaultBreakerFailures,
		BreakerTimeout:   DefaultBreakerTimeout,
		DeliveryChanSize: DefaultDeliveryChanSize,
		Logger:           slog.Default(),
	}
}

// SetURI sets the server address.
func (o *Options) SetURI(uri string) *Options {
	o.URI = uri
	return o
}

// SetCredentials sets the principal and password sent when the server
// requires authentication.
func (o *Options) SetCredentials(principal, password string) *Options {
	o.Principal = principal
	o.Password = password
	return o
}

// SetEncryption requests an encrypted session.
func (o *Options) SetEncryption(encrypt bool) *Options {
	o.Encrypt = encrypt
	return o
}

// SetCompression accepts or declines frame compression.
func (o *Options) SetCompression(compress bool) *Options {
	o.Compress = compress
	return o
}

// SetConnectTimeout sets the dial and handshake timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the frame write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetRequestTimeout sets the default wait for responses.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetMaxMessageSize sets the local payload limit. The server's limit applies
// too once connected.
func (o *Options) SetMaxMessageSize(n int64) *Options {
	o.MaxMessageSize = n
	return o
}

// SetMaxInflight sets the maximum number of concurrent requests.
func (o *Options) SetMaxInflight(n int) *Options {
	o.MaxInflight = n
	return o
}

// SetBreaker configures the dial circuit breaker.
func (o *Options) SetBreaker(failures uint32, timeout time.Duration) *Options {
	o.BreakerFailures = failures
	o.BreakerTimeout = timeout
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetDeliveryChanSize sets the buffered deliveries per client. Deliveries
// arriving while the buffer is full are dropped.
func (o *Options) SetDeliveryChanSize(n int) *Options {
	o.DeliveryChanSize = n
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options and returns the parsed URI.
func (o *Options) Validate() (transport.URI, error) {
	u, err := transport.ParseURI(o.URI)
	if err != nil {
		return transport.URI{}, &ConfigError{Field: "uri", Reason: err.Error()}
	}
	if o.Principal != "" && len(o.Principal) > auth.MaxPrincipalLength {
		return transport.URI{}, &ConfigError{Field: "principal", Reason: "too long"}
	}
	if o.Principal == "" && o.Password != "" {
		return transport.URI{}, &ConfigError{Field: "principal", Reason: "required with a password"}
	}

	switch {
	case o.ConnectTimeout <= 0:
		return transport.URI{}, &ConfigError{Field: "connect timeout", Reason: "must be positive"}
	case o.WriteTimeout <= 0:
		return transport.URI{}, &ConfigError{Field: "write timeout", Reason: "must be positive"}
	case o.RequestTimeout <= 0:
		return transport.URI{}, &ConfigError{Field: "request timeout", Reason: "must be positive"}
	case o.MaxMessageSize < 1 || o.MaxMessageSize+codec.FrameOverhead > codec.MaxFrameSizeLimit:
		return transport.URI{}, &ConfigError{Field: "max message size", Reason: "out of range"}
	case o.MaxInflight < 1:
		return transport.URI{}, &ConfigError{Field: "max inflight", Reason: "must be at least 1"}
	case o.BreakerFailures < 1:
		return transport.URI{}, &ConfigError{Field: "breaker failures", Reason: "must be at least 1"}
	case o.BreakerTimeout <= 0:
		return transport.URI{}, &ConfigError{Field: "breaker timeout", Reason: "must be positive"}
	case o.DeliveryChanSize < 1:
		return transport.URI{}, &ConfigError{Field: "delivery channel size", Reason: "must be at least 1"}
	}
	return u, nil
}
