// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
)

// Listen binds a listener for u. A stale af-unix socket file left by a
// previous process is removed first.
func Listen(u URI) (net.Listener, error) {
	switch u.Scheme {
	case SchemeInet:
		return net.Listen("tcp", u.Address)
	case SchemeUnix:
		if fi, err := os.Stat(u.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if err := os.Remove(u.Address); err != nil {
				return nil, fmt.Errorf("failed to remove stale socket: %w", err)
			}
		}
		return net.Listen("unix", u.Address)
	case SchemeWebSocket:
		return listenWebSocket(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
}

// Dial connects to the broker at u.
func Dial(ctx context.Context, u URI) (net.Conn, error) {
	var d net.Dialer
	switch u.Scheme {
	case SchemeInet:
		return d.DialContext(ctx, "tcp", u.Address)
	case SchemeUnix:
		return d.DialContext(ctx, "unix", u.Address)
	case SchemeWebSocket:
		return dialWebSocket(ctx, u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
}
