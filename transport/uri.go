// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport parses broker addresses and opens the listeners and
// connections behind them.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Scheme names the address family of a URI.
type Scheme string

const (
	SchemeInet      Scheme = "af-inet"
	SchemeUnix      Scheme = "af-unix"
	SchemeWebSocket Scheme = "ws"
)

// DefaultWebSocketPath is used when a ws URI has no path.
const DefaultWebSocketPath = "/fluxipc"

var ErrInvalidURI = errors.New("invalid broker uri")

// URI is a parsed broker address.
type URI struct {
	Scheme Scheme
	// Address is host:port for af-inet and ws, the socket path for af-unix.
	Address string
	// Path is the HTTP path of a ws endpoint.
	Path string
}

// ParseURI parses af-inet://host:port, af-unix:///path and ws://host:port/path.
func ParseURI(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	switch Scheme(u.Scheme) {
	case SchemeInet:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return URI{}, fmt.Errorf("%w: %q: %w", ErrInvalidURI, s, err)
		}
		if u.Path != "" && u.Path != "/" {
			return URI{}, fmt.Errorf("%w: %q: unexpected path", ErrInvalidURI, s)
		}
		return URI{Scheme: SchemeInet, Address: u.Host}, nil
	case SchemeUnix:
		if u.Host != "" {
			return URI{}, fmt.Errorf("%w: %q: af-unix takes an absolute path", ErrInvalidURI, s)
		}
		if u.Path == "" || u.Path == "/" {
			return URI{}, fmt.Errorf("%w: %q: missing socket path", ErrInvalidURI, s)
		}
		return URI{Scheme: SchemeUnix, Address: u.Path}, nil
	case SchemeWebSocket:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return URI{}, fmt.Errorf("%w: %q: %w", ErrInvalidURI, s, err)
		}
		path := u.Path
		if path == "" || path == "/" {
			path = DefaultWebSocketPath
		}
		return URI{Scheme: SchemeWebSocket, Address: u.Host, Path: path}, nil
	default:
		return URI{}, fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidURI, s, u.Scheme)
	}
}

// MustParseURI is ParseURI for static addresses.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URI) String() string {
	switch u.Scheme {
	case SchemeUnix:
		return string(u.Scheme) + "://" + u.Address
	case SchemeWebSocket:
		return string(u.Scheme) + "://" + u.Address + u.Path
	default:
		return string(u.Scheme) + "://" + u.Address
	}
}
