// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame length exceeds the configured
	// maximum. It is detected before the frame body is allocated.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformed is returned for bodies that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrFieldTooLong is returned when a string field does not fit its length prefix.
	ErrFieldTooLong = errors.New("field too long")
	// ErrUnsupportedVersion is returned for bodies encoded by an unknown codec version.
	ErrUnsupportedVersion = errors.New("unsupported codec version")
	// ErrCompressionNotNegotiated is returned for a compressed frame whose
	// algorithm the reader did not agree to.
	ErrCompressionNotNegotiated = errors.New("compression not negotiated")
	// ErrInvalidFrameSize is returned when a configured frame limit is out of bounds.
	ErrInvalidFrameSize = errors.New("invalid maximum frame size")
)
