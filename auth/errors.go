// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import "errors"

var (
	ErrInvalidPrincipal = errors.New("invalid principal")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidAccess    = errors.New("invalid access mode")
	ErrInvalidHash      = errors.New("invalid password hash")
	ErrUnknownPrincipal = errors.New("unknown principal")
)
