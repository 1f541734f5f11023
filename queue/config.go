// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"strings"

	"github.com/absmach/fluxipc/message"
)

// Type is the capacity policy of a queue.
type Type string

const (
	// Bounded queues make offers wait, then fail, when full.
	Bounded Type = "BOUNDED"
	// Circular queues evict the oldest entry to accept a new one.
	Circular Type = "CIRCULAR"
)

// Persistence selects whether a queue is journaled.
type Persistence string

const (
	Durable   Persistence = "DURABLE"
	Transient Persistence = "TRANSIENT"
)

// TempPrefix starts every temporary queue name.
const TempPrefix = "tmp/"

// Config defines a queue.
type Config struct {
	Name        string
	Capacity    int
	Type        Type
	Persistence Persistence

	// Temporary queues are owned by one connection and removed with it.
	Temporary bool
	Owner     string
}

// ParseType parses a queue type. The empty string selects Bounded.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(s)); t {
	case "":
		return Bounded, nil
	case Bounded, Circular:
		return t, nil
	}
	return "", fmt.Errorf("%w: type %q", ErrInvalidConfig, s)
}

// ParsePersistence parses a persistence mode. The empty string selects Transient.
func ParsePersistence(s string) (Persistence, error) {
	switch p := Persistence(strings.ToUpper(s)); p {
	case "":
		return Transient, nil
	case Durable, Transient:
		return p, nil
	}
	return "", fmt.Errorf("%w: persistence %q", ErrInvalidConfig, s)
}

// FromSpec converts a CREATE_QUEUE payload.
func FromSpec(spec message.QueueSpec) (Config, error) {
	typ, err := ParseType(spec.Type)
	if err != nil {
		return Config{}, err
	}
	p, err := ParsePersistence(spec.Persistence)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Name:        spec.Name,
		Capacity:    spec.Capacity,
		Type:        typ,
		Persistence: p,
	}
	return cfg, cfg.Validate()
}

// Spec returns the wire form of c.
func (c Config) Spec() message.QueueSpec {
	return message.QueueSpec{
		Name:        c.Name,
		Capacity:    c.Capacity,
		Type:        string(c.Type),
		Persistence: string(c.Persistence),
	}
}

// Validate checks the name and the policy fields.
func (c Config) Validate() error {
	if err := message.ValidateName(c.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.Type != Bounded && c.Type != Circular {
		return fmt.Errorf("%w: type %q", ErrInvalidConfig, c.Type)
	}
	if c.Persistence != Durable && c.Persistence != Transient {
		return fmt.Errorf("%w: persistence %q", ErrInvalidConfig, c.Persistence)
	}
	if c.Temporary && c.Persistence == Durable {
		return fmt.Errorf("%w: temporary queues cannot be durable", ErrInvalidConfig)
	}
	return nil
}
