// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the immutable unit of exchange between broker peers.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// Never marks a message that does not expire.
	Never int64 = -1
	// Unbounded marks a server-side wait without a time limit.
	Unbounded int64 = -1

	MimeOctetStream = "application/octet-stream"
	MimeJSON        = "application/json"
	MimeText        = "text/plain"
	CharsetUTF8     = "UTF-8"
)

// Fields is the mutable, exported view of a message used to build one from
// decoded wire data. A Message never shares its payload with a Fields value
// passed to FromFields.
type Fields struct {
	ID        string
	RequestID string
	Type      Type
	Status    Status
	Oneway    bool
	Durable   bool
	Timestamp int64 // unix millis
	ExpiresAt int64 // unix millis, Never for no expiry
	Timeout   int64 // millis, Unbounded for no limit
	Subject   string
	ReplyTo   string
	Mimetype  string
	Charset   string
	Payload   []byte
}

// Message is immutable once constructed. Accessors return values that callers
// must treat as read-only.
type Message struct {
	f Fields
}

// Option configures a message under construction.
type Option func(*Fields)

// New creates a message of type typ addressed to subject.
func New(typ Type, subject string, opts ...Option) *Message {
	f := Fields{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		ExpiresAt: Never,
		Timeout:   Unbounded,
		Subject:   subject,
		Mimetype:  MimeOctetStream,
	}
	for _, opt := range opts {
		opt(&f)
	}
	f.Payload = clone(f.Payload)
	return &Message{f: f}
}

// NewJSON creates a message whose payload is v marshalled as JSON.
func NewJSON(typ Type, subject string, v any, opts ...Option) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts = append([]Option{WithText(MimeJSON, CharsetUTF8, data)}, opts...)
	return New(typ, subject, opts...), nil
}

// FromFields validates f and builds a message from a copy of it.
func FromFields(f Fields) (*Message, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, f.Type)
	}
	if !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, f.Status)
	}
	if isUTF8(f.Charset) && !utf8.Valid(f.Payload) {
		return nil, ErrInvalidCharset
	}
	f.Payload = clone(f.Payload)
	return &Message{f: f}, nil
}

// WithRequestID sets the caller-supplied idempotency id.
func WithRequestID(id string) Option {
	return func(f *Fields) { f.RequestID = id }
}

// WithID overrides the generated message id.
func WithID(id string) Option {
	return func(f *Fields) { f.ID = id }
}

// WithStatus sets the response status.
func WithStatus(s Status) Option {
	return func(f *Fields) { f.Status = s }
}

// WithOneway marks a message whose sender does not await a response.
func WithOneway() Option {
	return func(f *Fields) { f.Oneway = true }
}

// WithDurable marks a message for durable queues.
func WithDurable() Option {
	return func(f *Fields) { f.Durable = true }
}

// WithTimeout sets the server-side wait budget. A negative d means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(f *Fields) {
		if d < 0 {
			f.Timeout = Unbounded
			return
		}
		f.Timeout = d.Milliseconds()
	}
}

// WithExpiresAt sets the absolute expiry time.
func WithExpiresAt(t time.Time) Option {
	return func(f *Fields) { f.ExpiresAt = t.UnixMilli() }
}

// WithTTL expires the message d after its creation time.
func WithTTL(d time.Duration) Option {
	return func(f *Fields) { f.ExpiresAt = f.Timestamp + d.Milliseconds() }
}

// WithReplyTo sets the name of the queue replies should be offered to.
func WithReplyTo(queue string) Option {
	return func(f *Fields) { f.ReplyTo = queue }
}

// WithPayload sets a binary payload.
func WithPayload(mimetype string, payload []byte) Option {
	return func(f *Fields) {
		f.Mimetype = mimetype
		f.Charset = ""
		f.Payload = payload
	}
}

// WithText sets a textual payload encoded in charset.
func WithText(mimetype, charset string, payload []byte) Option {
	return func(f *Fields) {
		f.Mimetype = mimetype
		f.Charset = charset
		f.Payload = payload
	}
}

// WithString sets a UTF-8 text/plain payload.
func WithString(s string) Option {
	return WithText(MimeText, CharsetUTF8, []byte(s))
}

func (m *Message) ID() string { return m.f.ID }
func (m *Message) RequestID() string { return m.f.RequestID }
func (m *Message) Type() Type { return m.f.Type }
func (m *Message) Status() Status { return m.f.Status }
func (m *Message) Oneway() bool { return m.f.Oneway }
func (m *Message) Durable() bool { return m.f.Durable }
func (m *Message) Timestamp() int64 { return m.f.Timestamp }
func (m *Message) ExpiresAt() int64 { return m.f.ExpiresAt }
func (m *Message) Subject() string { return m.f.Subject }
func (m *Message) ReplyTo() string { return m.f.ReplyTo }
func (m *Message) Mimetype() string { return m.f.Mimetype }
func (m *Message) Charset() string { return m.f.Charset }
func (m *Message) Payload() []byte { return m.f.Payload }
func (m *Message) Textual() bool { return m.f.Charset != "" }
func (m *Message) TimeoutMillis() int64 { return m.f.Timeout }

// Timeout returns the server-side wait budget, negative when unbounded.
func (m *Message) Timeout() time.Duration {
	if m.f.Timeout < 0 {
		return -1
	}
	return time.Duration(m.f.Timeout) * time.Millisecond
}

// Text returns the payload as a string.
func (m *Message) Text() string { return string(m.f.Payload) }

// Fields returns a copy of the message fields. The payload slice is shared.
func (m *Message) Fields() Fields { return m.f }

// Expired reports whether the message has expired at the current time.
func (m *Message) Expired() bool {
	return m.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the message has expired at now.
func (m *Message) ExpiredAt(now time.Time) bool {
	return m.f.ExpiresAt >= 0 && now.UnixMilli() >= m.f.ExpiresAt
}

// DecodeJSON unmarshals the payload into v.
func (m *Message) DecodeJSON(v any) error {
	if err := json.Unmarshal(m.f.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.f.Type, err)
	}
	return nil
}

// Reply builds the response to m. The response keeps the id, request id and
// subject so the caller can correlate it.
func (m *Message) Reply(status Status, opts ...Option) *Message {
	f := Fields{
		ID:        m.f.ID,
		RequestID: m.f.RequestID,
		Type:      TypeResponse,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
		ExpiresAt: Never,
		Timeout:   Unbounded,
		Subject:   m.f.Subject,
		Mimetype:  MimeOctetStream,
	}
	for _, opt := range opts {
		opt(&f)
	}
	f.Payload = clone(f.Payload)
	return &Message{f: f}
}

// ReplyText builds a response carrying a diagnostic text.
func (m *Message) ReplyText(status Status, text string) *Message {
	return m.Reply(status, WithString(text))
}

// ReplyJSON builds a response carrying v as JSON.
func (m *Message) ReplyJSON(status Status, v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return m.Reply(status, WithText(MimeJSON, CharsetUTF8, data)), nil
}

// Derive returns a copy of m with opts applied.
func (m *Message) Derive(opts ...Option) *Message {
	f := m.f
	for _, opt := range opts {
		opt(&f)
	}
	f.Payload = clone(f.Payload)
	return &Message{f: f}
}

// String renders a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s[id=%s subject=%s status=%s payload=%dB]",
		m.f.Type, m.f.ID, m.f.Subject, m.f.Status, len(m.f.Payload))
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func isUTF8(charset string) bool {
	switch strings.ToUpper(charset) {
	case "UTF-8", "UTF8":
		return true
	}
	return false
}
