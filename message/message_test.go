// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	m := New(TypeOffer, "orders")

	assert.NotEmpty(t, m.ID())
	assert.Equal(t, TypeOffer, m.Type())
	assert.Equal(t, StatusNull, m.Status())
	assert.Equal(t, "orders", m.Subject())
	assert.Equal(t, Never, m.ExpiresAt())
	assert.Equal(t, time.Duration(-1), m.Timeout())
	assert.False(t, m.Textual())
	assert.False(t, m.Expired())
}

func TestNew_PayloadIsCopied(t *testing.T) {
	data := []byte("hello")
	m := New(TypeOffer, "q", WithPayload(MimeOctetStream, data))
	data[0] = 'X'

	assert.Equal(t, "hello", m.Text())
}

func TestMessage_Expiry(t *testing.T) {
	m := New(TypeOffer, "q", WithTTL(time.Minute))
	assert.False(t, m.Expired())
	assert.True(t, m.ExpiredAt(time.Now().Add(2*time.Minute)))

	past := New(TypeOffer, "q", WithExpiresAt(time.Now().Add(-time.Second)))
	assert.True(t, past.Expired())
}

func TestMessage_Reply(t *testing.T) {
	req := New(TypeRequest, "echo", WithRequestID("r-1"), WithString("ping"))
	resp := req.ReplyText(StatusOK, "pong")

	assert.Equal(t, TypeResponse, resp.Type())
	assert.Equal(t, req.ID(), resp.ID())
	assert.Equal(t, "r-1", resp.RequestID())
	assert.Equal(t, "echo", resp.Subject())
	assert.Equal(t, "pong", resp.Text())
	assert.Equal(t, CharsetUTF8, resp.Charset())
}

func TestMessage_JSON(t *testing.T) {
	m, err := NewJSON(TypeCreateQueue, "", QueueSpec{Name: "q1", Capacity: 100, Type: "BOUNDED", Persistence: "DURABLE"})
	require.NoError(t, err)
	assert.Equal(t, MimeJSON, m.Mimetype())
	assert.True(t, m.Textual())

	var spec QueueSpec
	require.NoError(t, m.DecodeJSON(&spec))
	assert.Equal(t, "q1", spec.Name)
	assert.Equal(t, 100, spec.Capacity)
}

func TestFromFields_Validation(t *testing.T) {
	_, err := FromFields(Fields{Type: 0})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = FromFields(Fields{Type: TypeTest, Status: 200})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = FromFields(Fields{Type: TypeTest, Charset: CharsetUTF8, Payload: []byte{0xff, 0xfe}})
	assert.ErrorIs(t, err, ErrInvalidCharset)

	m, err := FromFields(Fields{Type: TypeTest, Payload: []byte{}})
	require.NoError(t, err)
	assert.Nil(t, m.Payload())
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"orders", true},
		{"a/b-c_d/9", true},
		{"", false},
		{"has space", false},
		{"$hello", false},
		{"dots.not.allowed", false},
		{strings.Repeat("a", MaxNameLength), true},
		{strings.Repeat("a", MaxNameLength+1), false},
	}
	for _, tc := range cases {
		err := ValidateName(tc.name)
		if tc.valid {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, tc.name)
		}
	}
}

func TestTypeAndStatusNames(t *testing.T) {
	assert.Equal(t, "SERVER_THREAD_POOL_STAT", TypeServerThreadPoolStat.String())
	assert.Equal(t, "DIFFIE_HELLMAN_ERROR", StatusDiffieHellmanError.String())
	assert.False(t, Type(99).Valid())
	assert.Equal(t, "Type(99)", Type(99).String())
}
