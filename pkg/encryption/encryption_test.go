// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) (*Cipher, *Cipher) {
	t.Helper()
	client, err := GenerateKeyPair()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)

	cc, err := client.Cipher(server.PublicKey(), RoleClient)
	require.NoError(t, err)
	sc, err := server.Cipher(client.PublicKey(), RoleServer)
	require.NoError(t, err)
	return cc, sc
}

func TestCipher_BothDirections(t *testing.T) {
	cc, sc := handshake(t)

	for _, msg := range []string{"first", "second", ""} {
		sealed, err := cc.Seal([]byte(msg))
		require.NoError(t, err)
		assert.Len(t, sealed, len(msg)+cc.Overhead())

		plain, err := sc.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, msg, string(plain))
	}

	sealed, err := sc.Seal([]byte("reply"))
	require.NoError(t, err)
	plain, err := cc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(plain))
}

func TestCipher_RejectsReplayAndTamper(t *testing.T) {
	cc, sc := handshake(t)

	sealed, err := cc.Seal([]byte("once"))
	require.NoError(t, err)
	_, err = sc.Open(sealed)
	require.NoError(t, err)

	_, err = sc.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	cc2, sc2 := handshake(t)
	sealed, err = cc2.Seal([]byte("tamper"))
	require.NoError(t, err)
	sealed[0] ^= 1
	_, err = sc2.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipher_WrongDirectionFails(t *testing.T) {
	cc, _ := handshake(t)
	sealed, err := cc.Seal([]byte("loopback"))
	require.NoError(t, err)

	_, err = cc.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyPair_InvalidPeerKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = kp.Cipher([]byte{1, 2, 3}, RoleClient)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = kp.Cipher(make([]byte, KeySize), RoleServer)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
