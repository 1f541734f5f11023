// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package encryption negotiates a session key with an X25519 Diffie-Hellman
// exchange and seals frames with ChaCha20-Poly1305.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 public keys.
const KeySize = curve25519.PointSize

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrDecrypt          = errors.New("frame authentication failed")
	ErrNonceExhausted   = errors.New("session nonce space exhausted")
)

// Role selects the key direction: a client seals with the client-to-server key
// and opens with the server-to-client key, and the server does the reverse.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

var (
	infoClientToServer = []byte("fluxipc client->server")
	infoServerToClient = []byte("fluxipc server->client")
)

// KeyPair is an ephemeral X25519 key pair used for one handshake.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	public  []byte
}

// GenerateKeyPair creates a fresh ephemeral key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp.public = pub
	return kp, nil
}

// PublicKey returns the public half to send to the peer.
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, len(kp.public))
	copy(out, kp.public)
	return out
}

// Cipher derives the session cipher from the peer's public key.
func (kp *KeyPair) Cipher(peerPublic []byte, role Role) (*Cipher, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	shared, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		// X25519 rejects low-order points that would yield an all-zero secret.
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	var clientPub, serverPub []byte
	if role == RoleClient {
		clientPub, serverPub = kp.public, peerPublic
	} else {
		clientPub, serverPub = peerPublic, kp.public
	}
	salt := append(append([]byte{}, clientPub...), serverPub...)

	c2s, err := deriveAEAD(shared, salt, infoClientToServer)
	if err != nil {
		return nil, err
	}
	s2c, err := deriveAEAD(shared, salt, infoServerToClient)
	if err != nil {
		return nil, err
	}

	if role == RoleClient {
		return &Cipher{seal: c2s, open: s2c}, nil
	}
	return &Cipher{seal: s2c, open: c2s}, nil
}

func deriveAEAD(secret, salt, info []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead, nil
}

// Cipher seals and opens frames with per-direction keys and counter nonces.
// Frames must be opened in the order they were sealed; a replayed, dropped or
// reordered frame fails authentication.
type Cipher struct {
	seal, open       cipher.AEAD
	sendSeq, recvSeq uint64
}

// Seal encrypts and authenticates plain.
func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	nonce, err := nextNonce(&c.sendSeq)
	if err != nil {
		return nil, err
	}
	return c.seal.Seal(nil, nonce, plain, nil), nil
}

// Open authenticates and decrypts sealed.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonce, err := nextNonce(&c.recvSeq)
	if err != nil {
		return nil, err
	}
	plain, err := c.open.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Overhead is the number of bytes Seal adds.
func (c *Cipher) Overhead() int {
	return c.seal.Overhead()
}

func nextNonce(seq *uint64) ([]byte, error) {
	if *seq == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], *seq)
	*seq++
	return nonce, nil
}
