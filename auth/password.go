// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashScheme = "pbkdf2-sha256"
	saltSize   = 16
	keySize    = 32

	// DefaultIterations is the PBKDF2 work factor for new hashes.
	DefaultIterations = 120_000
	// MinIterations is the lowest work factor accepted from a credential file.
	MinIterations = 1_000
)

// HashPassword derives a salted PBKDF2-SHA256 hash encoded as
// "pbkdf2-sha256$<iterations>$<salt>$<key>".
func HashPassword(password string, iterations int) (string, error) {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	return strings.Join([]string{
		hashScheme,
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

type parsedHash struct {
	iterations int
	salt       []byte
	key        []byte
}

func parseHash(encoded string) (parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return parsedHash{}, ErrInvalidHash
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter < MinIterations {
		return parsedHash{}, fmt.Errorf("%w: iterations %q", ErrInvalidHash, parts[1])
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return parsedHash{}, fmt.Errorf("%w: salt", ErrInvalidHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return parsedHash{}, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return parsedHash{iterations: iter, salt: salt, key: key}, nil
}

// VerifyPassword checks password against an encoded hash in constant time.
func VerifyPassword(password, encoded string) bool {
	h, err := parseHash(encoded)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), h.salt, h.iterations, len(h.key), sha256.New)
	return subtle.ConstantTimeCompare(key, h.key) == 1
}
