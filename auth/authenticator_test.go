// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a := New(true, WithIterations(MinIterations))
	require.NoError(t, a.AddCredentials("alice", "s3cret", false))
	require.NoError(t, a.AddCredentials("root", "toor", true))
	return a
}

func TestIsAuthenticated(t *testing.T) {
	a := newTestAuthenticator(t)

	assert.True(t, a.IsAuthenticated("alice", "s3cret"))
	assert.False(t, a.IsAuthenticated("alice", "wrong"))
	assert.False(t, a.IsAuthenticated("alice", ""))
	assert.False(t, a.IsAuthenticated("mallory", "s3cret"))
	assert.False(t, a.IsAuthenticated("", ""))
}

func TestAddCredentials_Validation(t *testing.T) {
	a := New(true, WithIterations(MinIterations))

	assert.ErrorIs(t, a.AddCredentials("", "pw", false), ErrInvalidPrincipal)
	assert.ErrorIs(t, a.AddCredentials("has space", "pw", false), ErrInvalidPrincipal)
	assert.ErrorIs(t, a.AddCredentials(Wildcard, "pw", false), ErrInvalidPrincipal)
	assert.ErrorIs(t, a.AddCredentials(strings.Repeat("p", MaxPrincipalLength+1), "pw", false), ErrInvalidPrincipal)
	assert.ErrorIs(t, a.AddCredentials("bob", "", false), ErrInvalidPassword)
}

func TestAdminAndRemove(t *testing.T) {
	a := newTestAuthenticator(t)

	assert.True(t, a.IsAdmin("root"))
	assert.False(t, a.IsAdmin("alice"))
	assert.Equal(t, []string{"alice", "root"}, a.Principals())

	a.RemoveCredentials("alice")
	a.RemoveCredentials("alice")
	assert.False(t, a.Exists("alice"))
	assert.False(t, a.IsAuthenticated("alice", "s3cret"))
}

func TestPasswordsAreNeverStoredInClear(t *testing.T) {
	a := newTestAuthenticator(t)

	var buf bytes.Buffer
	require.NoError(t, a.Save(&buf))
	assert.NotContains(t, buf.String(), "s3cret")
	assert.Contains(t, buf.String(), hashScheme)
}

func TestQueueACLs(t *testing.T) {
	a := newTestAuthenticator(t)
	require.NoError(t, a.AddCredentials("bob", "pw", false))

	assert.True(t, a.CanWriteQueue("alice", "orders"), "queues without ACL entries are open")

	require.NoError(t, a.SetQueueAccess("orders", "alice", AccessWrite))
	require.NoError(t, a.SetQueueAccess("orders", "bob", AccessRead))

	assert.True(t, a.CanWriteQueue("alice", "orders"))
	assert.False(t, a.CanReadQueue("alice", "orders"))
	assert.True(t, a.CanReadQueue("bob", "orders"))
	assert.False(t, a.CanWriteQueue("bob", "orders"))
	assert.False(t, a.CanReadQueue("carol", "orders"))
	assert.True(t, a.CanReadQueue("root", "orders"), "admins bypass ACLs")

	require.NoError(t, a.SetQueueAccess("orders", Wildcard, AccessReadWrite))
	assert.True(t, a.CanReadQueue("carol", "orders"))

	require.NoError(t, a.SetQueueAccess("orders", "carol", AccessDeny))
	assert.False(t, a.CanReadQueue("carol", "orders"))

	a.RemoveQueueAccess("orders", "alice")
	a.RemoveQueueAccess("orders", "bob")
	a.RemoveQueueAccess("orders", "carol")
	a.RemoveQueueAccess("orders", Wildcard)
	assert.True(t, a.CanReadQueue("carol", "orders"))

	assert.ErrorIs(t, a.SetQueueAccess("orders", "bob", Access("ALL")), ErrInvalidAccess)
}

func TestTopicACLs_InactiveAuthenticatorIsOpen(t *testing.T) {
	a := New(false, WithIterations(MinIterations))
	require.NoError(t, a.SetTopicAccess("news", "alice", AccessDeny))
	assert.True(t, a.CanReadTopic("alice", "news"))

	a.Activate(true)
	assert.False(t, a.CanReadTopic("alice", "news"))
	assert.False(t, a.CanWriteTopic("alice", "news"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	require.NoError(t, a.SetQueueAccess("orders", "alice", AccessRead))
	require.NoError(t, a.SetTopicAccess("news", Wildcard, AccessWrite))

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, a.SaveFile(path))

	b := New(true, WithIterations(MinIterations))
	require.NoError(t, b.LoadFile(path))

	assert.True(t, b.IsAuthenticated("alice", "s3cret"))
	assert.True(t, b.IsAdmin("root"))
	assert.True(t, b.CanReadQueue("alice", "orders"))
	assert.False(t, b.CanWriteQueue("alice", "orders"))
	assert.True(t, b.CanWriteTopic("alice", "news"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_RejectsInvalidStoreAndKeepsCurrent(t *testing.T) {
	a := newTestAuthenticator(t)

	err := a.Load(strings.NewReader(`{"authorizations":[{"principal":"eve","password":"plain","admin":true}]}`))
	assert.ErrorIs(t, err, ErrInvalidHash)
	assert.True(t, a.IsAuthenticated("alice", "s3cret"))

	err = a.Load(strings.NewReader(`{"queue-acls":[{"subject":"q","principal":"eve","access":"SOMETIMES"}]}`))
	assert.ErrorIs(t, err, ErrInvalidAccess)

	assert.Error(t, a.Load(strings.NewReader(`not json`)))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	writer := New(true, WithIterations(MinIterations))
	require.NoError(t, writer.AddCredentials("alice", "one", false))
	require.NoError(t, writer.SaveFile(path))

	a := New(true, WithIterations(MinIterations))
	require.NoError(t, a.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx, path) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, writer.AddCredentials("alice", "two", false))
	require.NoError(t, writer.SaveFile(path))

	assert.Eventually(t, func() bool {
		return a.IsAuthenticated("alice", "two")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestVerifyPassword_BadHashes(t *testing.T) {
	assert.False(t, VerifyPassword("x", ""))
	assert.False(t, VerifyPassword("x", "md5$1$a$b"))
	assert.False(t, VerifyPassword("x", "pbkdf2-sha256$10$AAAA$AAAA"))
	assert.False(t, VerifyPassword("x", "pbkdf2-sha256$5000$!!$AAAA"))
}
