// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxipc/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, credentialsFile = "", ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCredentialCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")

	_, err := run(t, "user", "add", "alice", "--file", path, "--password", "secret", "--admin")
	require.NoError(t, err)
	_, err = run(t, "user", "add", "bob", "--file", path, "--password", "hunter2")
	require.NoError(t, err)
	_, err = run(t, "acl", "set", "queue", "jobs", "bob", "read", "--file", path)
	require.NoError(t, err)
	_, err = run(t, "acl", "set", "topic", "news", "*", "READ_WRITE", "--file", path)
	require.NoError(t, err)

	out, err := run(t, "user", "list", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "alice\tadmin")
	assert.Contains(t, out, "bob\tuser")

	a := auth.New(true)
	require.NoError(t, a.LoadFile(path))
	assert.True(t, a.IsAuthenticated("alice", "secret"))
	assert.True(t, a.IsAuthenticated("bob", "hunter2"))
	assert.True(t, a.CanReadQueue("bob", "jobs"))
	assert.False(t, a.CanWriteQueue("bob", "jobs"))
	assert.True(t, a.CanWriteTopic("bob", "news"))

	_, err = run(t, "user", "remove", "bob", "--file", path)
	require.NoError(t, err)
	_, err = run(t, "user", "remove", "bob", "--file", path)
	assert.Error(t, err)

	_, err = run(t, "acl", "set", "bucket", "jobs", "bob", "READ", "--file", path)
	assert.Error(t, err)
	_, err = run(t, "acl", "set", "queue", "jobs", "bob", "EXECUTE", "--file", path)
	assert.Error(t, err)
	_, err = run(t, "user", "add", "carol", "--file", path)
	assert.Error(t, err)
}

func TestUserCommandRequiresFile(t *testing.T) {
	_, err := run(t, "user", "list")
	assert.Error(t, err)
}
