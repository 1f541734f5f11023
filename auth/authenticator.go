// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth stores hashed credentials, the admin role and per-subject
// access control lists for queues and topics.
package auth

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxipc/internal/shard"
)

// MaxPrincipalLength bounds principal names.
const MaxPrincipalLength = 100

// Wildcard matches every principal in an ACL entry.
const Wildcard = "*"

// Access is the mode granted by an ACL entry.
type Access string

const (
	AccessRead      Access = "READ"
	AccessWrite     Access = "WRITE"
	AccessReadWrite Access = "READ_WRITE"
	AccessDeny      Access = "DENY"
)

// ParseAccess validates an access mode.
func ParseAccess(s string) (Access, error) {
	a := Access(strings.ToUpper(s))
	switch a {
	case AccessRead, AccessWrite, AccessReadWrite, AccessDeny:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccess, s)
}

func (a Access) canRead() bool  { return a == AccessRead || a == AccessReadWrite }
func (a Access) canWrite() bool { return a == AccessWrite || a == AccessReadWrite }

type credential struct {
	hash  string
	admin bool
}

type acl struct {
	mu      sync.RWMutex
	entries map[string]Access
}

func (a *acl) lookup(principal string) (Access, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if access, ok := a.entries[principal]; ok {
		return access, true
	}
	access, ok := a.entries[Wildcard]
	return access, ok
}

type state struct {
	credentials *shard.Map[credential]
	queueACLs   *shard.Map[*acl]
	topicACLs   *shard.Map[*acl]
}

func newState() *state {
	return &state{
		credentials: shard.New[credential](0),
		queueACLs:   shard.New[*acl](0),
		topicACLs:   shard.New[*acl](0),
	}
}

// Authenticator holds credentials and ACLs. Mutations happen only through its
// methods; Load replaces the whole store atomically.
type Authenticator struct {
	active     atomic.Bool
	iterations int
	logger     *slog.Logger
	st         atomic.Pointer[state]

	// dummy is verified for unknown principals so that a lookup miss costs
	// the same as a wrong password.
	dummy string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithIterations sets the PBKDF2 work factor for new hashes.
func WithIterations(n int) Option {
	return func(a *Authenticator) { a.iterations = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// New creates an authenticator. An inactive authenticator still stores
// credentials but the broker does not require clients to authenticate.
func New(active bool, opts ...Option) *Authenticator {
	a := &Authenticator{
		iterations: DefaultIterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.iterations < MinIterations {
		a.iterations = MinIterations
	}
	a.active.Store(active)
	a.st.Store(newState())
	a.dummy, _ = HashPassword("", a.iterations)
	return a
}

// Active reports whether clients must authenticate.
func (a *Authenticator) Active() bool {
	return a.active.Load()
}

// Activate enables or disables authentication.
func (a *Authenticator) Activate(active bool) {
	a.active.Store(active)
}

func validatePrincipal(principal string) error {
	if principal == "" || len(principal) > MaxPrincipalLength || principal == Wildcard {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	for _, r := range principal {
		if r <= ' ' || r == '$' {
			return fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
		}
	}
	return nil
}

// AddCredentials stores principal with a hashed password, replacing any
// existing entry.
func (a *Authenticator) AddCredentials(principal, password string, admin bool) error {
	if err := validatePrincipal(principal); err != nil {
		return err
	}
	if password == "" {
		return ErrInvalidPassword
	}
	hash, err := HashPassword(password, a.iterations)
	if err != nil {
		return err
	}
	a.st.Load().credentials.Store(principal, credential{hash: hash, admin: admin})
	return nil
}

// RemoveCredentials removes principal. Removing an unknown principal is a no-op.
func (a *Authenticator) RemoveCredentials(principal string) {
	a.st.Load().credentials.Delete(principal)
}

// IsAuthenticated reports whether password matches principal's stored hash.
func (a *Authenticator) IsAuthenticated(principal, password string) bool {
	c, ok := a.st.Load().credentials.Get(principal)
	if !ok {
		VerifyPassword(password, a.dummy)
		return false
	}
	return VerifyPassword(password, c.hash)
}

// IsAdmin reports whether principal holds the admin role.
func (a *Authenticator) IsAdmin(principal string) bool {
	c, ok := a.st.Load().credentials.Get(principal)
	return ok && c.admin
}

// Exists reports whether principal has credentials.
func (a *Authenticator) Exists(principal string) bool {
	return a.st.Load().credentials.Has(principal)
}

// Principals returns the sorted principal names.
func (a *Authenticator) Principals() []string {
	keys := a.st.Load().credentials.Keys()
	sort.Strings(keys)
	return keys
}

// SetQueueAccess grants principal access to queue subject. principal may be Wildcard.
func (a *Authenticator) SetQueueAccess(subject, principal string, access Access) error {
	return setAccess(a.st.Load().queueACLs, subject, principal, access)
}

// RemoveQueueAccess drops principal's entry for queue subject.
func (a *Authenticator) RemoveQueueAccess(subject, principal string) {
	removeAccess(a.st.Load().queueACLs, subject, principal)
}

// SetTopicAccess grants principal access to topic subject. principal may be Wildcard.
func (a *Authenticator) SetTopicAccess(subject, principal string, access Access) error {
	return setAccess(a.st.Load().topicACLs, subject, principal, access)
}

// RemoveTopicAccess drops principal's entry for topic subject.
func (a *Authenticator) RemoveTopicAccess(subject, principal string) {
	removeAccess(a.st.Load().topicACLs, subject, principal)
}

// CanReadQueue reports whether principal may poll queue.
func (a *Authenticator) CanReadQueue(principal, queue string) bool {
	return a.allowed(a.st.Load().queueACLs, principal, queue, Access.canRead)
}

// CanWriteQueue reports whether principal may offer to queue.
func (a *Authenticator) CanWriteQueue(principal, queue string) bool {
	return a.allowed(a.st.Load().queueACLs, principal, queue, Access.canWrite)
}

// CanReadTopic reports whether principal may subscribe to topic.
func (a *Authenticator) CanReadTopic(principal, topic string) bool {
	return a.allowed(a.st.Load().topicACLs, principal, topic, Access.canRead)
}

// CanWriteTopic reports whether principal may publish to topic.
func (a *Authenticator) CanWriteTopic(principal, topic string) bool {
	return a.allowed(a.st.Load().topicACLs, principal, topic, Access.canWrite)
}

// allowed applies the ACL rules: admins and subjects without ACL entries are
// open; otherwise the principal's entry, or the wildcard entry, decides.
func (a *Authenticator) allowed(acls *shard.Map[*acl], principal, subject string, check func(Access) bool) bool {
	if !a.Active() || a.IsAdmin(principal) {
		return true
	}
	list, ok := acls.Get(subject)
	if !ok {
		return true
	}
	access, ok := list.lookup(principal)
	return ok && check(access)
}

func setAccess(acls *shard.Map[*acl], subject, principal string, access Access) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidAccess)
	}
	if principal != Wildcard {
		if err := validatePrincipal(principal); err != nil {
			return err
		}
	}
	if _, err := ParseAccess(string(access)); err != nil {
		return err
	}
	list, _, _ := acls.GetOrCreate(subject, func() (*acl, error) {
		return &acl{entries: make(map[string]Access)}, nil
	})
	list.mu.Lock()
	list.entries[principal] = access
	list.mu.Unlock()
	return nil
}

func removeAccess(acls *shard.Map[*acl], subject, principal string) {
	list, ok := acls.Get(subject)
	if !ok {
		return
	}
	list.mu.Lock()
	delete(list.entries, principal)
	empty := len(list.entries) == 0
	list.mu.Unlock()
	if empty {
		acls.DeleteIf(subject, func(l *acl) bool {
			l.mu.RLock()
			defer l.mu.RUnlock()
			return len(l.entries) == 0
		})
	}
}
