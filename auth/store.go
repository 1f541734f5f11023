// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Authorization is a persisted credential.
type Authorization struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
	Admin     bool   `json:"admin"`
}

// ACLEntry is a persisted access control entry.
type ACLEntry struct {
	Subject   string `json:"subject"`
	Principal string `json:"principal"`
	Access    Access `json:"access"`
}

// File is the JSON layout of a credential store.
type File struct {
	Authorizations []Authorization `json:"authorizations"`
	QueueACLs      []ACLEntry      `json:"queue-acls"`
	TopicACLs      []ACLEntry      `json:"topic-acls"`
}

// Load replaces all credentials and ACLs with the store read from r. The
// current store stays in place if r is invalid.
func (a *Authenticator) Load(r io.Reader) error {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("failed to decode credential store: %w", err)
	}

	st := newState()
	for _, auth := range f.Authorizations {
		if err := validatePrincipal(auth.Principal); err != nil {
			return err
		}
		if _, err := parseHash(auth.Password); err != nil {
			return fmt.Errorf("principal %q: %w", auth.Principal, err)
		}
		st.credentials.Store(auth.Principal, credential{hash: auth.Password, admin: auth.Admin})
	}
	for _, e := range f.QueueACLs {
		if err := setAccess(st.queueACLs, e.Subject, e.Principal, e.Access); err != nil {
			return fmt.Errorf("queue acl %q: %w", e.Subject, err)
		}
	}
	for _, e := range f.TopicACLs {
		if err := setAccess(st.topicACLs, e.Subject, e.Principal, e.Access); err != nil {
			return fmt.Errorf("topic acl %q: %w", e.Subject, err)
		}
	}

	a.st.Store(st)
	return nil
}

// Save writes the store as JSON to w. Only password hashes are written.
func (a *Authenticator) Save(w io.Writer) error {
	st := a.st.Load()
	f := File{
		Authorizations: []Authorization{},
		QueueACLs:      dumpACLs(st.queueACLs.Keys(), st.queueACLs.Get),
		TopicACLs:      dumpACLs(st.topicACLs.Keys(), st.topicACLs.Get),
	}
	st.credentials.Range(func(principal string, c credential) bool {
		f.Authorizations = append(f.Authorizations, Authorization{Principal: principal, Password: c.hash, Admin: c.admin})
		return true
	})
	sort.Slice(f.Authorizations, func(i, j int) bool {
		return f.Authorizations[i].Principal < f.Authorizations[j].Principal
	})

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}
	return nil
}

func dumpACLs(subjects []string, get func(string) (*acl, bool)) []ACLEntry {
	sort.Strings(subjects)
	out := []ACLEntry{}
	for _, subject := range subjects {
		list, ok := get(subject)
		if !ok {
			continue
		}
		list.mu.RLock()
		principals := make([]string, 0, len(list.entries))
		for p := range list.entries {
			principals = append(principals, p)
		}
		sort.Strings(principals)
		for _, p := range principals {
			out = append(out, ACLEntry{Subject: subject, Principal: p, Access: list.entries[p]})
		}
		list.mu.RUnlock()
	}
	return out
}

// LoadFile loads the store from path.
func (a *Authenticator) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer f.Close()
	return a.Load(f)
}

// SaveFile writes the store to path through a temporary file and a rename, so
// readers never observe a partial file.
func (a *Authenticator) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := a.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod credential store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}
