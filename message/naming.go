// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "fmt"

// MaxNameLength bounds queue, topic and function names.
const MaxNameLength = 80

// ValidateName checks a queue, topic or function name against the naming
// convention: 1 to 80 characters from [A-Za-z0-9_-/].
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '/':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}
	return nil
}
