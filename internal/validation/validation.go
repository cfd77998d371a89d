// Package validation provides validation functions for group names, storage
// keys and other user-supplied identifiers.
package validation

import (
	"fmt"
	"strings"

	"github.com/aining777/grouped-history/internal/domain"
)

// ValidateGroupName checks that a group name is usable as a store key.
// Names are case-sensitive and kept as given; only blank names are rejected.
func ValidateGroupName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{
			Field:   "name",
			Value:   name,
			Message: "group name must not be blank",
			Err:     domain.ErrEmptyName,
		}
	}
	return nil
}

// ValidateStorageKey checks that a persistence key is safe for use as a
// filename and as a database key.
func ValidateStorageKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain %q", "..")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key must not contain path separators")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("key must not contain null bytes")
	}
	return nil
}
