// Package store persists encrypted profile rows.
package store

import (
	"errors"
	"fmt"

	"piivault/pkg/platform/sentinel"
)

// ErrStaleKeyVersion is returned when a write carries ciphertext sealed under
// a key version the tenant has rotated past. Callers refresh their key and
// retry.
var ErrStaleKeyVersion = fmt.Errorf("row sealed under superseded key version: %w", sentinel.ErrInvalidState)

// IsStaleKeyVersion reports whether err is ErrStaleKeyVersion.
func IsStaleKeyVersion(err error) bool {
	return errors.Is(err, ErrStaleKeyVersion)
}
