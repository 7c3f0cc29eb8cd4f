// Package domain holds the typed identifiers shared across the vault.
//
// Identifiers arrive from the business backend as opaque strings. Each kind
// gets its own named type so a tenant id can never be passed where a profile
// id is expected.
package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	dErrors "piivault/pkg/domain-errors"
)

// MaxIDLength bounds every identifier accepted at a trust boundary.
const MaxIDLength = 128

type (
	TenantID       string
	ProfileID      string
	ProfileStoreID string
	UserID         string
	JobID          string
	ServiceName    string
)

func (id TenantID) String() string       { return string(id) }
func (id ProfileID) String() string      { return string(id) }
func (id ProfileStoreID) String() string { return string(id) }
func (id UserID) String() string         { return string(id) }
func (id JobID) String() string          { return string(id) }
func (id ServiceName) String() string    { return string(id) }

func (id TenantID) IsNil() bool       { return id == "" }
func (id ProfileID) IsNil() bool      { return id == "" }
func (id ProfileStoreID) IsNil() bool { return id == "" }
func (id UserID) IsNil() bool         { return id == "" }
func (id JobID) IsNil() bool          { return id == "" }
func (id ServiceName) IsNil() bool    { return id == "" }

func ParseTenantID(s string) (TenantID, error) {
	v, err := parseID("tenant ID", s)
	return TenantID(v), err
}

func ParseProfileID(s string) (ProfileID, error) {
	v, err := parseID("profile ID", s)
	return ProfileID(v), err
}

func ParseProfileStoreID(s string) (ProfileStoreID, error) {
	v, err := parseID("profile store ID", s)
	return ProfileStoreID(v), err
}

func ParseUserID(s string) (UserID, error) {
	v, err := parseID("user ID", s)
	return UserID(v), err
}

func ParseJobID(s string) (JobID, error) {
	v, err := parseID("job ID", s)
	return JobID(v), err
}

func ParseServiceName(s string) (ServiceName, error) {
	v, err := parseID("service name", s)
	return ServiceName(v), err
}

// parseID trims surrounding whitespace and rejects empty, oversized, invalid
// UTF-8 and control-character input.
func parseID(kind, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > MaxIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is not valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains control characters")
		}
	}
	return s, nil
}
