package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "piivault/pkg/domain-errors"
)

// TestParseID_Invariants validates the parsing invariant: identifiers are
// non-empty, bounded, printable strings.
func TestParseID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseProfileID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects whitespace only", func(t *testing.T) {
		_, err := ParseTenantID("   ")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		id, err := ParseProfileID("  P1 ")
		require.NoError(t, err)
		assert.Equal(t, ProfileID("P1"), id)
	})

	t.Run("accepts opaque identifiers", func(t *testing.T) {
		id, err := ParseTenantID("T1")
		require.NoError(t, err)
		assert.Equal(t, TenantID("T1"), id)
		assert.False(t, id.IsNil())
	})
}

// TestParseID_SecurityInvariants validates rules applied at API entry points.
func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"null byte", "P1\x00suffix"},
		{"newline injection", "P1\nX-Injected: yes"},
		{"oversized", strings.Repeat("a", MaxIDLength+1)},
		{"invalid utf8", string([]byte{0xff, 0xfe})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfileID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}

	t.Run("accepts id at max length", func(t *testing.T) {
		_, err := ParseJobID(strings.Repeat("j", MaxIDLength))
		require.NoError(t, err)
	})
}
