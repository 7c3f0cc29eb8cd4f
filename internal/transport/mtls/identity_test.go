package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verifiedState(cn string) *tls.ConnectionState {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: cn}, SerialNumber: big.NewInt(42)}
	return &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		VerifiedChains:   [][]*x509.Certificate{{leaf}},
	}
}

func TestIdentityFromTLS(t *testing.T) {
	t.Run("verified certificate yields its common name", func(t *testing.T) {
		id, err := IdentityFromTLS(verifiedState("api-backend"))
		require.NoError(t, err)
		assert.Equal(t, "api-backend", id.CommonName)
		assert.Equal(t, "42", id.SerialNumber)
	})

	t.Run("plain connection", func(t *testing.T) {
		_, err := IdentityFromTLS(nil)
		assert.ErrorIs(t, err, ErrNoTLS)
	})

	t.Run("no certificate presented", func(t *testing.T) {
		_, err := IdentityFromTLS(&tls.ConnectionState{})
		assert.ErrorIs(t, err, ErrNoClientCert)
	})

	t.Run("presented but unverified certificate", func(t *testing.T) {
		state := verifiedState("api-backend")
		state.VerifiedChains = nil
		_, err := IdentityFromTLS(state)
		assert.ErrorIs(t, err, ErrNoClientCert)
	})

	t.Run("blank common name", func(t *testing.T) {
		_, err := IdentityFromTLS(verifiedState("  "))
		assert.ErrorIs(t, err, ErrEmptyCommonName)
	})
}

func TestAllowList(t *testing.T) {
	list := NewAllowList([]string{"api-backend", " report-worker ", ""})
	assert.True(t, list.Allows("api-backend"))
	assert.True(t, list.Allows("report-worker"))
	assert.False(t, list.Allows(""))
	assert.False(t, list.Allows("API-BACKEND"))
}
