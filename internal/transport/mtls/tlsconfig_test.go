package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "piivault-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key, pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

// issue returns PEM cert and key for a leaf signed by the CA.
func (ca *testCA) issue(t *testing.T, cn string, usage x509.ExtKeyUsage, dnsNames ...string) ([]byte, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestServerTLSConfig_RejectsEmptyCAFile(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)
	certPEM, keyPEM := ca.issue(t, "localhost", x509.ExtKeyUsageServerAuth, "localhost")

	_, err := ServerTLSConfig(
		writeFile(t, dir, "server.crt", certPEM),
		writeFile(t, dir, "server.key", keyPEM),
		writeFile(t, dir, "ca.crt", []byte("not a certificate")),
	)
	assert.ErrorIs(t, err, ErrNoCACertificates)
}

func TestGateOverRealTLS(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)
	serverCert, serverKey := ca.issue(t, "localhost", x509.ExtKeyUsageServerAuth, "localhost", "127.0.0.1")

	cfg, err := ServerTLSConfig(
		writeFile(t, dir, "server.crt", serverCert),
		writeFile(t, dir, "server.key", serverKey),
		writeFile(t, dir, "ca.crt", ca.pem),
	)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := NewGate([]string{"api-backend"}, WithLogger(logger))
	srv := httptest.NewUnstartedServer(gate.Middleware(echoCaller()))
	srv.TLS = cfg
	srv.StartTLS()
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	client := func(certs ...tls.Certificate) *http.Client {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
			RootCAs:      roots,
			Certificates: certs,
			ServerName:   "localhost",
		}}}
	}
	get := func(c *http.Client, path string) (int, string) {
		resp, err := c.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	allowedCert, allowedKey := ca.issue(t, "api-backend", x509.ExtKeyUsageClientAuth)
	allowed, err := tls.X509KeyPair(allowedCert, allowedKey)
	require.NoError(t, err)
	strangerCert, strangerKey := ca.issue(t, "stranger", x509.ExtKeyUsageClientAuth)
	stranger, err := tls.X509KeyPair(strangerCert, strangerKey)
	require.NoError(t, err)

	status, body := get(client(allowed), "/profiles/P1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "api-backend", body)

	status, _ = get(client(stranger), "/profiles/P1")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = get(client(), "/profiles/P1")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = get(client(), "/health/live")
	assert.Equal(t, http.StatusOK, status)
}
