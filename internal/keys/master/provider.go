// Package master holds the process-wide key encryption key (KEK).
//
// The KEK only wraps and unwraps tenant data keys; it never touches PII.
// It is loaded once at startup and is immutable for the process lifetime.
// Rotating it is an infrastructure operation outside this service.
package master

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"

	"piivault/internal/crypto/envelope"
)

const digestKeyInfo = "pii-data-hash"

var (
	// ErrNoKeyMaterial is returned when no key is configured and ephemeral
	// keys are not allowed.
	ErrNoKeyMaterial = errors.New("master key: no key material configured")
	// ErrInvalidKeyMaterial is returned when the configured value does not
	// decode to exactly 32 bytes.
	ErrInvalidKeyMaterial = errors.New("master key: key material must decode to 32 bytes")
	// ErrUnwrap is returned when a wrapped key fails authentication.
	ErrUnwrap = errors.New("master key: unwrap failed")
)

// Provider wraps tenant DEKs under the master key.
type Provider struct {
	key       []byte
	digestKey []byte
	ephemeral bool
}

// Config selects where key material comes from.
type Config struct {
	// KeyMaterial is the base64 (std or raw URL) or hex encoding of 32 bytes.
	KeyMaterial string
	// AllowEphemeral permits generating a throwaway key when KeyMaterial is
	// empty. Only non-production environments set this.
	AllowEphemeral bool
}

// Load builds a Provider from configuration.
func Load(cfg Config, logger *slog.Logger) (*Provider, error) {
	material := strings.TrimSpace(cfg.KeyMaterial)
	if material == "" {
		if !cfg.AllowEphemeral {
			return nil, ErrNoKeyMaterial
		}
		p, err := Ephemeral()
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Error("EPHEMERAL MASTER KEY IN USE: data encrypted by this process is unrecoverable after restart; set PII_MASTER_KEY")
		}
		return p, nil
	}

	key, err := decodeKeyMaterial(material)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// New builds a Provider around a 32-byte key. The slice is copied.
func New(key []byte) (*Provider, error) {
	if len(key) != envelope.KeySize {
		return nil, ErrInvalidKeyMaterial
	}
	p := &Provider{key: append([]byte(nil), key...)}

	digestKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, p.key, nil, []byte(digestKeyInfo)), digestKey); err != nil {
		return nil, fmt.Errorf("master key: derive digest key: %w", err)
	}
	p.digestKey = digestKey
	return p, nil
}

// Ephemeral builds a Provider around a freshly generated key.
func Ephemeral() (*Provider, error) {
	key, err := envelope.NewKey()
	if err != nil {
		return nil, err
	}
	p, err := New(key)
	if err != nil {
		return nil, err
	}
	p.ephemeral = true
	return p, nil
}

// IsEphemeral reports whether the key was generated at startup.
func (p *Provider) IsEphemeral() bool {
	return p.ephemeral
}

// MasterKey returns a copy of the 32-byte KEK.
func (p *Provider) MasterKey() []byte {
	return append([]byte(nil), p.key...)
}

// DigestKey returns the HKDF subkey used to key profile integrity digests.
func (p *Provider) DigestKey() []byte {
	return append([]byte(nil), p.digestKey...)
}

// Wrap seals a 256-bit data key under the master key.
func (p *Provider) Wrap(dek []byte) ([]byte, error) {
	if len(dek) != envelope.KeySize {
		return nil, envelope.ErrInvalidKey
	}
	return envelope.Seal(p.key, dek)
}

// Unwrap opens a wrapped data key.
func (p *Provider) Unwrap(wrapped []byte) ([]byte, error) {
	dek, err := envelope.Open(p.key, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	if len(dek) != envelope.KeySize {
		envelope.Zero(dek)
		return nil, fmt.Errorf("%w: unexpected key length", ErrUnwrap)
	}
	return dek, nil
}

func decodeKeyMaterial(s string) ([]byte, error) {
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		if b, err := decode(s); err == nil && len(b) == envelope.KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKeyMaterial
}
