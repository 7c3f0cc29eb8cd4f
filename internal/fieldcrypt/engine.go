// Package fieldcrypt seals individual PII field values under the owning
// tenant's data encryption key.
package fieldcrypt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"piivault/internal/crypto/envelope"
	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
)

// ErrIntegrity marks a ciphertext that failed authentication or was
// malformed. It is never downgraded to an absent value.
var ErrIntegrity = errors.New("field integrity check failed")

// KeySource resolves tenant DEKs. *dek.Manager satisfies it.
type KeySource interface {
	ActiveKey(ctx context.Context, tenantID domain.TenantID) (dek.Key, error)
	KeyForVersion(ctx context.Context, tenantID domain.TenantID, version int) (dek.Key, error)
}

// Engine encrypts and decrypts field values. It holds no keys itself; every
// call resolves the tenant's key through the KeySource.
type Engine struct {
	keys KeySource
}

// New constructs an Engine.
func New(keys KeySource) *Engine {
	return &Engine{keys: keys}
}

// Sealer returns a sealer bound to the tenant's current write key. Use one
// sealer per row so every column lands under the same key version.
func (e *Engine) Sealer(ctx context.Context, tenantID domain.TenantID) (*Sealer, error) {
	key, err := e.keys.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Opener returns an opener for ciphertexts sealed under version.
func (e *Engine) Opener(ctx context.Context, tenantID domain.TenantID, version int) (*Opener, error) {
	key, err := e.keys.KeyForVersion(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	return &Opener{key: key}, nil
}

// EncryptString seals s under the tenant's current key. Nil in, nil out.
func (e *Engine) EncryptString(ctx context.Context, tenantID domain.TenantID, s *string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	sealer, err := e.Sealer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return sealer.SealString(s)
}

// DecryptString opens a ciphertext sealed under the tenant's current key.
// Nil in, nil out.
func (e *Engine) DecryptString(ctx context.Context, tenantID domain.TenantID, ciphertext []byte) (*string, error) {
	if ciphertext == nil {
		return nil, nil
	}
	opener, err := e.currentOpener(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return opener.OpenString(ciphertext)
}

// EncryptJSON marshals v and seals the result. A nil v yields nil.
func (e *Engine) EncryptJSON(ctx context.Context, tenantID domain.TenantID, v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	sealer, err := e.Sealer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return sealer.SealJSON(v)
}

// DecryptJSON opens ciphertext and unmarshals it into dst. It reports false
// when ciphertext is nil and dst was left untouched.
func (e *Engine) DecryptJSON(ctx context.Context, tenantID domain.TenantID, ciphertext []byte, dst any) (bool, error) {
	if ciphertext == nil {
		return false, nil
	}
	opener, err := e.currentOpener(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return opener.OpenJSON(ciphertext, dst)
}

func (e *Engine) currentOpener(ctx context.Context, tenantID domain.TenantID) (*Opener, error) {
	key, err := e.keys.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Opener{key: key}, nil
}

// Sealer encrypts values under one fixed key version.
type Sealer struct {
	key dek.Key
}

// Version is the key version every value from this sealer is sealed under.
func (s *Sealer) Version() int {
	return s.key.Version
}

// Seal encrypts raw bytes. Nil in, nil out.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	ct, err := envelope.Seal(s.key.Raw, plaintext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "field encryption failed")
	}
	return ct, nil
}

// SealString encrypts a UTF-8 string. Nil in, nil out.
func (s *Sealer) SealString(v *string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return s.Seal([]byte(*v))
}

// SealJSON marshals v and encrypts the result. A nil v yields nil.
func (s *Sealer) SealJSON(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "field is not serializable")
	}
	defer envelope.Zero(raw)
	return s.Seal(raw)
}

// Opener decrypts values sealed under one key version.
type Opener struct {
	key dek.Key
}

// Open decrypts ciphertext. Nil in, nil out. Any failure is ErrIntegrity.
func (o *Opener) Open(ciphertext []byte) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}
	pt, err := envelope.Open(o.key.Raw, ciphertext)
	if err != nil {
		return nil, dErrors.Wrap(fmt.Errorf("%w: %w", ErrIntegrity, err), dErrors.CodeIntegrity, "field decryption failed")
	}
	return pt, nil
}

// OpenString decrypts a string field. Nil in, nil out.
func (o *Opener) OpenString(ciphertext []byte) (*string, error) {
	pt, err := o.Open(ciphertext)
	if err != nil || pt == nil {
		return nil, err
	}
	s := string(pt)
	envelope.Zero(pt)
	return &s, nil
}

// OpenJSON decrypts ciphertext and unmarshals it into dst. It reports false
// when ciphertext is nil.
func (o *Opener) OpenJSON(ciphertext []byte, dst any) (bool, error) {
	pt, err := o.Open(ciphertext)
	if err != nil || pt == nil {
		return false, err
	}
	defer envelope.Zero(pt)
	if err := json.Unmarshal(pt, dst); err != nil {
		return false, dErrors.Wrap(fmt.Errorf("%w: %w", ErrIntegrity, err), dErrors.CodeIntegrity, "field decryption failed")
	}
	return true, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
