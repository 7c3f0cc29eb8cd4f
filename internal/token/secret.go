package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
)

var ErrWeakSecret = errors.New("token signing secret missing or shorter than 32 bytes")

// ResolveSecret returns the signing secret. Production requires a configured
// secret of at least MinSecretLength bytes. Elsewhere an unset secret is
// replaced by a random per-process one, which invalidates tokens on restart.
func ResolveSecret(configured string, production bool, logger *slog.Logger) ([]byte, error) {
	if len(configured) >= MinSecretLength {
		return []byte(configured), nil
	}
	if production {
		return nil, ErrWeakSecret
	}
	if configured != "" {
		logger.Warn("token signing secret shorter than 32 bytes; acceptable outside production only")
		return []byte(configured), nil
	}
	secret := make([]byte, MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	logger.Warn("TOKEN_SIGNING_SECRET not set; using a random per-process secret. Issued tokens will not survive a restart.")
	return secret, nil
}
