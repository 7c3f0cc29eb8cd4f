package admin

import (
	"time"

	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
)

// KeyResponse describes a tenant key without exposing key material.
type KeyResponse struct {
	TenantID  domain.TenantID `json:"tenantId"`
	Version   int             `json:"version"`
	Algorithm string          `json:"algorithm"`
	RotatedAt *time.Time      `json:"rotatedAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toKeyResponse(k *dek.TenantDataKey) *KeyResponse {
	return &KeyResponse{
		TenantID:  k.TenantID,
		Version:   k.Version,
		Algorithm: k.Algorithm,
		RotatedAt: k.RotatedAt,
		CreatedAt: k.CreatedAt,
	}
}
