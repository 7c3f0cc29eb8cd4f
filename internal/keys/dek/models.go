package dek

import (
	"time"

	"piivault/pkg/domain"
)

// AlgorithmAES256GCM is the only algorithm tenant keys are issued for.
const AlgorithmAES256GCM = "AES-256-GCM"

// TenantDataKey is the persisted, wrapped DEK for one tenant. Exactly one row
// exists per tenant; Version increases by one on every completed rotation.
type TenantDataKey struct {
	TenantID   domain.TenantID
	WrappedKey []byte
	Version    int
	Algorithm  string
	RotatedAt  *time.Time
	CreatedAt  time.Time
}

// RotationStatus tracks a KeyRotation checkpoint.
type RotationStatus string

const (
	RotationRunning   RotationStatus = "running"
	RotationCompleted RotationStatus = "completed"
)

// Cursor orders profile rows within a tenant. Rotation resumes strictly after
// the cursor it last persisted.
type Cursor struct {
	StoreID   domain.ProfileStoreID
	ProfileID domain.ProfileID
}

// IsZero reports whether the cursor points before the first row.
func (c Cursor) IsZero() bool {
	return c.StoreID == "" && c.ProfileID == ""
}

// KeyRotation is the checkpoint of one rotation. WrappedKey holds the pending
// DEK so an interrupted rotation resumes with the same key.
type KeyRotation struct {
	TenantID    domain.TenantID
	FromVersion int
	ToVersion   int
	WrappedKey  []byte
	Cursor      Cursor
	Processed   int
	Status      RotationStatus
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Key is an unwrapped DEK tagged with its version. Raw must never be logged
// or persisted.
type Key struct {
	Version int
	Raw     []byte
}

// SealedRecord is the encrypted view of one profile row that rotation
// re-encrypts. Fields maps column name to ciphertext; nil values are absent.
type SealedRecord struct {
	StoreID    domain.ProfileStoreID
	ProfileID  domain.ProfileID
	KeyVersion int
	Fields     map[string][]byte
}

// Cursor returns the row's position for checkpointing.
func (r SealedRecord) Cursor() Cursor {
	return Cursor{StoreID: r.StoreID, ProfileID: r.ProfileID}
}

// RotationResult summarizes a completed rotation.
type RotationResult struct {
	TenantID    domain.TenantID `json:"tenant_id"`
	FromVersion int             `json:"from_version"`
	ToVersion   int             `json:"to_version"`
	Reencrypted int             `json:"reencrypted"`
	Resumed     bool            `json:"resumed"`
	CompletedAt time.Time       `json:"completed_at"`
}
