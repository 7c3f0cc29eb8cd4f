package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"piivault/pkg/domain"
)

// Action names what was done to a profile.
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionBatchRead   Action = "batch_read"
	ActionTokenIssued Action = "token_issued"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionBatchRead, ActionTokenIssued:
		return true
	}
	return false
}

// ProfileBatch is the ProfileID recorded for batch reads, which span
// several profiles.
const ProfileBatch = "batch"

// Outcome values recorded in Metadata["outcome"] for rejected accesses.
const (
	MetadataOutcome        = "outcome"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeForbidden       = "forbidden"
)

// EventCategory classifies entries for routing on the audit stream.
type EventCategory string

const (
	// CategoryCompliance covers PII access with regulatory significance.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers rejected access attempts.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity such as token issuance.
	CategoryOperations EventCategory = "operations"
)

// Entry is one append-only audit record.
type Entry struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       domain.TenantID `json:"tenantId"`
	ProfileID      string          `json:"profileId"`
	OperatorID     string          `json:"operatorId"`
	Action         Action          `json:"action"`
	FieldsAccessed []string        `json:"fieldsAccessed"`
	IPAddress      string          `json:"ipAddress,omitempty"`
	UserAgent      string          `json:"userAgent,omitempty"`
	JWTJTI         string          `json:"jwtJti,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// Category derives the entry's stream category.
func (e *Entry) Category() EventCategory {
	if _, rejected := e.Metadata[MetadataOutcome]; rejected {
		return CategorySecurity
	}
	if e.Action == ActionTokenIssued {
		return CategoryOperations
	}
	return CategoryCompliance
}

// Filter selects entries for the operator query surface. Zero values leave a
// dimension unfiltered.
type Filter struct {
	TenantID  domain.TenantID
	ProfileID string
	Action    Action
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Page is one page of entries, newest first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Store persists audit entries. Entries are never updated or deleted.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) (*Page, error)
}

// Publisher forwards appended entries to an external sink.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
}
