package models

import (
	"time"

	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
)

// MaxBatchSize caps how many ids one batch request may name.
const MaxBatchSize = 500

// CreateRequest creates a profile with the given id.
type CreateRequest struct {
	ID string `json:"id"`
	Data
}

// Validate parses the profile id.
func (r *CreateRequest) Validate() (domain.ProfileID, error) {
	return domain.ParseProfileID(r.ID)
}

// UpdateRequest overwrites the fields it sets.
type UpdateRequest struct {
	Data
}

// Validate rejects an update that sets no field.
func (r *UpdateRequest) Validate() error {
	if len(r.Present()) == 0 {
		return dErrors.New(dErrors.CodeValidation, "update must set at least one field")
	}
	return nil
}

// BatchRequest names the profiles to read and, optionally, the subset of
// fields to decrypt.
type BatchRequest struct {
	IDs    []string `json:"ids"`
	Fields []string `json:"fields,omitempty"`
}

// Validate parses ids and fields. An empty field list selects every field.
func (r *BatchRequest) Validate() ([]domain.ProfileID, []string, error) {
	if len(r.IDs) == 0 {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "ids must not be empty")
	}
	if len(r.IDs) > MaxBatchSize {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "too many ids in batch")
	}
	seen := make(map[domain.ProfileID]struct{}, len(r.IDs))
	ids := make([]domain.ProfileID, 0, len(r.IDs))
	for _, raw := range r.IDs {
		id, err := domain.ParseProfileID(raw)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(r.Fields) == 0 {
		return ids, AllFields, nil
	}
	requested := make(map[string]struct{}, len(r.Fields))
	for _, f := range r.Fields {
		if f != FieldGender && !IsSensitiveField(f) {
			return nil, nil, dErrors.New(dErrors.CodeValidation, "unknown field: "+f)
		}
		requested[f] = struct{}{}
	}
	fields := make([]string, 0, len(requested))
	for _, f := range AllFields {
		if _, ok := requested[f]; ok {
			fields = append(fields, f)
		}
	}
	return ids, fields, nil
}

// CreateResponse is returned by create.
type CreateResponse struct {
	ID        domain.ProfileID `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
}

// UpdateResponse is returned by update.
type UpdateResponse struct {
	ID        domain.ProfileID `json:"id"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// BatchError reports why one id of a batch produced no data.
type BatchError struct {
	Code string `json:"code"`
}

// BatchErrorNotFound is the code for ids with no matching profile.
const BatchErrorNotFound = "NOT_FOUND"

// BatchResponse carries found profiles and per-id errors.
type BatchResponse struct {
	Data   map[domain.ProfileID]*Profile   `json:"data"`
	Errors map[domain.ProfileID]BatchError `json:"errors"`
}
