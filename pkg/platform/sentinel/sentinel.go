package sentinel

import "errors"

// Sentinel errors for storage and infrastructure facts. Stores return these
// (optionally wrapped) and services translate them into domain errors:
//   - ErrNotFound: row does not exist in the store
//   - ErrAlreadyUsed: a unique key (tenant key row, profile id) is taken
//   - ErrConflict: another writer holds the resource (rotation lock)
//   - ErrInvalidState: entity in the wrong state for the requested operation
//   - ErrUnavailable: backing service unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
