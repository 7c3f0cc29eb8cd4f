package dek

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"piivault/internal/crypto/envelope"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/requestcontext"
)

// maxCommitAttempts bounds how often rotation sweeps for rows written under
// the old key by instances whose cache had not yet seen the rotation.
const maxCommitAttempts = 5

var errStaleRowsRemain = errors.New("rows sealed under an old key remain")

// Rotate replaces the tenant's DEK and re-encrypts every profile row under the
// new key. Rotations are serialized per tenant; a rotation interrupted by a
// crash resumes from its last checkpoint on the next call.
func (m *Manager) Rotate(ctx context.Context, tenantID domain.TenantID) (*RotationResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "dek.rotate")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", string(tenantID)))

	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant ID required")
	}

	release, err := m.locker.Acquire(ctx, "dek-rotation:"+string(tenantID), m.lockTTL)
	if err != nil {
		m.metrics.ObserveRotation("conflict", start)
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "key rotation already in progress for tenant")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire rotation lock")
	}
	defer release()

	result, err := m.rotate(ctx, tenantID)
	if err != nil {
		m.metrics.ObserveRotation("failed", start)
		m.logger.ErrorContext(ctx, "tenant key rotation failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	m.metrics.ObserveRotation("completed", start)
	span.SetAttributes(
		attribute.Int("from_version", result.FromVersion),
		attribute.Int("to_version", result.ToVersion),
		attribute.Int("reencrypted", result.Reencrypted),
	)
	m.logger.InfoContext(ctx, "tenant key rotated",
		"tenant_id", tenantID,
		"from_version", result.FromVersion,
		"to_version", result.ToVersion,
		"reencrypted", result.Reencrypted,
		"resumed", result.Resumed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (m *Manager) rotate(ctx context.Context, tenantID domain.TenantID) (*RotationResult, error) {
	row, err := m.keys.Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "tenant key not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant key")
	}

	oldRaw, err := m.wrapper.Unwrap(row.WrappedKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "failed to unwrap tenant key")
	}
	defer envelope.Zero(oldRaw)

	rotation, resumed, err := m.startOrResume(ctx, row)
	if err != nil {
		return nil, err
	}
	newRaw, err := m.wrapper.Unwrap(rotation.WrappedKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "failed to unwrap pending tenant key")
	}
	defer envelope.Zero(newRaw)

	// From here on new writes must land under the pending key.
	m.cache.Delete(tenantID)

	oldKey := Key{Version: row.Version, Raw: oldRaw}
	newKey := Key{Version: rotation.ToVersion, Raw: newRaw}

	committed := false
	for attempt := 0; attempt < maxCommitAttempts && !committed; attempt++ {
		if attempt > 0 {
			rotation.Cursor = Cursor{}
		}
		if err := m.migrate(ctx, rotation, oldKey, newKey); err != nil {
			return nil, err
		}
		err := m.commit(ctx, rotation)
		switch {
		case err == nil:
			committed = true
		case errors.Is(err, errStaleRowsRemain):
			m.logger.WarnContext(ctx, "rows written under old tenant key during rotation, sweeping again",
				"tenant_id", tenantID,
				"attempt", attempt+1,
			)
		default:
			return nil, err
		}
	}
	if !committed {
		return nil, dErrors.New(dErrors.CodeConflict, "rotation could not settle; retry to resume")
	}

	m.cache.Delete(tenantID)
	return &RotationResult{
		TenantID:    tenantID,
		FromVersion: rotation.FromVersion,
		ToVersion:   rotation.ToVersion,
		Reencrypted: rotation.Processed,
		Resumed:     resumed,
		CompletedAt: requestcontext.Now(ctx),
	}, nil
}

// startOrResume returns the tenant's running rotation checkpoint, creating
// one with a fresh pending key when none exists.
func (m *Manager) startOrResume(ctx context.Context, row *TenantDataKey) (*KeyRotation, bool, error) {
	existing, err := m.rotations.FindRunning(ctx, row.TenantID)
	switch {
	case err == nil:
		if existing.FromVersion != row.Version {
			return nil, false, dErrors.New(dErrors.CodeIntegrity, "running rotation does not match active key version")
		}
		m.logger.InfoContext(ctx, "resuming tenant key rotation",
			"tenant_id", row.TenantID,
			"to_version", existing.ToVersion,
			"processed", existing.Processed,
		)
		return existing, true, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load key rotation")
	}

	raw, err := envelope.NewKey()
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate tenant key")
	}
	defer envelope.Zero(raw)
	wrapped, err := m.wrapper.Wrap(raw)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to wrap tenant key")
	}

	rotation := &KeyRotation{
		TenantID:    row.TenantID,
		FromVersion: row.Version,
		ToVersion:   row.Version + 1,
		WrappedKey:  wrapped,
		Status:      RotationRunning,
		StartedAt:   requestcontext.Now(ctx),
	}
	if err := m.rotations.Create(ctx, rotation); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, false, dErrors.New(dErrors.CodeConflict, "key rotation already in progress for tenant")
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record key rotation")
	}
	return rotation, false, nil
}

// migrate re-encrypts stale rows in batches from the rotation cursor,
// checkpointing after every batch.
func (m *Manager) migrate(ctx context.Context, rotation *KeyRotation, oldKey, newKey Key) error {
	for {
		batch, err := m.records.StaleRecords(ctx, rotation.TenantID, rotation.ToVersion, rotation.Cursor, m.batchSize)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load profiles for rotation")
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			if rec.KeyVersion != oldKey.Version {
				m.logger.ErrorContext(ctx, "profile sealed under unknown key version",
					"tenant_id", rotation.TenantID,
					"profile_id", rec.ProfileID,
					"key_version", rec.KeyVersion,
				)
				return dErrors.New(dErrors.CodeIntegrity, "profile sealed under unknown key version")
			}
			resealed, err := reseal(rec, oldKey, newKey)
			if err != nil {
				m.logger.ErrorContext(ctx, "profile failed to decrypt during rotation",
					"tenant_id", rotation.TenantID,
					"profile_id", rec.ProfileID,
					"error", err,
				)
				return dErrors.Wrap(err, dErrors.CodeIntegrity, "profile failed to decrypt during rotation")
			}
			if err := m.records.SaveResealed(ctx, rotation.TenantID, resealed, oldKey.Version); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save re-encrypted profile")
			}
		}

		rotation.Cursor = batch[len(batch)-1].Cursor()
		rotation.Processed += len(batch)
		m.metrics.AddReencrypted(len(batch))
		if err := m.rotations.SaveProgress(ctx, rotation.TenantID, rotation.ToVersion, rotation.Cursor, rotation.Processed); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to checkpoint key rotation")
		}
		if len(batch) < m.batchSize {
			return nil
		}
	}
}

// commit advances the tenant key and closes the checkpoint in one
// transaction. The key row is locked first so guarded profile writes cannot
// slip an old-version row in between the stale count and the advance.
func (m *Manager) commit(ctx context.Context, rotation *KeyRotation) error {
	return m.tx.RunInTx(ctx, func(ctx context.Context) error {
		row, err := m.keys.LockForUpdate(ctx, rotation.TenantID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock tenant key")
		}
		if row.Version != rotation.FromVersion {
			return dErrors.New(dErrors.CodeConflict, "tenant key changed during rotation")
		}

		stale, err := m.records.CountStale(ctx, rotation.TenantID, rotation.ToVersion)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to count stale profiles")
		}
		if stale > 0 {
			return errStaleRowsRemain
		}

		now := requestcontext.Now(ctx)
		if err := m.keys.Advance(ctx, rotation.TenantID, rotation.FromVersion, rotation.WrappedKey, rotation.ToVersion, now); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "tenant key changed during rotation")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store rotated tenant key")
		}
		if err := m.rotations.Complete(ctx, rotation.TenantID, rotation.ToVersion, now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete key rotation")
		}
		return nil
	})
}

func reseal(rec SealedRecord, oldKey, newKey Key) (SealedRecord, error) {
	out := SealedRecord{
		StoreID:    rec.StoreID,
		ProfileID:  rec.ProfileID,
		KeyVersion: newKey.Version,
		Fields:     make(map[string][]byte, len(rec.Fields)),
	}
	for name, ct := range rec.Fields {
		if ct == nil {
			out.Fields[name] = nil
			continue
		}
		plaintext, err := envelope.Open(oldKey.Raw, ct)
		if err != nil {
			return SealedRecord{}, fmt.Errorf("field %s: %w", name, err)
		}
		sealed, err := envelope.Seal(newKey.Raw, plaintext)
		envelope.Zero(plaintext)
		if err != nil {
			return SealedRecord{}, fmt.Errorf("field %s: %w", name, err)
		}
		out.Fields[name] = sealed
	}
	return out, nil
}
