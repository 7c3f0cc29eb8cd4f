package service

import (
	"context"
	"errors"

	"piivault/internal/fieldcrypt"
	"piivault/internal/profile/models"
	"piivault/pkg/requestcontext"
)

// sealFields seals the named sensitive fields of data. Absent fields map to
// nil; non-sensitive names are skipped.
func sealFields(sealer *fieldcrypt.Sealer, data *models.Data, fields []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(fields))
	for _, name := range fields {
		var (
			ct  []byte
			err error
		)
		switch name {
		case models.FieldGivenName:
			ct, err = sealer.SealString(data.GivenName)
		case models.FieldFamilyName:
			ct, err = sealer.SealString(data.FamilyName)
		case models.FieldBirthDate:
			ct, err = sealer.SealString(data.BirthDate)
		case models.FieldPhoneNumbers:
			ct, err = sealer.SealJSON(data.PhoneNumbers)
		case models.FieldEmails:
			ct, err = sealer.SealJSON(data.Emails)
		case models.FieldAddresses:
			ct, err = sealer.SealJSON(data.Addresses)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = ct
	}
	return out, nil
}

// openRecord decrypts the named fields of rec under the row's key version.
// Gender is plaintext and copied when requested.
func (s *Service) openRecord(ctx context.Context, rec *models.Record, fields []string) (*models.Data, error) {
	opener, err := s.crypto.Opener(ctx, rec.TenantID, rec.KeyVersion)
	if err != nil {
		return nil, s.integrityFailure(ctx, rec, err)
	}

	data := &models.Data{}
	for _, name := range fields {
		sealed := rec.Sealed[name]
		switch name {
		case models.FieldGivenName:
			data.GivenName, err = opener.OpenString(sealed)
		case models.FieldFamilyName:
			data.FamilyName, err = opener.OpenString(sealed)
		case models.FieldBirthDate:
			data.BirthDate, err = opener.OpenString(sealed)
		case models.FieldPhoneNumbers:
			_, err = opener.OpenJSON(sealed, &data.PhoneNumbers)
		case models.FieldEmails:
			_, err = opener.OpenJSON(sealed, &data.Emails)
		case models.FieldAddresses:
			_, err = opener.OpenJSON(sealed, &data.Addresses)
		case models.FieldGender:
			if rec.Gender != nil {
				g := *rec.Gender
				data.Gender = &g
			}
		}
		if err != nil {
			return nil, s.integrityFailure(ctx, rec, err)
		}
	}
	return data, nil
}

func (s *Service) integrityFailure(ctx context.Context, rec *models.Record, err error) error {
	if errors.Is(err, fieldcrypt.ErrIntegrity) {
		s.metrics.IncIntegrityFailure()
		s.logger.ErrorContext(ctx, "profile field failed integrity check",
			"tenant_id", rec.TenantID,
			"profile_store_id", rec.StoreID,
			"profile_id", rec.ProfileID,
			"key_version", rec.KeyVersion,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return err
}

// verifyDigest spot-checks the decrypted content against the stored digest.
// A mismatch is reported but does not fail the read.
func (s *Service) verifyDigest(ctx context.Context, rec *models.Record, data *models.Data) {
	if s.digester.Verify(data, rec.DataHash) {
		return
	}
	s.metrics.IncDigestMismatch()
	s.logger.ErrorContext(ctx, "profile digest mismatch",
		"tenant_id", rec.TenantID,
		"profile_store_id", rec.StoreID,
		"profile_id", rec.ProfileID,
		"key_version", rec.KeyVersion,
		"request_id", requestcontext.RequestID(ctx),
	)
}
