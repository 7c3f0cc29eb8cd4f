// Package models defines PII profile records and the request and response
// shapes of the profile API.
package models

import (
	"time"

	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
)

// Sensitive field names. Each is sealed independently; the names double as
// JSON keys, column keys in Record.Sealed, and audit field names.
const (
	FieldGivenName    = "givenName"
	FieldFamilyName   = "familyName"
	FieldBirthDate    = "birthDate"
	FieldPhoneNumbers = "phoneNumbers"
	FieldEmails       = "emails"
	FieldAddresses    = "addresses"

	// FieldGender is stored in plaintext.
	FieldGender = "gender"
)

// SensitiveFields lists every encrypted field in canonical order.
var SensitiveFields = []string{
	FieldGivenName,
	FieldFamilyName,
	FieldBirthDate,
	FieldPhoneNumbers,
	FieldEmails,
	FieldAddresses,
}

// AllFields is SensitiveFields plus gender, in canonical order.
var AllFields = append(append([]string(nil), SensitiveFields...), FieldGender)

// IsSensitiveField reports whether name is an encrypted field.
func IsSensitiveField(name string) bool {
	for _, f := range SensitiveFields {
		if f == name {
			return true
		}
	}
	return false
}

type PhoneNumber struct {
	Type   string `json:"type,omitempty"`
	Number string `json:"number"`
}

type Email struct {
	Type    string `json:"type,omitempty"`
	Address string `json:"address"`
}

type Address struct {
	Type       string `json:"type,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Scope identifies the tenant and profile store every query is confined to.
type Scope struct {
	TenantID domain.TenantID
	StoreID  domain.ProfileStoreID
}

// Record is a stored profile row. Sealed maps sensitive field name to
// ciphertext; every ciphertext in a row is sealed under KeyVersion.
type Record struct {
	TenantID   domain.TenantID
	StoreID    domain.ProfileStoreID
	ProfileID  domain.ProfileID
	KeyVersion int
	Sealed     map[string][]byte
	Gender     *string
	DataHash   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Scope returns the row's tenant and store.
func (r *Record) Scope() Scope {
	return Scope{TenantID: r.TenantID, StoreID: r.StoreID}
}

// SealedRecord is the view key rotation re-encrypts.
func (r *Record) SealedRecord() dek.SealedRecord {
	fields := make(map[string][]byte, len(r.Sealed))
	for k, v := range r.Sealed {
		fields[k] = v
	}
	return dek.SealedRecord{
		StoreID:    r.StoreID,
		ProfileID:  r.ProfileID,
		KeyVersion: r.KeyVersion,
		Fields:     fields,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	out.Sealed = make(map[string][]byte, len(r.Sealed))
	for k, v := range r.Sealed {
		if v != nil {
			out.Sealed[k] = append([]byte(nil), v...)
		}
	}
	if r.Gender != nil {
		g := *r.Gender
		out.Gender = &g
	}
	return &out
}

// Data is the decrypted content of a profile. Nil fields are absent.
type Data struct {
	GivenName    *string       `json:"givenName,omitempty"`
	FamilyName   *string       `json:"familyName,omitempty"`
	BirthDate    *string       `json:"birthDate,omitempty"`
	PhoneNumbers []PhoneNumber `json:"phoneNumbers,omitempty"`
	Emails       []Email       `json:"emails,omitempty"`
	Addresses    []Address     `json:"addresses,omitempty"`
	Gender       *string       `json:"gender,omitempty"`
}

// Present lists the fields set in d, in canonical order.
func (d *Data) Present() []string {
	var out []string
	if d.GivenName != nil {
		out = append(out, FieldGivenName)
	}
	if d.FamilyName != nil {
		out = append(out, FieldFamilyName)
	}
	if d.BirthDate != nil {
		out = append(out, FieldBirthDate)
	}
	if d.PhoneNumbers != nil {
		out = append(out, FieldPhoneNumbers)
	}
	if d.Emails != nil {
		out = append(out, FieldEmails)
	}
	if d.Addresses != nil {
		out = append(out, FieldAddresses)
	}
	if d.Gender != nil {
		out = append(out, FieldGender)
	}
	return out
}

// Merge overlays the fields set in patch onto d.
func (d *Data) Merge(patch *Data) {
	if patch.GivenName != nil {
		d.GivenName = patch.GivenName
	}
	if patch.FamilyName != nil {
		d.FamilyName = patch.FamilyName
	}
	if patch.BirthDate != nil {
		d.BirthDate = patch.BirthDate
	}
	if patch.PhoneNumbers != nil {
		d.PhoneNumbers = patch.PhoneNumbers
	}
	if patch.Emails != nil {
		d.Emails = patch.Emails
	}
	if patch.Addresses != nil {
		d.Addresses = patch.Addresses
	}
	if patch.Gender != nil {
		d.Gender = patch.Gender
	}
}

// Profile is the decrypted view returned to callers.
type Profile struct {
	ID domain.ProfileID `json:"id"`
	Data
	UpdatedAt time.Time `json:"updatedAt"`
}
