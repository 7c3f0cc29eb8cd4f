package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"piivault/internal/profile/models"
)

// Digester computes the keyed content digest stored beside each row. The
// canonical form is the JSON encoding of models.Data, whose field order is
// fixed by the struct.
type Digester struct {
	key []byte
}

func NewDigester(key []byte) *Digester {
	return &Digester{key: append([]byte(nil), key...)}
}

func (d *Digester) Sum(data *models.Data) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, d.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether digest matches data. An empty digest never matches.
func (d *Digester) Verify(data *models.Data, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil || len(want) == 0 {
		return false
	}
	got, err := d.Sum(data)
	if err != nil {
		return false
	}
	gotRaw, _ := hex.DecodeString(got)
	return hmac.Equal(gotRaw, want)
}
