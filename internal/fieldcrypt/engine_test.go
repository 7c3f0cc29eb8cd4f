package fieldcrypt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piivault/internal/crypto/envelope"
	"piivault/internal/fieldcrypt"
	"piivault/internal/keys/dek"
	"piivault/internal/keys/master"
	keystore "piivault/internal/keys/store"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
)

type staticKeys struct {
	active dek.Key
	byVer  map[int]dek.Key
	err    error
}

func (s *staticKeys) ActiveKey(context.Context, domain.TenantID) (dek.Key, error) {
	if s.err != nil {
		return dek.Key{}, s.err
	}
	return s.active, nil
}

func (s *staticKeys) KeyForVersion(_ context.Context, _ domain.TenantID, v int) (dek.Key, error) {
	if k, ok := s.byVer[v]; ok {
		return k, nil
	}
	return dek.Key{}, dErrors.New(dErrors.CodeIntegrity, "no key for stored key version")
}

func newStaticKeys(t *testing.T) *staticKeys {
	t.Helper()
	raw, err := envelope.NewKey()
	require.NoError(t, err)
	k := dek.Key{Version: 1, Raw: raw}
	return &staticKeys{active: k, byVer: map[int]dek.Key{1: k}}
}

func newManagerEngine(t *testing.T) *fieldcrypt.Engine {
	t.Helper()
	mk, err := master.Ephemeral()
	require.NoError(t, err)
	mgr := dek.New(mk, keystore.NewInMemoryKeyStore(), keystore.NewInMemoryRotationStore(), nopRecords{})
	return fieldcrypt.New(mgr)
}

type nopRecords struct{}

func (nopRecords) StaleRecords(context.Context, domain.TenantID, int, dek.Cursor, int) ([]dek.SealedRecord, error) {
	return nil, nil
}

func (nopRecords) SaveResealed(context.Context, domain.TenantID, dek.SealedRecord, int) error {
	return nil
}

func (nopRecords) CountStale(context.Context, domain.TenantID, int) (int, error) {
	return 0, nil
}

func TestStringRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := newManagerEngine(t)
	tenant := domain.TenantID("t1")

	for _, in := range []string{"", "Ken", "Ōtani Shōhei", "line\nbreak"} {
		ct, err := engine.EncryptString(ctx, tenant, &in)
		require.NoError(t, err)
		require.NotNil(t, ct)

		out, err := engine.DecryptString(ctx, tenant, ct)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in, *out)
	}
}

func TestNilInNilOut(t *testing.T) {
	ctx := context.Background()
	engine := newManagerEngine(t)
	tenant := domain.TenantID("t1")

	ct, err := engine.EncryptString(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Nil(t, ct)

	out, err := engine.DecryptString(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	var phones []string
	ct, err = engine.EncryptJSON(ctx, tenant, phones)
	require.NoError(t, err)
	assert.Nil(t, ct)

	ok, err := engine.DecryptJSON(ctx, tenant, nil, &phones)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := newManagerEngine(t)
	tenant := domain.TenantID("t1")

	type phone struct {
		Type   string `json:"type"`
		Number string `json:"number"`
	}
	in := []phone{{Type: "mobile", Number: "+81 90 1234 5678"}}
	ct, err := engine.EncryptJSON(ctx, tenant, in)
	require.NoError(t, err)

	var out []phone
	ok, err := engine.DecryptJSON(ctx, tenant, ct, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)
}

func TestTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	engine := newManagerEngine(t)
	secret := "Ken"

	ct, err := engine.EncryptString(ctx, "tenant-a", &secret)
	require.NoError(t, err)

	_, err = engine.DecryptString(ctx, "tenant-b", ct)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fieldcrypt.ErrIntegrity))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrity))
}

func TestBitFlipIsIntegrityFailure(t *testing.T) {
	keys := newStaticKeys(t)
	engine := fieldcrypt.New(keys)
	ctx := context.Background()
	v := "1990-04-01"

	ct, err := engine.EncryptString(ctx, "t1", &v)
	require.NoError(t, err)

	for i := range ct {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), ct...)
			flipped[i] ^= 1 << bit
			out, err := engine.DecryptString(ctx, "t1", flipped)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, fieldcrypt.ErrIntegrity)
		}
	}
}

func TestTruncatedCiphertextIsIntegrityFailure(t *testing.T) {
	engine := fieldcrypt.New(newStaticKeys(t))
	_, err := engine.DecryptString(context.Background(), "t1", []byte{1, 2, 3})
	require.ErrorIs(t, err, fieldcrypt.ErrIntegrity)
}

func TestSealerAndOpenerPinVersion(t *testing.T) {
	keys := newStaticKeys(t)
	raw2, err := envelope.NewKey()
	require.NoError(t, err)
	keys.byVer[2] = dek.Key{Version: 2, Raw: raw2}
	engine := fieldcrypt.New(keys)
	ctx := context.Background()

	sealer, err := engine.Sealer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, sealer.Version())
	name := "Ken"
	ct, err := sealer.SealString(&name)
	require.NoError(t, err)

	// A later key change does not affect rows sealed under version 1.
	keys.active = keys.byVer[2]

	opener, err := engine.Opener(ctx, "t1", 1)
	require.NoError(t, err)
	got, err := opener.OpenString(ct)
	require.NoError(t, err)
	assert.Equal(t, name, *got)

	wrong, err := engine.Opener(ctx, "t1", 2)
	require.NoError(t, err)
	_, err = wrong.OpenString(ct)
	assert.ErrorIs(t, err, fieldcrypt.ErrIntegrity)

	_, err = engine.Opener(ctx, "t1", 7)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrity))
}

func TestKeySourceErrorPropagates(t *testing.T) {
	keys := newStaticKeys(t)
	keys.err = dErrors.New(dErrors.CodeInternal, "key store unavailable")
	engine := fieldcrypt.New(keys)
	v := "x"
	_, err := engine.EncryptString(context.Background(), "t1", &v)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeInternal, dErrors.CodeOf(err))
}
