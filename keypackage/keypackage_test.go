package keypackage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
)

func testCredential(t *testing.T) mls.Credential {
	t.Helper()
	priv, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	return *mls.NewBasicCredential([]byte("alice"), mls.Ed25519, &priv)
}

func TestGenerateNPersistsAndCounts(t *testing.T) {
	store, err := keystore.Open("test.db", []byte("pw"))
	require.NoError(t, err)

	m := New(store)
	suite := mls.X25519_AES128GCM_SHA256_Ed25519
	cred := testCredential(t)

	ciks, err := m.GenerateN(suite, cred, 3)
	require.NoError(t, err)
	require.Len(t, ciks, 3)

	count, err := m.CountValid(suite, cred.Type())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestConsumeExcludesFromValidCount(t *testing.T) {
	store, err := keystore.Open("test.db", []byte("pw"))
	require.NoError(t, err)

	m := New(store)
	suite := mls.X25519_AES128GCM_SHA256_Ed25519
	cred := testCredential(t)

	ciks, err := m.GenerateN(suite, cred, 1)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ciks[0], suite))

	count, err := m.CountValid(suite, cred.Type())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestGenerateNRejectsNonPositiveCount(t *testing.T) {
	store, err := keystore.Open("test.db", []byte("pw"))
	require.NoError(t, err)

	m := New(store)
	_, err = m.GenerateN(mls.X25519_AES128GCM_SHA256_Ed25519, testCredential(t), 0)
	require.Error(t, err)
}
