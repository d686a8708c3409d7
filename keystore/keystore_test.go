package keystore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open("test.db", []byte("passphrase"))
	require.NoError(t, err)

	err = s.Transact(func(tx *Tx) error {
		return tx.Put(TypeCredential, "cred-1", []byte("secret bytes"))
	})
	require.NoError(t, err)

	got, err := s.Get(TypeCredential, "cred-1")
	require.NoError(t, err)
	require.Equal(t, []byte("secret bytes"), got)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s, err := Open("test.db", []byte("passphrase"))
	require.NoError(t, err)

	err = s.Transact(func(tx *Tx) error {
		require.NoError(t, tx.Put(TypeKeyPackage, "kp-1", []byte("data")))
		return errors.New("forced rollback")
	})
	require.Error(t, err)

	_, err = s.Get(TypeKeyPackage, "kp-1")
	require.Error(t, err)
}

func TestListReturnsIdsOfType(t *testing.T) {
	s, err := Open("test.db", []byte("passphrase"))
	require.NoError(t, err)

	err = s.Transact(func(tx *Tx) error {
		require.NoError(t, tx.Put(TypeGroup, "g1", []byte("a")))
		require.NoError(t, tx.Put(TypeGroup, "g2", []byte("b")))
		require.NoError(t, tx.Put(TypeCredential, "c1", []byte("c")))
		return nil
	})
	require.NoError(t, err)

	ids := s.List(TypeGroup)
	require.ElementsMatch(t, []string{"g1", "g2"}, ids)
}

func TestCloseFailsWithOutstandingRef(t *testing.T) {
	s, err := Open("test.db", []byte("passphrase"))
	require.NoError(t, err)

	s.AddRef()
	require.Error(t, s.Close())

	s.Release()
	require.NoError(t, s.Close())
}

func TestWipeDestroysAllRecords(t *testing.T) {
	s, err := Open("test.db", []byte("passphrase"))
	require.NoError(t, err)

	require.NoError(t, s.Transact(func(tx *Tx) error {
		return tx.Put(TypeCredential, "cred-1", []byte("secret"))
	}))

	s.Wipe()
	_, err = s.Get(TypeCredential, "cred-1")
	require.Error(t, err)
}
