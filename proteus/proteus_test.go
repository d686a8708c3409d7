package proteus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/prng"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := keystore.Open(t.TempDir()+"/store.db", []byte("passphrase"))
	require.NoError(t, err)
	rng, err := prng.New(nil)
	require.NoError(t, err)
	engine, err := New(store, rng)
	require.NoError(t, err)
	return engine
}

func TestSessionFromPreKeyThenFromMessageAgreeOnRootKey(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)

	bobKeys, err := bob.GeneratePreKeys(1, 1)
	require.NoError(t, err)
	bundle, err := bob.BundleFor(bobKeys[0].ID)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPreKey("bob", bundle))

	env, err := alice.Encrypt("bob", []byte("hello bob"))
	require.NoError(t, err)
	require.NotNil(t, env.Handshake)

	plaintext, err := bob.SessionFromMessage("alice", env)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)

	env2, err := alice.Encrypt("bob", []byte("second message"))
	require.NoError(t, err)
	require.Nil(t, env2.Handshake)

	plaintext2, err := bob.Decrypt("alice", env2)
	require.NoError(t, err)
	require.Equal(t, []byte("second message"), plaintext2)
}

func TestDecryptTransparentlyEstablishesSessionFromHandshakeMessage(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)

	bobKeys, err := bob.GeneratePreKeys(5, 1)
	require.NoError(t, err)
	bundle, err := bob.BundleFor(bobKeys[0].ID)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPreKey("bob", bundle))
	env, err := alice.Encrypt("bob", []byte("first contact"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt("alice", env)
	require.NoError(t, err)
	require.Equal(t, []byte("first contact"), plaintext)
}

func TestOneTimePreKeyIsConsumedButLastResortIsNot(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)

	bobKeys, err := bob.GeneratePreKeys(1, 2)
	require.NoError(t, err)
	lastResort, err := bob.EnsureLastResort()
	require.NoError(t, err)
	require.Equal(t, LastResortID, lastResort.ID)

	bundle, err := bob.BundleFor(bobKeys[0].ID)
	require.NoError(t, err)
	bundle.OneTimeID = bobKeys[1].ID
	bundle.OneTimePublic = bobKeys[1].KeyPair.Public[:]

	require.NoError(t, alice.SessionFromPreKey("bob", bundle))
	env, err := alice.Encrypt("bob", []byte("hi"))
	require.NoError(t, err)

	_, err = bob.SessionFromMessage("alice", env)
	require.NoError(t, err)

	_, err = bob.store.Get(keystore.TypeProteusPrekey, prekeyRecordID(bobKeys[1].ID))
	require.Error(t, err)
	_, err = bob.store.Get(keystore.TypeProteusPrekey, prekeyRecordID(LastResortID))
	require.NoError(t, err)
}

func TestBatchEncryptProducesOneEnvelopePerSession(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)
	carol := newTestEngine(t)

	for _, peer := range []struct {
		id     string
		engine *Engine
	}{{"bob", bob}, {"carol", carol}} {
		keys, err := peer.engine.GeneratePreKeys(1, 1)
		require.NoError(t, err)
		bundle, err := peer.engine.BundleFor(keys[0].ID)
		require.NoError(t, err)
		require.NoError(t, alice.SessionFromPreKey(peer.id, bundle))
	}

	out, err := alice.BatchEncrypt([]string{"bob", "carol"}, []byte("group update"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, "bob")
	require.Contains(t, out, "carol")
}

func TestSaveDeleteExistsRoundTrip(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)

	bobKeys, err := bob.GeneratePreKeys(1, 1)
	require.NoError(t, err)
	bundle, err := bob.BundleFor(bobKeys[0].ID)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPreKey("bob", bundle))

	require.True(t, alice.Exists("bob"))
	require.NoError(t, alice.Save("bob"))

	delete(alice.sessions, "bob")
	require.True(t, alice.Exists("bob"))

	require.NoError(t, alice.Load("bob"))
	_, err = alice.Encrypt("bob", []byte("resumed"))
	require.NoError(t, err)

	require.NoError(t, alice.Delete("bob"))
	require.False(t, alice.Exists("bob"))
}

func TestLastErrorCodeIsZeroAfterUnknownSessionEncrypt(t *testing.T) {
	alice := newTestEngine(t)

	_, err := alice.Encrypt("nobody", []byte("x"))
	require.Error(t, err)

	require.Equal(t, 0, alice.LastErrorCode("nobody"))
}

func TestDecryptRejectsReplayedCounter(t *testing.T) {
	alice := newTestEngine(t)
	bob := newTestEngine(t)

	bobKeys, err := bob.GeneratePreKeys(1, 1)
	require.NoError(t, err)
	bundle, err := bob.BundleFor(bobKeys[0].ID)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPreKey("bob", bundle))

	env, err := alice.Encrypt("bob", []byte("one"))
	require.NoError(t, err)
	_, err = bob.SessionFromMessage("alice", env)
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", env)
	require.Error(t, err)
}
