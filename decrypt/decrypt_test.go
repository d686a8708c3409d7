package decrypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	syntax "github.com/cisco/go-tls-syntax"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/prng"
)

func testEngine(t *testing.T) *conversation.Engine {
	t.Helper()
	rng, err := prng.New(nil)
	require.NoError(t, err)
	return conversation.New(nil, nil, nil, rng, nil)
}

func testCredential(t *testing.T, identity string) mls.Credential {
	t.Helper()
	priv, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	return *mls.NewBasicCredential([]byte(identity), mls.Ed25519, &priv)
}

func testClientInitKey(t *testing.T, cred mls.Credential) mls.ClientInitKey {
	t.Helper()
	cik, err := mls.NewClientInitKey(mls.X25519_AES128GCM_SHA256_Ed25519, cred)
	require.NoError(t, err)
	require.NoError(t, cik.Sign())
	return *cik
}

// twoPartyGroup builds a two-member group across two independent Engines,
// the way two real clients would each hold their own state, so decrypt
// tests can exercise a genuine cross-party encrypt/decrypt round trip.
func twoPartyGroup(t *testing.T) (*conversation.Engine, *conversation.Conversation, *conversation.Engine, *conversation.Conversation) {
	t.Helper()
	e1 := testEngine(t)
	e2 := testEngine(t)

	alice, err := e1.CreateConversation([]byte("decrypt-group"), testCredential(t, "alice"), conversation.Config{})
	require.NoError(t, err)

	bobCIK := testClientInitKey(t, testCredential(t, "bob"))

	bundle, err := e1.AddClients(alice.ID, []mls.ClientInitKey{bobCIK})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)

	bob, err := e2.JoinFromWelcome([]mls.ClientInitKey{bobCIK}, *bundle.Welcome)
	require.NoError(t, err)

	_, err = e1.CommitAccepted(alice.ID)
	require.NoError(t, err)

	return e1, alice, e2, bob
}

func TestDecryptClassifiesApplicationMessage(t *testing.T) {
	e1, alice, e2, bob := twoPartyGroup(t)

	ct, err := e1.Encrypt(alice.ID, []byte("hello bob"))
	require.NoError(t, err)

	p := New(e2, nil)
	msg, err := p.Decrypt(bob.ID, ct)
	require.NoError(t, err)
	require.Equal(t, KindApplication, msg.Kind)
	require.Equal(t, []byte("hello bob"), msg.Plaintext)
	require.False(t, msg.Duplicate)
}

func TestDecryptRejectsMalformedPayload(t *testing.T) {
	e := testEngine(t)
	c, err := e.CreateConversation([]byte("bad-group"), testCredential(t, "alice"), conversation.Config{})
	require.NoError(t, err)

	p := New(e, nil)
	_, err = p.Decrypt(c.ID, []byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}

func TestDecryptClassifiesCommitAndReportsIsActive(t *testing.T) {
	e1, alice, e2, bob := twoPartyGroup(t)

	charlieCIK := testClientInitKey(t, testCredential(t, "charlie"))
	bundle, err := e1.AddClients(alice.ID, []mls.ClientInitKey{charlieCIK})
	require.NoError(t, err)

	p := New(e2, nil)
	msg, err := p.Decrypt(bob.ID, bundle.Commit)
	require.NoError(t, err)
	require.Equal(t, KindCommit, msg.Kind)
	require.True(t, msg.IsActive)
	require.Equal(t, conversation.Active, bob.Kind())

	_, err = e1.CommitAccepted(alice.ID)
	require.NoError(t, err)
}

func TestDecryptClassifiesCommitRemovingSelfAsInactive(t *testing.T) {
	e1, alice, e2, bob := twoPartyGroup(t)

	bundle, err := e1.RemoveClients(alice.ID, [][]byte{[]byte("bob")})
	require.NoError(t, err)
	require.NotNil(t, bundle)

	p := New(e2, nil)
	msg, err := p.Decrypt(bob.ID, bundle.Commit)
	require.NoError(t, err)
	require.Equal(t, KindCommit, msg.Kind)
	require.False(t, msg.IsActive)
	require.Equal(t, conversation.Removed, bob.Kind())
}

func TestDecryptTreatsWelcomeAsEcho(t *testing.T) {
	e1, alice, _, _ := twoPartyGroup(t)

	daveCIK := testClientInitKey(t, testCredential(t, "dave"))
	bundle, err := e1.AddClients(alice.ID, []mls.ClientInitKey{daveCIK})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)

	data, err := syntax.Marshal(mls.WireMessage{Welcome: bundle.Welcome})
	require.NoError(t, err)

	p := New(e1, nil)
	msg, err := p.Decrypt(alice.ID, data)
	require.NoError(t, err)
	require.Equal(t, KindWelcomeEcho, msg.Kind)
}

func TestDecryptBuffersMessageFromNextEpochAndDrainsOnCommit(t *testing.T) {
	e1, alice, e2, bob := twoPartyGroup(t)

	charlieCIK := testClientInitKey(t, testCredential(t, "charlie"))
	bundle, err := e1.AddClients(alice.ID, []mls.ClientInitKey{charlieCIK})
	require.NoError(t, err)
	_, err = e1.CommitAccepted(alice.ID)
	require.NoError(t, err)

	// Alice is now at the next epoch; Bob hasn't processed the commit
	// that would take him there yet, so this message arrives ahead of
	// where Bob's conversation currently is.
	ahead, err := e1.Encrypt(alice.ID, []byte("epoch n+1 message"))
	require.NoError(t, err)

	p := New(e2, nil)
	_, err = p.Decrypt(bob.ID, ahead)
	require.Error(t, err)
	require.Equal(t, conversation.Active, bob.Kind())

	commitMsg, err := p.Decrypt(bob.ID, bundle.Commit)
	require.NoError(t, err)
	require.Equal(t, KindCommit, commitMsg.Kind)
	require.Contains(t, commitMsg.Buffered, []byte("epoch n+1 message"))
}
