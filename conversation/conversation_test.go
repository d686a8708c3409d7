package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/prng"
)

func testBasicCredential(t *testing.T, identity string) mls.Credential {
	t.Helper()
	priv, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	return *mls.NewBasicCredential([]byte(identity), mls.Ed25519, &priv)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rng, err := prng.New(nil)
	require.NoError(t, err)
	return New(nil, nil, nil, rng, nil)
}

func TestAddClientsThenCommitAcceptedSeatsBothMembers(t *testing.T) {
	e := testEngine(t)
	aliceCred := testBasicCredential(t, "alice")
	bobCred := testBasicCredential(t, "bob")

	alice, err := e.CreateConversation([]byte("group-1"), aliceCred, Config{})
	require.NoError(t, err)
	require.Equal(t, Active, alice.Kind())

	suite := ciphersuiteForScheme(bobCred)
	bobCIK, err := mls.NewClientInitKey(suite, bobCred)
	require.NoError(t, err)
	require.NoError(t, bobCIK.Sign())

	bundle, err := e.AddClients(alice.ID, []mls.ClientInitKey{*bobCIK})
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.NotNil(t, bundle.Welcome)
	require.Equal(t, PendingCommit, alice.Kind())

	drained, err := e.CommitAccepted(alice.ID)
	require.NoError(t, err)
	require.Empty(t, drained)
	require.Equal(t, Active, alice.Kind())
	require.Len(t, alice.Members, 2)
}

func TestCommitPendingProposalsReturnsNilWhenEmpty(t *testing.T) {
	e := testEngine(t)
	cred := testBasicCredential(t, "alice")
	c, err := e.CreateConversation([]byte("group-2"), cred, Config{})
	require.NoError(t, err)

	bundle, err := e.CommitPendingProposals(c.ID)
	require.NoError(t, err)
	require.Nil(t, bundle)
}

func TestAddClientsRejectsSecondCommitWhilePending(t *testing.T) {
	e := testEngine(t)
	aliceCred := testBasicCredential(t, "alice")
	bobCred := testBasicCredential(t, "bob")

	alice, err := e.CreateConversation([]byte("group-3"), aliceCred, Config{})
	require.NoError(t, err)

	suite := ciphersuiteForScheme(bobCred)
	bobCIK, err := mls.NewClientInitKey(suite, bobCred)
	require.NoError(t, err)
	require.NoError(t, bobCIK.Sign())

	_, err = e.AddClients(alice.ID, []mls.ClientInitKey{*bobCIK})
	require.NoError(t, err)

	_, err = e.AddClients(alice.ID, []mls.ClientInitKey{*bobCIK})
	require.Error(t, err)
}

func TestRemoveClientsNoopOnUnknownClient(t *testing.T) {
	e := testEngine(t)
	cred := testBasicCredential(t, "alice")
	c, err := e.CreateConversation([]byte("group-4"), cred, Config{})
	require.NoError(t, err)

	bundle, err := e.RemoveClients(c.ID, [][]byte{[]byte("ghost")})
	require.NoError(t, err)
	require.Nil(t, bundle)
	require.Equal(t, Active, c.Kind())
}

func TestEncryptDecryptRoundTripAfterAdd(t *testing.T) {
	e := testEngine(t)
	aliceCred := testBasicCredential(t, "alice")
	bobCred := testBasicCredential(t, "bob")

	alice, err := e.CreateConversation([]byte("group-5"), aliceCred, Config{})
	require.NoError(t, err)

	suite := ciphersuiteForScheme(bobCred)
	bobCIK, err := mls.NewClientInitKey(suite, bobCred)
	require.NoError(t, err)
	require.NoError(t, bobCIK.Sign())

	bundle, err := e.AddClients(alice.ID, []mls.ClientInitKey{*bobCIK})
	require.NoError(t, err)

	_, err = e.CommitAccepted(alice.ID)
	require.NoError(t, err)

	bob, err := e.JoinFromWelcome([]mls.ClientInitKey{*bobCIK}, *bundle.Welcome)
	require.NoError(t, err)
	require.Equal(t, alice.Epoch(), bob.Epoch())

	ct, err := e.Encrypt(alice.ID, []byte("hello bob"))
	require.NoError(t, err)

	pt, err := e.Decrypt(bob.ID, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), pt)
}

func TestNewProposalThenCommitPendingProposals(t *testing.T) {
	e := testEngine(t)
	aliceCred := testBasicCredential(t, "alice")
	bobCred := testBasicCredential(t, "bob")

	alice, err := e.CreateConversation([]byte("group-6"), aliceCred, Config{})
	require.NoError(t, err)

	suite := ciphersuiteForScheme(bobCred)
	bobCIK, err := mls.NewClientInitKey(suite, bobCred)
	require.NoError(t, err)
	require.NoError(t, bobCIK.Sign())

	ref, err := e.NewProposal(alice.ID, ProposalAdd, bobCIK, nil)
	require.NoError(t, err)
	require.Len(t, ref, 16)

	bundle, err := e.CommitPendingProposals(alice.ID)
	require.NoError(t, err)
	require.NotNil(t, bundle)
}

func TestGetUnknownConversationIsNotFound(t *testing.T) {
	e := testEngine(t)
	_, err := e.Get([]byte("nope"))
	require.Error(t, err)
}

func TestJoinByExternalCommitBlocksUntilMerged(t *testing.T) {
	e := testEngine(t)
	aliceCred := testBasicCredential(t, "alice")
	charlieCred := testBasicCredential(t, "charlie")

	alice, err := e.CreateConversation([]byte("group-7"), aliceCred, Config{})
	require.NoError(t, err)

	gi, err := e.GroupInfo(alice.ID)
	require.NoError(t, err)
	require.NotNil(t, gi.ExternalPub.Data)

	e2 := testEngine(t)
	charlie, bundle, err := e2.JoinByExternalCommit(gi, charlieCred, Config{})
	require.NoError(t, err)
	require.Equal(t, PendingExternalJoin, charlie.Kind())
	require.NotEmpty(t, bundle.Commit)
	require.NotNil(t, bundle.GroupInfo)

	_, err = e2.Encrypt(charlie.ID, []byte("too early"))
	require.Error(t, err)
	_, err = e2.Decrypt(charlie.ID, []byte("too early"))
	require.Error(t, err)

	drained, err := e2.MergePendingGroupFromExternalCommit(charlie.ID)
	require.NoError(t, err)
	require.Empty(t, drained)
	require.Equal(t, Active, charlie.Kind())

	ct, err := e2.Encrypt(charlie.ID, []byte("hello from charlie"))
	require.NoError(t, err)
	require.NotEmpty(t, ct)
}

func TestMergePendingGroupFromExternalCommitRejectsWrongKind(t *testing.T) {
	e := testEngine(t)
	cred := testBasicCredential(t, "alice")
	c, err := e.CreateConversation([]byte("group-8"), cred, Config{})
	require.NoError(t, err)

	_, err = e.MergePendingGroupFromExternalCommit(c.ID)
	require.Error(t, err)
}
