package corecrypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/e2ei"
	"github.com/wireapp/core-crypto-go/mls"
)

func TestOpenRequiresClientID(t *testing.T) {
	_, err := Open(Config{Name: "alice.db", Passphrase: []byte("pw")})
	require.Error(t, err)
}

func TestOpenDeferredThenInitWithClientID(t *testing.T) {
	inst, err := OpenDeferred(Config{Name: "alice.db", Passphrase: []byte("pw")})
	require.NoError(t, err)

	_, err = inst.Conversations()
	require.Error(t, err)

	require.NoError(t, inst.InitWithClientID([]byte("alice")))
	require.Equal(t, []byte("alice"), inst.ClientID())

	err = inst.InitWithClientID([]byte("alice-again"))
	require.Error(t, err)

	convs, err := inst.Conversations()
	require.NoError(t, err)
	require.NotNil(t, convs)
}

func TestProteusAvailableBeforeClientID(t *testing.T) {
	inst, err := OpenDeferred(Config{Name: "bob.db", Passphrase: []byte("pw")})
	require.NoError(t, err)

	pe, err := inst.Proteus()
	require.NoError(t, err)
	require.NotNil(t, pe)
}

func TestCloseFailsWithOutstandingEnrollment(t *testing.T) {
	inst, err := Open(Config{Name: "carol.db", Passphrase: []byte("pw"), ClientID: []byte("carol")})
	require.NoError(t, err)

	handle, err := inst.NewEnrollment(e2ei.PurposeNew, e2ei.Config{ClientID: "carol"})
	require.NoError(t, err)

	require.Error(t, inst.Close())

	require.NoError(t, inst.DiscardEnrollment(handle))
	require.NoError(t, inst.Close())
}

func TestStashReleasesOutstandingReferenceForClose(t *testing.T) {
	inst, err := Open(Config{Name: "dave.db", Passphrase: []byte("pw"), ClientID: []byte("dave")})
	require.NoError(t, err)

	handle, err := inst.NewEnrollment(e2ei.PurposeNew, e2ei.Config{ClientID: "dave"})
	require.NoError(t, err)

	_, err = inst.StashEnrollment(handle)
	require.NoError(t, err)

	_, err = inst.Enrollment(handle)
	require.Error(t, err)

	require.NoError(t, inst.Close()) // nothing outstanding once stashed
}

func TestStashPopRestoresEnrollmentIntoArena(t *testing.T) {
	inst, err := Open(Config{Name: "eve.db", Passphrase: []byte("pw"), ClientID: []byte("eve")})
	require.NoError(t, err)

	handle, err := inst.NewEnrollment(e2ei.PurposeNew, e2ei.Config{ClientID: "eve"})
	require.NoError(t, err)
	stashHandle, err := inst.StashEnrollment(handle)
	require.NoError(t, err)

	newHandle, err := inst.StashPopEnrollment(stashHandle)
	require.NoError(t, err)
	require.NotEqual(t, handle, newHandle)

	enr, err := inst.Enrollment(newHandle)
	require.NoError(t, err)
	require.Equal(t, "eve", enr.Config.ClientID)

	require.Error(t, inst.Close()) // the popped enrollment is outstanding again
	require.NoError(t, inst.DiscardEnrollment(newHandle))
	require.NoError(t, inst.Close())
}

func TestEndToEndCreateConversationAddClientEncryptDecrypt(t *testing.T) {
	alice, err := Open(Config{Name: "e2e-alice.db", Passphrase: []byte("pw"), ClientID: []byte("alice")})
	require.NoError(t, err)
	bob, err := Open(Config{Name: "e2e-bob.db", Passphrase: []byte("pw"), ClientID: []byte("bob")})
	require.NoError(t, err)

	suite := mls.X25519_AES128GCM_SHA256_Ed25519

	aliceKey, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	aliceCred := mls.NewBasicCredential([]byte("alice"), mls.Ed25519, &aliceKey)

	bobKPs, err := bob.KeyPackages()
	require.NoError(t, err)
	bobKey, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	bobCred := mls.NewBasicCredential([]byte("bob"), mls.Ed25519, &bobKey)
	ciks, err := bobKPs.GenerateN(suite, *bobCred, 1)
	require.NoError(t, err)

	aliceConvs, err := alice.Conversations()
	require.NoError(t, err)
	_, err = aliceConvs.CreateConversation([]byte("conv-1"), *aliceCred, conversation.Config{})
	require.NoError(t, err)

	bundle, err := aliceConvs.AddClients([]byte("conv-1"), ciks)
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)

	bobConvs, err := bob.Conversations()
	require.NoError(t, err)
	_, err = bobConvs.JoinFromWelcome(ciks, *bundle.Welcome)
	require.NoError(t, err)

	_, err = aliceConvs.CommitAccepted([]byte("conv-1"))
	require.NoError(t, err)

	ct, err := aliceConvs.Encrypt([]byte("conv-1"), []byte("hello bob"))
	require.NoError(t, err)

	bobDecrypt, err := bob.Decryptor()
	require.NoError(t, err)
	msg, err := bobDecrypt.Decrypt([]byte("conv-1"), ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), msg.Plaintext)
}
