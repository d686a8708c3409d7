package rotation

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/e2ei"
	"github.com/wireapp/core-crypto-go/keypackage"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/prng"
	"github.com/wireapp/core-crypto-go/trust"
)

func makeCA(t *testing.T) ([]byte, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return der, cert, key
}

func makeLeaf(t *testing.T, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, pub ed25519.PublicKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "alice", Organization: []string{"wire"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, pub, issuerKey)
	require.NoError(t, err)
	return der
}

func testKeystore(t *testing.T) *keystore.Store {
	t.Helper()
	store, err := keystore.Open(t.TempDir()+"/store.db", []byte("passphrase"))
	require.NoError(t, err)
	return store
}

func TestRotateAllInstallsCredentialAcrossConversations(t *testing.T) {
	rng, err := prng.New(nil)
	require.NoError(t, err)
	trustReg := trust.New(nil)
	store := testKeystore(t)

	convEngine := conversation.New(store, trustReg, nil, rng, nil)

	basicPriv, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	basicCred := *mls.NewBasicCredential([]byte("alice"), mls.Ed25519, &basicPriv)

	convA, err := convEngine.CreateConversation([]byte("group-a"), basicCred, conversation.Config{})
	require.NoError(t, err)
	convB, err := convEngine.CreateConversation([]byte("group-b"), basicCred, conversation.Config{})
	require.NoError(t, err)

	enr, err := e2ei.NewEnrollment(e2ei.Config{
		ClientID: "alice-client",
		Handle:   "alice_wire",
	})
	require.NoError(t, err)

	pub := ed25519.PublicKey(enr.PrivateKey.PublicKey.Data)
	caDER, caCert, caKey := makeCA(t)
	require.NoError(t, trustReg.RegisterAnchor(caDER))
	leafDER := makeLeaf(t, caCert, caKey, pub)

	enr.CertificateChain = [][]byte{leafDER}
	enr.State = e2ei.StateCertificateIssued

	kpManager := keypackage.New(store)
	coord := New(convEngine, kpManager, trustReg)

	bundle, err := coord.RotateAll(enr, 2)
	require.NoError(t, err)
	require.Len(t, bundle.Commits, 2)
	require.Contains(t, bundle.Commits, string(convA.ID))
	require.Contains(t, bundle.Commits, string(convB.ID))
	require.Len(t, bundle.NewKeyPackages, 2)
	require.Empty(t, bundle.UnregisteredCRLDPs)

	require.Equal(t, conversation.PendingCommit, convA.Kind())
	require.Equal(t, conversation.PendingCommit, convB.Kind())
}

func TestRotateAllRejectsEnrollmentBeforeCertificateIssued(t *testing.T) {
	rng, err := prng.New(nil)
	require.NoError(t, err)
	trustReg := trust.New(nil)
	store := testKeystore(t)

	convEngine := conversation.New(store, trustReg, nil, rng, nil)
	kpManager := keypackage.New(store)
	coord := New(convEngine, kpManager, trustReg)

	enr, err := e2ei.NewEnrollment(e2ei.Config{ClientID: "alice-client"})
	require.NoError(t, err)

	_, err = coord.RotateAll(enr, 1)
	require.Error(t, err)
}
