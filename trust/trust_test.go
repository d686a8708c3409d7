package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeCA(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) ([]byte, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          []byte(cn),
	}

	signer := tmpl
	signerKey := key
	if parent != nil {
		signer = parent
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return der, cert, key
}

func makeLeaf(t *testing.T, cn string, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"wire.com"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &key.PublicKey, issuerKey)
	require.NoError(t, err)
	return der
}

func TestValidateChainSucceedsForWellFormedChain(t *testing.T) {
	anchorDER, anchor, anchorKey := makeCA(t, "root", nil, nil)
	leafDER := makeLeaf(t, "alice", anchor, anchorKey, time.Now().Add(time.Hour))

	r := New(nil)
	require.NoError(t, r.RegisterAnchor(anchorDER))

	dps, err := r.ValidateChain([][]byte{leafDER}, time.Now())
	require.NoError(t, err)
	require.Empty(t, dps)
}

func TestValidateChainFailsOnUnknownAnchor(t *testing.T) {
	_, anchor, anchorKey := makeCA(t, "root", nil, nil)
	leafDER := makeLeaf(t, "alice", anchor, anchorKey, time.Now().Add(time.Hour))

	r := New(nil)
	_, err := r.ValidateChain([][]byte{leafDER}, time.Now())
	require.Error(t, err)
}

func TestValidateChainFailsOnExpiredLeaf(t *testing.T) {
	anchorDER, anchor, anchorKey := makeCA(t, "root", nil, nil)
	leafDER := makeLeaf(t, "alice", anchor, anchorKey, time.Now().Add(-time.Minute))

	r := New(nil)
	require.NoError(t, r.RegisterAnchor(anchorDER))

	_, err := r.ValidateChain([][]byte{leafDER}, time.Now())
	require.Error(t, err)
}

func TestExtractIdentityReportsExpiredStatus(t *testing.T) {
	_, anchor, anchorKey := makeCA(t, "root", nil, nil)
	leafDER := makeLeaf(t, "alice", anchor, anchorKey, time.Now().Add(-time.Minute))

	r := New(nil)
	id, err := r.ExtractIdentity(leafDER, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusExpired, id.Status)
	require.Equal(t, "wire.com", id.Domain)
}

func TestRegisterCRLReportsDirtyOnChange(t *testing.T) {
	anchorDER, anchor, anchorKey := makeCA(t, "root", nil, nil)
	r := New(nil)
	require.NoError(t, r.RegisterAnchor(anchorDER))

	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, tmpl, anchor, anchorKey)
	require.NoError(t, err)

	dirty, _, err := r.RegisterCRL("http://example.com/crl", crlDER)
	require.NoError(t, err)
	require.True(t, dirty)

	dirty, _, err = r.RegisterCRL("http://example.com/crl", crlDER)
	require.NoError(t, err)
	require.False(t, dirty)
}
