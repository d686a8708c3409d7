package commands

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/wireapp/core-crypto-go/e2ei"
)

// fakeACME is the in-process stand-in for an ACME server the e2ei-demo
// subcommand drives an Enrollment against -- spec.md's e2ei component
// specifies only the client-side state machine, and this CLI fakes a
// directory instead of dialing a real one. It issues real certificates
// (signed by a throwaway in-memory CA), it just never puts anything on
// the wire.
type fakeACME struct {
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey

	nonceCounter   int
	accountCounter int
	orderCounter   int
	authzCounter   int

	authorizations map[string]*fakeAuthorization
	orders         map[string]*fakeOrder
	certs          map[string][]byte
}

type fakeAuthorization struct {
	identifier   e2ei.Identifier
	challengeURL string
	valid        bool
}

type fakeOrder struct {
	identifiers []e2ei.Identifier
	authzURLs   []string
	finalizeURL string
	certURL     string
	issued      bool
}

func newFakeACME() (*fakeACME, error) {
	caPub, caKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "cc-demo ACME root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, caPub, caKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &fakeACME{
		caCert:         cert,
		caKey:          caKey,
		authorizations: map[string]*fakeAuthorization{},
		orders:         map[string]*fakeOrder{},
		certs:          map[string][]byte{},
	}, nil
}

func (f *fakeACME) nonce() string {
	f.nonceCounter++
	return fmt.Sprintf("nonce-%d", f.nonceCounter)
}

func (f *fakeACME) directory() []byte {
	dir := e2ei.Directory{
		NewNonce:   "acme://new-nonce",
		NewAccount: "acme://new-account",
		NewOrder:   "acme://new-order",
	}
	b, _ := json.Marshal(dir)
	return b
}

func (f *fakeACME) newAccount() (string, []byte) {
	f.accountCounter++
	url := fmt.Sprintf("acme://account/%d", f.accountCounter)
	acct := e2ei.Account{Status: "valid", Orders: url + "/orders"}
	b, _ := json.Marshal(acct)
	return url, b
}

func (f *fakeACME) newOrder(identifierValue string) (string, []byte) {
	f.orderCounter++
	orderURL := fmt.Sprintf("acme://order/%d", f.orderCounter)
	f.authzCounter++
	authzURL := fmt.Sprintf("acme://authz/%d", f.authzCounter)

	f.authorizations[authzURL] = &fakeAuthorization{
		identifier:   e2ei.Identifier{Type: "wireapp-id", Value: identifierValue},
		challengeURL: authzURL + "/challenge",
	}
	f.orders[orderURL] = &fakeOrder{
		identifiers: []e2ei.Identifier{{Type: "wireapp-id", Value: identifierValue}},
		authzURLs:   []string{authzURL},
		finalizeURL: orderURL + "/finalize",
	}

	b, _ := json.Marshal(e2ei.Order{
		Status:         "pending",
		Identifiers:    f.orders[orderURL].identifiers,
		Authorizations: []string{authzURL},
		Finalize:       f.orders[orderURL].finalizeURL,
	})
	return orderURL, b
}

func (f *fakeACME) authorization(authzURL string) ([]byte, error) {
	a, ok := f.authorizations[authzURL]
	if !ok {
		return nil, fmt.Errorf("fakeacme: no such authorization %s", authzURL)
	}
	status := "pending"
	if a.valid {
		status = "valid"
	}
	b, _ := json.Marshal(e2ei.Authorization{
		URL:        authzURL,
		Identifier: a.identifier,
		Status:     status,
		Challenges: []e2ei.Challenge{{
			Type:   "wire-oidc-01",
			URL:    a.challengeURL,
			Status: status,
			Token:  "token-" + authzURL,
		}},
	})
	return b, nil
}

// postChallenge marks authzURL's challenge (and the authorization itself)
// valid. The demo never inspects the id_token the client posted -- a real
// CA would hand it to an OIDC provider, which is exactly the part spec.md
// scopes out of this engine.
func (f *fakeACME) postChallenge(authzURL string) error {
	a, ok := f.authorizations[authzURL]
	if !ok {
		return fmt.Errorf("fakeacme: no such authorization %s", authzURL)
	}
	a.valid = true
	return nil
}

func (f *fakeACME) orderStatus(orderURL string) ([]byte, error) {
	ord, ok := f.orders[orderURL]
	if !ok {
		return nil, fmt.Errorf("fakeacme: no such order %s", orderURL)
	}
	status := "pending"
	allValid := true
	for _, authzURL := range ord.authzURLs {
		if !f.authorizations[authzURL].valid {
			allValid = false
		}
	}
	if allValid {
		status = "ready"
	}
	if ord.issued {
		status = "valid"
	}
	b, _ := json.Marshal(e2ei.Order{
		Status:         status,
		Identifiers:    ord.identifiers,
		Authorizations: ord.authzURLs,
		Finalize:       ord.finalizeURL,
		Certificate:    ord.certURL,
	})
	return b, nil
}

// finalize signs csrDER with the fake CA and returns the resulting order,
// now valid and carrying a certificate URL.
func (f *fakeACME) finalize(orderURL string, csrDER []byte) ([]byte, error) {
	ord, ok := f.orders[orderURL]
	if !ok {
		return nil, fmt.Errorf("fakeacme: no such order %s", orderURL)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	leaf := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, leaf, f.caCert, csr.PublicKey, f.caKey)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, err
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: f.caCert.Raw}); err != nil {
		return nil, err
	}

	ord.certURL = orderURL + "/certificate"
	ord.issued = true
	f.certs[ord.certURL] = buf.Bytes()

	b, _ := json.Marshal(e2ei.Order{
		Status:         "valid",
		Identifiers:    ord.identifiers,
		Authorizations: ord.authzURLs,
		Finalize:       ord.finalizeURL,
		Certificate:    ord.certURL,
	})
	return b, nil
}

func (f *fakeACME) certificate(certURL string) ([]byte, error) {
	pemChain, ok := f.certs[certURL]
	if !ok {
		return nil, fmt.Errorf("fakeacme: no such certificate %s", certURL)
	}
	return pemChain, nil
}
