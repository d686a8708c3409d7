package e2ei

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// Directory mirrors RFC 8555 §7.1.1, trimmed to the URLs an Enrollment
// actually dereferences.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert,omitempty"`
}

// Account mirrors RFC 8555 §7.1.2.
type Account struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders,omitempty"`
}

// Order mirrors RFC 8555 §7.1.3.
type Order struct {
	Status         string       `json:"status"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
}

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Authorization mirrors RFC 8555 §7.1.4, plus the two wire-specific
// challenge types the E2EI profile adds to the usual http-01/dns-01 set.
type Authorization struct {
	URL        string      `json:"url"`
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Challenges []Challenge `json:"challenges"`
}

// Challenge mirrors RFC 8555 §8, specialized to wire-dpop-01 and
// wire-oidc-01.
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Token  string `json:"token"`

	// Target and BackendNonce are dpop-01-specific fields the challenge
	// object echoes back per the E2EI profile.
	Target       string `json:"target,omitempty"`
	BackendNonce string `json:"backendNonce,omitempty"`
}

// FinalizeRequest is the CSR submitted to an order's finalize URL.
type FinalizeRequest struct {
	CSR string `json:"csr"` // base64url, no padding, DER-encoded
}

// jwsSigner builds the ACME-flavored JWS envelope (RFC 8555 §6.2): a
// protected header carrying either a jwk (pre-account) or a kid (every
// request after account creation), plus the replay-nonce and request url,
// wrapping payload. Grounded on go-jose's own canonical flattened-JWS
// usage -- the pack carries no ACME client to imitate, so this follows
// the library's documented API directly rather than an in-pack example.
func (e *Enrollment) signJWS(url, nonce string, payload []byte) ([]byte, error) {
	var opts *jose.SignerOptions
	if e.AccountURL == "" {
		opts = (&jose.SignerOptions{EmbedJWK: true}).WithHeader("nonce", nonce).WithHeader("url", url)
	} else {
		opts = (&jose.SignerOptions{}).WithHeader("nonce", nonce).WithHeader("url", url).WithHeader("kid", e.AccountURL)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.EdDSA,
		Key:       e.signingKey(),
	}, opts)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: jws signer setup failed", err)
	}

	obj, err := signer.Sign(payload)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "e2ei: jws signing failed", err)
	}

	return []byte(obj.FullSerialize()), nil
}

// IngestDirectory advances Created -> DirectoryKnown by parsing the ACME
// server's directory document.
func (e *Enrollment) IngestDirectory(body []byte) error {
	if e.State != StateCreated {
		return ccerr.New(ccerr.InvalidArgument, "e2ei: directory already known")
	}
	var dir Directory
	if err := json.Unmarshal(body, &dir); err != nil {
		return ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed directory", err)
	}
	e.Directory = &dir
	e.State = StateDirectoryKnown
	return nil
}

// BuildNewAccountRequest advances DirectoryKnown -> (pending AccountCreated)
// by signing an RFC 8555 §7.3 newAccount request.
func (e *Enrollment) BuildNewAccountRequest(nonce string) ([]byte, error) {
	if e.State != StateDirectoryKnown {
		return nil, ccerr.New(ccerr.InvalidArgument, "e2ei: directory not yet known")
	}
	payload, err := json.Marshal(map[string]any{
		"termsOfServiceAgreed": true,
	})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: account payload marshal failed", err)
	}
	return e.signJWS(e.Directory.NewAccount, nonce, payload)
}

// IngestAccountResponse completes account creation given the Location
// header the ACME server returned alongside the Account body.
func (e *Enrollment) IngestAccountResponse(accountURL string, body []byte) error {
	var acct Account
	if err := json.Unmarshal(body, &acct); err != nil {
		return ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed account", err)
	}
	e.AccountURL = accountURL
	e.State = StateAccountCreated
	return nil
}

// BuildNewOrderRequest advances AccountCreated -> (pending OrderCreated).
func (e *Enrollment) BuildNewOrderRequest(nonce string) ([]byte, error) {
	if e.State != StateAccountCreated {
		return nil, ccerr.New(ccerr.InvalidArgument, "e2ei: account not yet created")
	}
	payload, err := json.Marshal(map[string]any{
		"identifiers": []Identifier{
			{Type: "wireapp-id", Value: e.Config.ClientID},
		},
	})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: order payload marshal failed", err)
	}
	return e.signJWS(e.Directory.NewOrder, nonce, payload)
}

// IngestOrderResponse completes OrderCreated given the order's Location
// header and body.
func (e *Enrollment) IngestOrderResponse(orderURL string, body []byte) error {
	var ord Order
	if err := json.Unmarshal(body, &ord); err != nil {
		return ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed order", err)
	}
	e.OrderURL = orderURL
	e.FinalizeURL = ord.Finalize
	e.CertURL = ord.Certificate
	e.Authorizations = make([]Authorization, len(ord.Authorizations))
	for i, url := range ord.Authorizations {
		e.Authorizations[i] = Authorization{URL: url}
	}
	e.State = StateOrderCreated
	return nil
}

// BuildAuthzRequest fetches authorization idx.
func (e *Enrollment) BuildAuthzRequest(idx int, nonce string) ([]byte, error) {
	if idx < 0 || idx >= len(e.Authorizations) {
		return nil, ccerr.New(ccerr.InvalidArgument, "e2ei: authorization index out of range")
	}
	return e.signJWS(e.Authorizations[idx].URL, nonce, []byte(""))
}

// IngestAuthzResponse records authorization idx's challenge set. Once every
// authorization has been fetched the Enrollment advances to AuthzFetched.
func (e *Enrollment) IngestAuthzResponse(idx int, body []byte) error {
	if idx < 0 || idx >= len(e.Authorizations) {
		return ccerr.New(ccerr.InvalidArgument, "e2ei: authorization index out of range")
	}
	var authz Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed authorization", err)
	}
	authz.URL = e.Authorizations[idx].URL
	e.Authorizations[idx] = authz

	for _, a := range e.Authorizations {
		if a.Status == "" {
			return nil
		}
	}
	e.State = StateAuthzFetched
	return nil
}

func (e *Enrollment) findChallenge(idx int, challengeType string) (*Challenge, error) {
	if idx < 0 || idx >= len(e.Authorizations) {
		return nil, ccerr.New(ccerr.InvalidArgument, "e2ei: authorization index out of range")
	}
	for i := range e.Authorizations[idx].Challenges {
		if e.Authorizations[idx].Challenges[i].Type == challengeType {
			return &e.Authorizations[idx].Challenges[i], nil
		}
	}
	return nil, ccerr.New(ccerr.ACMEProtocol, "e2ei: no challenge of requested type")
}

// BuildDpopChallengeRequest posts the DPoP access-token proof (see dpop.go)
// to authorization idx's wire-dpop-01 challenge.
func (e *Enrollment) BuildDpopChallengeRequest(idx int, nonce, accessToken string) ([]byte, error) {
	ch, err := e.findChallenge(idx, "wire-dpop-01")
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: dpop challenge payload marshal failed", err)
	}
	e.State = StateDpopChallengePosted
	return e.signJWS(ch.URL, nonce, payload)
}

// BuildOidcChallengeRequest posts an id_token to authorization idx's
// wire-oidc-01 challenge.
func (e *Enrollment) BuildOidcChallengeRequest(idx int, nonce, idToken string) ([]byte, error) {
	ch, err := e.findChallenge(idx, "wire-oidc-01")
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]string{"id_token": idToken})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: oidc challenge payload marshal failed", err)
	}
	e.State = StateOidcChallengePosted
	return e.signJWS(ch.URL, nonce, payload)
}

// IngestOrderStatus polls the order URL; once every challenge has settled
// the CA marks it "ready" and Enrollment advances to OrderValid.
func (e *Enrollment) IngestOrderStatus(body []byte) error {
	var ord Order
	if err := json.Unmarshal(body, &ord); err != nil {
		return ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed order", err)
	}
	if ord.Certificate != "" {
		e.CertURL = ord.Certificate
	}
	if ord.Status == "ready" || ord.Status == "valid" {
		e.State = StateOrderValid
	}
	return nil
}

// BuildFinalizeRequest generates a signature keypair-backed CSR for
// Config.ClientID/DisplayName/Team and submits it to FinalizeURL. CSR
// construction uses crypto/x509 directly: no library in the retrieval pack
// offers a CSR builder, and x509.CreateCertificateRequest is the only
// ecosystem-wide way to produce one.
func (e *Enrollment) BuildFinalizeRequest(nonce string) ([]byte, error) {
	if e.State != StateOrderValid {
		return nil, ccerr.New(ccerr.InvalidArgument, "e2ei: order not yet valid")
	}
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         e.Config.DisplayName,
			Organization:       []string{e.Config.Team},
			OrganizationalUnit: []string{e.Config.ClientID},
		},
		DNSNames:           nil,
		SignatureAlgorithm: x509.PureEd25519,
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, template, ed25519.PrivateKey(e.PrivateKey.Data))
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "e2ei: csr generation failed", err)
	}
	e.CSR = csr

	payload, err := json.Marshal(FinalizeRequest{CSR: b64url(csr)})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: finalize payload marshal failed", err)
	}
	e.State = StateFinalized
	return e.signJWS(e.FinalizeURL, nonce, payload)
}

// IngestCertificateResponse completes the enrollment once the finalize
// poll reports Status == "valid" and the certificate URL has been fetched.
func (e *Enrollment) IngestCertificateResponse(pemChain []byte) error {
	chain, err := parsePEMChain(pemChain)
	if err != nil {
		return err
	}
	e.CertificateChain = chain
	e.State = StateCertificateIssued
	return nil
}
