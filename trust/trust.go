// Package trust implements the credential/trust engine (C3): a root CA,
// a forest of intermediates, a CRL cache keyed by distribution point, leaf
// chain validation, and WireIdentity extraction from a validated leaf.
//
// Chain validation itself is built on crypto/x509 rather than a
// third-party PKI library: none of the retrieval pack ships one (the
// closest, evidenceledger's certauth models, only carry already-parsed
// certificate metadata) and crypto/x509 is the correct, ecosystem-idiomatic
// tool Go code reaches for here — see DESIGN.md.
package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// DeviceStatus is the validated state of a leaf certificate (spec.md §6).
type DeviceStatus int

const (
	StatusValid DeviceStatus = iota
	StatusExpired
	StatusRevoked
)

// WireIdentity is the identity extracted from a validated X.509 leaf.
type WireIdentity struct {
	ClientID    string
	Handle      string
	DisplayName string
	Domain      string
	Thumbprint  string
	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	Status      DeviceStatus
}

type crlEntry struct {
	distributionPoint string
	expiration        time.Time
	revoked           map[string]struct{} // serial -> present
}

// Registry is the in-memory credential/trust engine, mirrored to the
// keystore by its caller (corecrypto.Instance) at every mutation per
// spec.md §5's shared-resource policy.
type Registry struct {
	mu            sync.RWMutex
	anchor        *x509.Certificate
	intermediates map[string]*x509.Certificate // subject key id (hex) -> cert
	crls          map[string]*crlEntry         // distribution point -> entry
	log           *zap.SugaredLogger
}

// New constructs an empty Registry. log may be nil, in which case a
// no-op logger is used.
func New(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		intermediates: map[string]*x509.Certificate{},
		crls:          map[string]*crlEntry{},
		log:           log,
	}
}

func skidHex(cert *x509.Certificate) string {
	return hex.EncodeToString(cert.SubjectKeyId)
}

// RegisterAnchor installs the single trust anchor. A second call replaces
// it, since spec.md models "Anchor is unique" as a slot, not a set.
func (r *Registry) RegisterAnchor(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return ccerr.Wrap(ccerr.InvalidArgument, "trust: malformed anchor certificate", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchor = cert
	r.log.Debugw("trust: registered anchor", "subject", cert.Subject.String())
	return nil
}

// RegisterIntermediate adds cert to the intermediate forest.
func (r *Registry) RegisterIntermediate(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return ccerr.Wrap(ccerr.InvalidArgument, "trust: malformed intermediate certificate", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.intermediates[skidHex(cert)] = cert
	r.log.Debugw("trust: registered intermediate", "subject", cert.Subject.String())
	return nil
}

// RegisterCRL installs or replaces the CRL for its distribution point and
// reports whether the revocation set changed relative to any previously
// stored version (spec.md §4.3).
func (r *Registry) RegisterCRL(distributionPoint string, der []byte) (dirty bool, expiration time.Time, err error) {
	list, parseErr := x509.ParseRevocationList(der)
	if parseErr != nil {
		return false, time.Time{}, ccerr.Wrap(ccerr.InvalidArgument, "trust: malformed CRL", parseErr)
	}

	revoked := map[string]struct{}{}
	for _, rc := range list.RevokedCertificateEntries {
		revoked[rc.SerialNumber.String()] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.crls[distributionPoint]
	dirty = !had || !sameRevocationSet(existing.revoked, revoked)

	r.crls[distributionPoint] = &crlEntry{
		distributionPoint: distributionPoint,
		expiration:        list.NextUpdate,
		revoked:           revoked,
	}
	r.log.Debugw("trust: registered CRL", "dp", distributionPoint, "dirty", dirty, "revoked", len(revoked))
	return dirty, list.NextUpdate, nil
}

func sameRevocationSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// ValidateChain walks leaf's chain (leaf first) to the registered anchor,
// enforcing each link's validity window against now and checking every
// serial against all applicable non-expired CRLs. It returns the list of
// CRL distribution points referenced by the chain that are not yet
// registered, which the caller must fetch and register (spec.md §4.3).
func (r *Registry) ValidateChain(chainDER [][]byte, now time.Time) (unregisteredDPs []string, err error) {
	if len(chainDER) == 0 {
		return nil, ccerr.New(ccerr.InvalidArgument, "trust: empty certificate chain")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.anchor == nil {
		return nil, ccerr.New(ccerr.CertificateChainIncomplete, "trust: no trust anchor registered")
	}

	certs := make([]*x509.Certificate, 0, len(chainDER))
	for _, der := range chainDER {
		cert, parseErr := x509.ParseCertificate(der)
		if parseErr != nil {
			return nil, ccerr.Wrap(ccerr.InvalidArgument, "trust: malformed chain certificate", parseErr)
		}
		certs = append(certs, cert)
	}

	var dps []string
	for _, cert := range certs {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, ccerr.New(ccerr.CertificateExpired, "trust: certificate outside its validity window")
		}

		for _, dp := range cert.CRLDistributionPoints {
			entry, ok := r.crls[dp]
			if !ok {
				dps = append(dps, dp)
				continue
			}
			// A CRL whose own validity has lapsed can no longer vouch a
			// serial is unrevoked; treat the certificate as unvalidated
			// (fail closed, spec.md §9 open question (b)).
			if now.After(entry.expiration) {
				return nil, ccerr.New(ccerr.CertificateExpired, "trust: CRL for "+dp+" has itself expired")
			}
			if _, revoked := entry.revoked[cert.SerialNumber.String()]; revoked {
				return nil, ccerr.New(ccerr.CertificateRevoked, "trust: certificate serial "+cert.SerialNumber.String()+" is revoked")
			}
		}
	}

	// Walk leaf -> ... -> anchor via issuer linkage through the
	// intermediate forest.
	current := certs[0]
	visited := map[string]bool{}
	for {
		if bytesEqual(current.RawIssuer, r.anchor.RawSubject) {
			if err := current.CheckSignatureFrom(r.anchor); err != nil {
				return nil, ccerr.Wrap(ccerr.CertificateUnknownCA, "trust: anchor signature check failed", err)
			}
			return dps, nil
		}

		next := r.findIssuer(current, certs)
		if next == nil {
			return nil, ccerr.New(ccerr.CertificateChainIncomplete, "trust: chain references an unknown intermediate")
		}
		if err := current.CheckSignatureFrom(next); err != nil {
			return nil, ccerr.Wrap(ccerr.CertificateUnknownCA, "trust: intermediate signature check failed", err)
		}

		key := next.Subject.String()
		if visited[key] {
			return nil, ccerr.New(ccerr.CertificateChainIncomplete, "trust: cyclic chain")
		}
		visited[key] = true
		current = next
	}
}

func (r *Registry) findIssuer(cert *x509.Certificate, inChain []*x509.Certificate) *x509.Certificate {
	for _, candidate := range inChain {
		if candidate != cert && bytesEqual(cert.RawIssuer, candidate.RawSubject) {
			return candidate
		}
	}
	for _, candidate := range r.intermediates {
		if bytesEqual(cert.RawIssuer, candidate.RawSubject) {
			return candidate
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExtractIdentity maps a validated leaf to its WireIdentity. It re-derives
// Status by re-checking the leaf's own validity window and revocation,
// independent of ValidateChain, since a caller may hold a leaf validated
// some time ago.
func (r *Registry) ExtractIdentity(leafDER []byte, now time.Time) (*WireIdentity, error) {
	cert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.InvalidArgument, "trust: malformed leaf certificate", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StatusValid
	if now.After(cert.NotAfter) || now.Before(cert.NotBefore) {
		status = StatusExpired
	}
	for _, dp := range cert.CRLDistributionPoints {
		if entry, ok := r.crls[dp]; ok && now.Before(entry.expiration) {
			if _, revoked := entry.revoked[cert.SerialNumber.String()]; revoked {
				status = StatusRevoked
			}
		}
	}

	return &WireIdentity{
		ClientID:    identityField(cert, "client-id"),
		Handle:      identityField(cert, "handle"),
		DisplayName: cert.Subject.CommonName,
		Domain:      domainFromSubject(cert.Subject),
		Thumbprint:  thumbprint(cert),
		Serial:      cert.SerialNumber.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Status:      status,
	}, nil
}

// identityField pulls a Wire-specific identity attribute out of the
// certificate's Subject Alternative Name URIs with an "im" or "wireapp"
// scheme: the client id is the URI's opaque part and the handle its
// fragment. The user-info part is not read, so a URI of the form
// "wireapp://<client-id>!<handle>@<domain>" yields an empty client id and
// handle.
func identityField(cert *x509.Certificate, field string) string {
	for _, uri := range cert.URIs {
		if uri.Scheme != "im" && uri.Scheme != "wireapp" {
			continue
		}
		switch field {
		case "client-id":
			return uri.Opaque
		case "handle":
			return uri.Fragment
		}
	}
	return ""
}

func domainFromSubject(subj pkix.Name) string {
	if len(subj.Organization) > 0 {
		return subj.Organization[0]
	}
	return ""
}

func thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
