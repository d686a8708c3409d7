// Package rotation implements the Rotation Coordinator (C8): applying a
// freshly issued X.509 credential across every locally tracked
// conversation in one fan-out, and replenishing the key package supply
// that credential will need going forward.
package rotation

import (
	"crypto/x509"
	"time"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/e2ei"
	"github.com/wireapp/core-crypto-go/keypackage"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/trust"
)

// Bundle is rotate-all's fan-out result (spec.md §4.8): one CommitBundle
// per conversation the credential now belongs to, the fresh key packages
// generated under the new credential, the old credential's key package
// refs the host should now schedule for backend-side deletion, and any
// CRL distribution points the new chain introduced that the host has not
// yet registered.
type Bundle struct {
	Commits            map[string]*conversation.CommitBundle
	NewKeyPackages     []mls.ClientInitKey
	DeprecatedRefs     [][]byte
	UnregisteredCRLDPs []string
}

// Coordinator is the C8 handle.
type Coordinator struct {
	Conversations *conversation.Engine
	KeyPackages   *keypackage.Manager
	Trust         *trust.Registry
}

func New(conversations *conversation.Engine, keyPackages *keypackage.Manager, trustReg *trust.Registry) *Coordinator {
	return &Coordinator{Conversations: conversations, KeyPackages: keyPackages, Trust: trustReg}
}

// RotateAll validates enr's issued chain, installs it as a new Credential,
// drives an update-commit across every conversation the Engine tracks,
// and mints newKeyPackageCount fresh key packages under the new
// credential. Every touched conversation transitions to PendingCommit;
// the caller must still commit-accepted each one.
func (r *Coordinator) RotateAll(enr *e2ei.Enrollment, newKeyPackageCount int) (*Bundle, error) {
	if enr.State != e2ei.StateCertificateIssued {
		return nil, ccerr.New(ccerr.InvalidArgument, "rotation: enrollment has not reached a certificate")
	}

	chain, err := parseChain(enr.CertificateChain)
	if err != nil {
		return nil, err
	}

	chainDER := enr.CertificateChain
	unregistered, err := r.Trust.ValidateChain(chainDER, timeNow())
	if err != nil {
		return nil, err
	}

	priv := enr.PrivateKey
	cred, err := mls.NewX509CredentialWithKey(chain, &priv)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "rotation: credential construction failed", err)
	}

	oldRefs, err := r.KeyPackages.ValidRefs(enr.Config.CipherSuite, mls.CredentialTypeBasic)
	if err != nil {
		return nil, err
	}
	if x509Refs, err := r.KeyPackages.ValidRefs(enr.Config.CipherSuite, mls.CredentialTypeX509); err == nil {
		oldRefs = append(oldRefs, x509Refs...)
	}

	commits := map[string]*conversation.CommitBundle{}
	for _, c := range r.Conversations.ListConversations() {
		if c.Kind() != conversation.Active {
			continue
		}
		bundle, err := r.Conversations.UpdateCredential(c.ID, *cred)
		if err != nil {
			return nil, err
		}
		commits[string(c.ID)] = bundle
	}

	var newKPs []mls.ClientInitKey
	if newKeyPackageCount > 0 {
		newKPs, err = r.KeyPackages.GenerateN(enr.Config.CipherSuite, *cred, newKeyPackageCount)
		if err != nil {
			return nil, err
		}
	}

	return &Bundle{
		Commits:            commits,
		NewKeyPackages:     newKPs,
		DeprecatedRefs:     oldRefs,
		UnregisteredCRLDPs: unregistered,
	}, nil
}

// timeNow is a clock seam, consistent with the other C-components.
var timeNow = time.Now

func parseChain(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ccerr.New(ccerr.InvalidArgument, "rotation: empty certificate chain")
	}
	chain := make([]*x509.Certificate, 0, len(der))
	for _, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, ccerr.Wrap(ccerr.CertificateInvalid, "rotation: malformed certificate", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
