package corecrypto

import (
	"crypto/x509"

	"github.com/google/uuid"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/e2ei"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/rotation"
)

// NewEnrollment starts an E2EI Enrollment (C7) of the given purpose and
// holds it in this Instance's arena under a fresh opaque handle, per
// spec.md §9's cyclic-reference design note: the Enrollment is addressed
// by handle rather than returned as a value the caller could hand back
// into a different Instance. Borrowing it out like this counts against
// Close the same way a stash-pop does.
func (i *Instance) NewEnrollment(purpose e2ei.Purpose, cfg e2ei.Config) (string, error) {
	var enr *e2ei.Enrollment
	var err error
	switch purpose {
	case e2ei.PurposeNew:
		enr, err = e2ei.NewEnrollment(cfg)
	case e2ei.PurposeActivation:
		enr, err = e2ei.ActivationEnrollment(cfg)
	case e2ei.PurposeRotate:
		enr, err = e2ei.RotateEnrollment(cfg)
	default:
		return "", ccerr.New(ccerr.InvalidArgument, "corecrypto: unrecognized enrollment purpose")
	}
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	i.enrollmentArena[handle] = enr
	i.store.AddRef()
	return handle, nil
}

// Enrollment looks up a handle previously returned by NewEnrollment or
// StashPopEnrollment, for the caller to drive its ACME exchange forward.
func (i *Instance) Enrollment(handle string) (*e2ei.Enrollment, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	enr, ok := i.enrollmentArena[handle]
	if !ok {
		return nil, ccerr.New(ccerr.NotFound, "corecrypto: no such enrollment handle")
	}
	return enr, nil
}

// DiscardEnrollment abandons handle without stashing or consuming it,
// releasing its outstanding reference on the keystore.
func (i *Instance) DiscardEnrollment(handle string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.enrollmentArena[handle]; !ok {
		return ccerr.New(ccerr.NotFound, "corecrypto: no such enrollment handle")
	}
	delete(i.enrollmentArena, handle)
	i.store.Release()
	return nil
}

// StashEnrollment persists the arena entry under handle to the keystore
// (spec.md §4.7 "stash") and releases its arena reference -- the
// Enrollment is no longer borrowed out in memory once it is safely on
// disk. Returns the keystore-side stash handle StashPopEnrollment needs.
func (i *Instance) StashEnrollment(handle string) (string, error) {
	i.mu.Lock()
	enr, ok := i.enrollmentArena[handle]
	if !ok {
		i.mu.Unlock()
		return "", ccerr.New(ccerr.NotFound, "corecrypto: no such enrollment handle")
	}
	i.mu.Unlock()

	stashHandle, err := i.enrollments.Stash(enr)
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	delete(i.enrollmentArena, handle)
	i.store.Release()
	i.mu.Unlock()
	return stashHandle, nil
}

// StashPopEnrollment restores the Enrollment stashed under stashHandle
// (spec.md §4.7 "stash-pop") into a new arena entry, for a process
// resuming after an OAuth redirect dropped the in-memory Enrollment.
func (i *Instance) StashPopEnrollment(stashHandle string) (string, error) {
	enr, err := i.enrollments.StashPop(stashHandle)
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	handle := uuid.NewString()
	i.enrollmentArena[handle] = enr
	i.store.AddRef()
	return handle, nil
}

// finishEnrollment removes handle from the arena and releases its
// outstanding reference, for the two terminal consumption paths spec.md
// §3 names: mls-init-only and the Rotation Coordinator.
func (i *Instance) finishEnrollment(handle string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.enrollmentArena[handle]; ok {
		delete(i.enrollmentArena, handle)
		i.store.Release()
	}
}

// InitWithClientIDFromEnrollment upgrades a deferred-opened Instance
// straight from a completed Enrollment's issued certificate, instead of
// a bare client id: the X.509 Credential it builds and returns also IS the first
// identity this Instance ever has (spec.md §4.7 "consumed by
// mls-init-only"). Consumes and releases the enrollment handle on
// success.
func (i *Instance) InitWithClientIDFromEnrollment(handle string) (*mls.Credential, error) {
	enr, err := i.Enrollment(handle)
	if err != nil {
		return nil, err
	}
	if enr.State != e2ei.StateCertificateIssued {
		return nil, ccerr.New(ccerr.InvalidArgument, "corecrypto: enrollment has not reached a certificate")
	}

	i.mu.Lock()
	if len(i.clientID) != 0 {
		i.mu.Unlock()
		return nil, ccerr.New(ccerr.AlreadyExists, "corecrypto: instance already has a client identity")
	}
	i.mu.Unlock()

	chain, err := parseCertChain(enr.CertificateChain)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CertificateInvalid, "corecrypto: malformed certificate", err)
	}
	priv := enr.PrivateKey
	cred, err := mls.NewX509CredentialWithKey(chain, &priv)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "corecrypto: credential construction failed", err)
	}

	if err := i.InitWithClientID([]byte(enr.Config.ClientID)); err != nil {
		return nil, err
	}
	i.finishEnrollment(handle)
	return cred, nil
}

// RotateAll drives the Rotation Coordinator (C8) with the Enrollment
// held under handle, and consumes it on success: spec.md §4.7 names the
// Rotation Coordinator as the enrollment's other terminal consumer
// besides mls-init-only.
func (i *Instance) RotateAll(handle string, newKeyPackageCount int) (*rotation.Bundle, error) {
	enr, err := i.Enrollment(handle)
	if err != nil {
		return nil, err
	}
	coordinator, err := i.Rotation()
	if err != nil {
		return nil, err
	}
	bundle, err := coordinator.RotateAll(enr, newKeyPackageCount)
	if err != nil {
		return nil, err
	}
	i.finishEnrollment(handle)
	return bundle, nil
}

func parseCertChain(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ccerr.New(ccerr.InvalidArgument, "corecrypto: empty certificate chain")
	}
	chain := make([]*x509.Certificate, 0, len(der))
	for _, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
