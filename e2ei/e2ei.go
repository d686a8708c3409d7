// Package e2ei implements the End-to-End Identity Enrollment state machine
// (C7): an ACME order driven entirely by the caller over HTTP -- this
// package holds no sockets, only the request/response JSON shapes and the
// JWS/JWT envelopes that wrap them. It hands the Rotation Coordinator (C8)
// the issued certificate chain to install as a fresh X.509 Credential.
package e2ei

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
)

// timeNow is a clock seam, consistent with the other C-components.
var timeNow = time.Now

// OrderState is an Enrollment's position in the ACME state machine.
type OrderState int

const (
	StateCreated OrderState = iota
	StateDirectoryKnown
	StateAccountCreated
	StateOrderCreated
	StateAuthzFetched
	StateDpopChallengePosted
	StateOidcChallengePosted
	StateOrderValid
	StateFinalized
	StateCertificateIssued
)

// Purpose is how an Enrollment was created (spec.md §4.2): a brand new
// identity, activation of a previously Basic-credentialed client, or a
// scheduled credential rotation.
type Purpose int

const (
	PurposeNew Purpose = iota
	PurposeActivation
	PurposeRotate
)

// Config is the identity an Enrollment requests a certificate for.
type Config struct {
	ClientID    string
	Handle      string
	DisplayName string
	Team        string
	ExpirySecs  int64
	CipherSuite mls.CipherSuite
}

// Enrollment is the opaque, stashable ACME order state spec.md §4.2/§4.7
// describes: identity request, a fresh signature keypair for the future
// credential, and a cursor through the ACME exchange. Every exported field
// participates in JSON (de)serialization so Stash/StashPop can round-trip
// one through the keystore untouched.
type Enrollment struct {
	ID      string
	Purpose Purpose
	Config  Config
	State   OrderState

	// Scheme is fixed to Ed25519: ACME's JWS and the DPoP JWT both need a
	// stdlib-representable key (ed25519.PrivateKey), which mls's other
	// two schemes (P-256/P-521 ECDSA) also provide but Ed25519 is what
	// both go-jose and golang-jwt handle most directly without a DER
	// re-encoding step.
	Scheme     mls.SignatureScheme
	PrivateKey mls.SignaturePrivateKey

	Directory *Directory
	Nonce     string

	AccountURL  string
	OrderURL    string
	FinalizeURL string
	CertURL     string

	Authorizations []Authorization

	CSR              []byte
	CertificateChain [][]byte
}

func newEnrollment(purpose Purpose, cfg Config) (*Enrollment, error) {
	if cfg.CipherSuite == 0 {
		cfg.CipherSuite = mls.X25519_AES128GCM_SHA256_Ed25519
	}
	priv, err := mls.Ed25519.Generate()
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "e2ei: enrollment key generation failed", err)
	}
	return &Enrollment{
		ID:         uuid.NewString(),
		Purpose:    purpose,
		Config:     cfg,
		State:      StateCreated,
		Scheme:     mls.Ed25519,
		PrivateKey: priv,
	}, nil
}

// NewEnrollment starts an Enrollment for a client with no prior MLS
// credential (spec.md's "new" factory).
func NewEnrollment(cfg Config) (*Enrollment, error) {
	return newEnrollment(PurposeNew, cfg)
}

// ActivationEnrollment starts an Enrollment upgrading an already-active
// Basic-credentialed client to X.509.
func ActivationEnrollment(cfg Config) (*Enrollment, error) {
	return newEnrollment(PurposeActivation, cfg)
}

// RotateEnrollment starts an Enrollment for the Rotation Coordinator (C8)
// to replace an expiring or compromised X.509 credential.
func RotateEnrollment(cfg Config) (*Enrollment, error) {
	return newEnrollment(PurposeRotate, cfg)
}

func (e *Enrollment) signingKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(e.PrivateKey.Data)
}

// Engine is the top-level C7 handle: it mints Enrollments and stashes/pops
// them across an OAuth redirect via the keystore.
type Engine struct {
	store *keystore.Store
}

func New(store *keystore.Store) *Engine {
	return &Engine{store: store}
}

// Stash serializes enr into the keystore and returns an opaque handle
// (spec.md §4.7 "stash"), used when the OIDC challenge requires a page
// redirect and this process may not survive to resume the enrollment.
func (e *Engine) Stash(enr *Enrollment) (string, error) {
	data, err := json.Marshal(enr)
	if err != nil {
		return "", ccerr.Wrap(ccerr.Internal, "e2ei: stash marshal failed", err)
	}
	handle := uuid.NewString()
	err = e.store.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.TypePendingEnrollment, handle, data)
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// StashPop restores the Enrollment stashed under handle and deletes the
// stash record ("stash-pop" is destructive per spec.md §4.7).
func (e *Engine) StashPop(handle string) (*Enrollment, error) {
	var data []byte
	err := e.store.Transact(func(tx *keystore.Tx) error {
		v, err := tx.Get(keystore.TypePendingEnrollment, handle)
		if err != nil {
			return err
		}
		data = v
		tx.Delete(keystore.TypePendingEnrollment, handle)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var enr Enrollment
	if err := json.Unmarshal(data, &enr); err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "e2ei: stash unmarshal failed", err)
	}
	return &enr, nil
}
