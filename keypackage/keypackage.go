// Package keypackage implements the KeyPackage Manager (C4): generation,
// counting, and pruning of per-ciphersuite/per-credential-type MLS
// ClientInitKeys, persisted through the keystore.
package keypackage

import (
	"encoding/hex"
	"encoding/json"
	"time"

	syntax "github.com/cisco/go-tls-syntax"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
)

// defaultValidity mirrors the teacher's ClientInitKey lifecycle: a
// generated key package is good for 90 days before it is excluded from a
// valid-count, matching typical MLS deployment practice.
const defaultValidity = 90 * 24 * time.Hour

// record is the keystore-persisted shape of one generated key package:
// the wire ClientInitKey plus the bookkeeping spec.md §4.4 requires that
// isn't itself part of the wire format (expiry, consumption). It is JSON
// rather than TLS-syntax encoded: this is an internal application record
// that never crosses the wire, so go-tls-syntax's struct tags (which
// can't represent time.Time anyway) buy nothing here.
type record struct {
	CipherSuite    mls.CipherSuite
	CredentialType mls.CredentialType
	CIK            []byte // TLS-marshaled mls.ClientInitKey
	ExpiresAt      time.Time
	Consumed       bool
}

// Manager is the keypackage manager, backed by a keystore.Store.
type Manager struct {
	store *keystore.Store
}

func New(store *keystore.Store) *Manager {
	return &Manager{store: store}
}

func refID(cik mls.ClientInitKey, suite mls.CipherSuite) (string, error) {
	data, err := syntax.Marshal(cik)
	if err != nil {
		return "", ccerr.Wrap(ccerr.Internal, "keypackage: marshal failure", err)
	}
	return hex.EncodeToString(suite.Digest(data)[:16]), nil
}

// GenerateN creates n fresh ClientInitKeys bound to cred under suite,
// persists them, and returns the MLS-reference-keyed set generated, in
// generation order.
func (m *Manager) GenerateN(suite mls.CipherSuite, cred mls.Credential, n int) ([]mls.ClientInitKey, error) {
	if n <= 0 {
		return nil, ccerr.New(ccerr.InvalidArgument, "keypackage: n must be positive")
	}

	out := make([]mls.ClientInitKey, 0, n)
	err := m.store.Transact(func(tx *keystore.Tx) error {
		for i := 0; i < n; i++ {
			cik, err := mls.NewClientInitKey(suite, cred)
			if err != nil {
				return ccerr.Wrap(ccerr.CryptoFailure, "keypackage: generation failed", err)
			}
			if err := cik.Sign(); err != nil {
				return ccerr.Wrap(ccerr.CryptoFailure, "keypackage: signing failed", err)
			}

			id, err := refID(*cik, suite)
			if err != nil {
				return err
			}

			data, err := syntax.Marshal(*cik)
			if err != nil {
				return ccerr.Wrap(ccerr.Internal, "keypackage: marshal failure", err)
			}

			rec := record{
				CipherSuite:    suite,
				CredentialType: cred.Type(),
				CIK:            data,
				ExpiresAt:      timeNow().Add(defaultValidity),
			}
			recData, err := json.Marshal(rec)
			if err != nil {
				return ccerr.Wrap(ccerr.Internal, "keypackage: record marshal failure", err)
			}
			if err := tx.Put(keystore.TypeKeyPackage, id, recData); err != nil {
				return err
			}

			out = append(out, *cik)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountValid returns the number of persisted key packages for
// (suite, credType) that are neither expired nor already consumed by a
// welcome.
func (m *Manager) CountValid(suite mls.CipherSuite, credType mls.CredentialType) (int, error) {
	count := 0
	now := timeNow()
	for _, id := range m.store.List(keystore.TypeKeyPackage) {
		rec, err := m.readRecord(id)
		if err != nil {
			continue
		}
		if rec.CipherSuite != suite || rec.CredentialType != credType {
			continue
		}
		if rec.Consumed || now.After(rec.ExpiresAt) {
			continue
		}
		count++
	}
	return count, nil
}

// Consume marks the key package matching cik's reference as consumed, so
// CountValid and ValidRefs no longer include it. Only explicit callers mark
// a key package this way: the conversation engine (C5) does not call
// Consume when it joins from a welcome.
func (m *Manager) Consume(cik mls.ClientInitKey, suite mls.CipherSuite) error {
	id, err := refID(cik, suite)
	if err != nil {
		return err
	}

	return m.store.Transact(func(tx *keystore.Tx) error {
		data, err := tx.Get(keystore.TypeKeyPackage, id)
		if err != nil {
			return ccerr.New(ccerr.NotFound, "keypackage: no such key package")
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return ccerr.Wrap(ccerr.Internal, "keypackage: corrupt record", err)
		}
		rec.Consumed = true
		out, err := json.Marshal(rec)
		if err != nil {
			return ccerr.Wrap(ccerr.Internal, "keypackage: record marshal failure", err)
		}
		return tx.Put(keystore.TypeKeyPackage, id, out)
	})
}

// ValidRefs returns the MLS references of every persisted key package for
// (suite, credType) that CountValid would count, for callers (the
// Rotation Coordinator) that need to mark a credential's old key packages
// as deprecated once new ones are generated under the replacement
// credential.
func (m *Manager) ValidRefs(suite mls.CipherSuite, credType mls.CredentialType) ([][]byte, error) {
	var refs [][]byte
	now := timeNow()
	for _, id := range m.store.List(keystore.TypeKeyPackage) {
		rec, err := m.readRecord(id)
		if err != nil {
			continue
		}
		if rec.CipherSuite != suite || rec.CredentialType != credType {
			continue
		}
		if rec.Consumed || now.After(rec.ExpiresAt) {
			continue
		}
		ref, err := hex.DecodeString(id)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DeleteByRef removes the key packages named by refs (their 16-byte MLS
// reference, hex-encoded as the keystore id).
func (m *Manager) DeleteByRef(refs [][]byte) error {
	return m.store.Transact(func(tx *keystore.Tx) error {
		for _, ref := range refs {
			tx.Delete(keystore.TypeKeyPackage, hex.EncodeToString(ref))
		}
		return nil
	})
}

func (m *Manager) readRecord(id string) (*record, error) {
	data, err := m.store.Get(keystore.TypeKeyPackage, id)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "keypackage: corrupt record", err)
	}
	return &rec, nil
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// flakiness beyond what they explicitly construct; production code always
// uses the real clock.
var timeNow = time.Now
