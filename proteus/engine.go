package proteus

import (
	"encoding/hex"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/prng"
)

// identityRecordID is the reserved keystore id this engine's own identity
// keypair is kept under. spec.md's keystore closed type set has no
// separate "Proteus identity" entity -- only ProteusSession and
// ProteusPrekey -- so the identity is kept as a ProteusPrekey record under
// a reserved id rather than widening the closed set for one record; see
// DESIGN.md.
const identityRecordID = "identity"

// Engine is the C9 handle: a caller-chosen identity, an in-memory pool of
// not-yet-consumed prekeys, and live sessions keyed by caller-chosen
// session id. Sessions are restored from the keystore only by an explicit
// Load and written back only on an explicit Save, matching spec.md §4.9's explicit
// save/delete/exists operations rather than persisting on every message.
type Engine struct {
	store *keystore.Store
	rng   *prng.PRNG

	mu         sync.Mutex
	identity   *IdentityKeyPair
	sessions   map[string]*Session
	lastErrors map[string]*ccerr.Error
}

// New opens the Proteus engine against store, generating a fresh identity
// keypair if one was never persisted before.
func New(store *keystore.Store, rng *prng.PRNG) (*Engine, error) {
	e := &Engine{
		store:      store,
		rng:        rng,
		sessions:   map[string]*Session{},
		lastErrors: map[string]*ccerr.Error{},
	}

	if data, err := store.Get(keystore.TypeProteusPrekey, identityRecordID); err == nil {
		var rec identityRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return nil, ccerr.Wrap(ccerr.KeystoreCorrupted, "proteus: malformed identity record", err)
		}
		e.identity = rec.toIdentityKeyPair()
		return e, nil
	}

	identity, err := newIdentityKeyPair(rng)
	if err != nil {
		return nil, err
	}
	e.identity = identity
	if err := e.persistIdentity(); err != nil {
		return nil, err
	}
	return e, nil
}

type identityRecord struct {
	DHPrivate  []byte `cbor:"1,keyasint"`
	DHPublic   []byte `cbor:"2,keyasint"`
	Signing    []byte `cbor:"3,keyasint"`
	SigningPub []byte `cbor:"4,keyasint"`
}

func (r identityRecord) toIdentityKeyPair() *IdentityKeyPair {
	id := &IdentityKeyPair{Signing: r.Signing, SigningPub: r.SigningPub}
	copy(id.DH.Private[:], r.DHPrivate)
	copy(id.DH.Public[:], r.DHPublic)
	return id
}

func (e *Engine) persistIdentity() error {
	rec := identityRecord{
		DHPrivate:  e.identity.DH.Private[:],
		DHPublic:   e.identity.DH.Public[:],
		Signing:    e.identity.Signing,
		SigningPub: e.identity.SigningPub,
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return ccerr.Wrap(ccerr.Internal, "proteus: identity marshal failed", err)
	}
	return e.store.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.TypeProteusPrekey, identityRecordID, data)
	})
}

// IdentityPublicBundle returns the public half of this engine's identity,
// for a caller to out-of-band compare against a peer's claimed identity.
func (e *Engine) IdentityPublicBundle() (dhPublic, signingPublic []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return dup(e.identity.DH.Public[:]), dup(e.identity.SigningPub)
}

func (e *Engine) recordError(sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ccerr.Error
	if wrapped, ok := err.(*ccerr.Error); ok {
		ce = wrapped
	} else {
		ce = ccerr.Wrap(ccerr.Internal, "", err)
	}
	e.mu.Lock()
	e.lastErrors[sessionID] = ce
	e.mu.Unlock()
	return ce
}

// LastErrorCode returns and clears the most recent per-session error code
// (spec.md §4.9), for surfacing ratchet-state diagnostics across a
// binding boundary that cannot carry a typed error for every call.
func (e *Engine) LastErrorCode(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ce, ok := e.lastErrors[sessionID]
	if !ok {
		return 0
	}
	delete(e.lastErrors, sessionID)
	return ce.ProteusErrorCode
}

func prekeyRecordID(id uint16) string {
	return hex.EncodeToString([]byte{byte(id >> 8), byte(id)})
}

// GeneratePreKeys mints count fresh one-time prekeys starting at startID
// and persists them, returning the keypairs for the caller to publish as
// PreKeyBundles via BundleFor.
func (e *Engine) GeneratePreKeys(startID uint16, count int) ([]PreKey, error) {
	if count <= 0 {
		return nil, invalidArg("proteus: prekey count must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PreKey, 0, count)
	err := e.store.Transact(func(tx *keystore.Tx) error {
		for i := 0; i < count; i++ {
			id := startID + uint16(i)
			if id == LastResortID {
				return invalidArg("proteus: generated range collides with the last-resort id")
			}
			kp, err := generateDHKeyPair(e.rng)
			if err != nil {
				return err
			}
			pk := PreKey{ID: id, KeyPair: kp}
			if err := putPreKey(tx, pk); err != nil {
				return err
			}
			out = append(out, pk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureLastResort returns the last-resort prekey, minting and persisting
// one the first time it's requested.
func (e *Engine) EnsureLastResort() (PreKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if data, err := e.store.Get(keystore.TypeProteusPrekey, prekeyRecordID(LastResortID)); err == nil {
		pk, err := decodePreKey(data)
		if err != nil {
			return PreKey{}, err
		}
		pk.ID = LastResortID
		return pk, nil
	}

	kp, err := generateDHKeyPair(e.rng)
	if err != nil {
		return PreKey{}, err
	}
	pk := PreKey{ID: LastResortID, KeyPair: kp}
	err = e.store.Transact(func(tx *keystore.Tx) error {
		return putPreKey(tx, pk)
	})
	if err != nil {
		return PreKey{}, err
	}
	return pk, nil
}

func putPreKey(tx *keystore.Tx, pk PreKey) error {
	data, err := cbor.Marshal(pk.KeyPair)
	if err != nil {
		return ccerr.Wrap(ccerr.Internal, "proteus: prekey marshal failed", err)
	}
	return tx.Put(keystore.TypeProteusPrekey, prekeyRecordID(pk.ID), data)
}

func decodePreKey(data []byte) (PreKey, error) {
	var kp dhKeyPair
	if err := cbor.Unmarshal(data, &kp); err != nil {
		return PreKey{}, ccerr.Wrap(ccerr.KeystoreCorrupted, "proteus: malformed prekey record", err)
	}
	return PreKey{KeyPair: kp}, nil
}

// BundleFor builds the CBOR-ready PreKeyBundle this engine publishes,
// pairing the prekey stored under preferredID (an ordinary one-time
// prekey, or LastResortID) with this engine's identity and a signature
// over the prekey id.
func (e *Engine) BundleFor(preferredID uint16) (*PreKeyBundle, error) {
	e.mu.Lock()
	identity := e.identity
	e.mu.Unlock()

	sig := signPreKeyID(identity, preferredID)

	var pkData []byte
	var err error
	err = e.store.Transact(func(tx *keystore.Tx) error {
		pkData, err = tx.Get(keystore.TypeProteusPrekey, prekeyRecordID(preferredID))
		return err
	})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.NotFound, "proteus: no such prekey", err)
	}
	pk, err := decodePreKey(pkData)
	if err != nil {
		return nil, err
	}

	return &PreKeyBundle{
		IdentityKey:  dup(identity.DH.Public[:]),
		SigningKey:   dup(identity.SigningPub),
		PreKeyID:     preferredID,
		PreKeyPublic: dup(pk.KeyPair.Public[:]),
		PreKeySig:    sig,
	}, nil
}

func signPreKeyID(identity *IdentityKeyPair, id uint16) []byte {
	return signEd25519(identity.Signing, signedPreKeyMessage(id))
}
