package proteus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/keystore"
)

// SessionFromPreKey establishes an outgoing session under sessionID as
// the initiator, against a peer's published bundle (spec.md §4.9
// "session-from-prekey"). The session is held in memory only until Save
// is called.
func (e *Engine) SessionFromPreKey(sessionID string, bundle *PreKeyBundle) error {
	if !verifyEd25519(bundle.SigningKey, signedPreKeyMessage(bundle.PreKeyID), bundle.PreKeySig) {
		return ccerr.New(ccerr.CryptoFailure, "proteus: prekey signature verification failed")
	}

	e.mu.Lock()
	identity := e.identity
	e.mu.Unlock()

	ephemeral, err := generateDHKeyPair(e.rng)
	if err != nil {
		return err
	}

	rootKey, err := initiatorX3DH(identity, ephemeral, bundle)
	if err != nil {
		return err
	}

	sendSeed, recvSeed, err := deriveDirectionalChains(rootKey, true)
	if err != nil {
		return err
	}

	session := &Session{
		ID:             sessionID,
		Sending:        newChainRatchet(sendSeed),
		Receiving:      newChainRatchet(recvSeed),
		RemoteIdentity: dup(bundle.IdentityKey),
		PendingHandshake: &HandshakeHeader{
			IdentityKey:  dup(identity.DH.Public[:]),
			EphemeralKey: dup(ephemeral.Public[:]),
			PreKeyID:     bundle.PreKeyID,
			OneTimeID:    bundle.OneTimeID,
		},
	}

	e.mu.Lock()
	e.sessions[sessionID] = session
	e.mu.Unlock()
	return nil
}

func signedPreKeyMessage(id uint16) []byte {
	return []byte(fmt.Sprintf("proteus-prekey:%d", id))
}

// SessionFromMessage establishes an incoming session under sessionID as
// the responder, from the first message a peer sent against one of this
// engine's published prekeys, and returns that message's plaintext
// (spec.md §4.9 "session-from-message"). The one-time prekey the peer
// used (if any, and unless it is the last-resort id) is consumed and
// will never be offered again.
func (e *Engine) SessionFromMessage(sessionID string, env *Envelope) ([]byte, error) {
	if env.Handshake == nil {
		return nil, invalidArg("proteus: message carries no handshake header")
	}
	hs := env.Handshake

	e.mu.Lock()
	identity := e.identity
	e.mu.Unlock()

	signedPK, err := e.loadPreKey(hs.PreKeyID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.NotFound, "proteus: signed prekey not found", err)
	}

	var oneTime *dhKeyPair
	if hs.OneTimeID != 0 {
		otPK, err := e.loadPreKey(hs.OneTimeID)
		if err != nil {
			return nil, ccerr.Wrap(ccerr.NotFound, "proteus: one-time prekey not found", err)
		}
		oneTime = &otPK.KeyPair
	}

	rootKey, err := responderX3DH(signedPK.KeyPair, identity, oneTime, hs.IdentityKey, hs.EphemeralKey)
	if err != nil {
		return nil, err
	}

	sendSeed, recvSeed, err := deriveDirectionalChains(rootKey, false)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:             sessionID,
		Sending:        newChainRatchet(sendSeed),
		Receiving:      newChainRatchet(recvSeed),
		RemoteIdentity: dup(hs.IdentityKey),
	}

	plaintext, err := session.open(env)
	if err != nil {
		return nil, e.recordError(sessionID, err)
	}

	if hs.OneTimeID != 0 && hs.OneTimeID != LastResortID {
		if err := e.store.Transact(func(tx *keystore.Tx) error {
			tx.Delete(keystore.TypeProteusPrekey, prekeyRecordID(hs.OneTimeID))
			return nil
		}); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.sessions[sessionID] = session
	e.mu.Unlock()
	return plaintext, nil
}

func (e *Engine) loadPreKey(id uint16) (PreKey, error) {
	var data []byte
	err := e.store.Transact(func(tx *keystore.Tx) error {
		v, err := tx.Get(keystore.TypeProteusPrekey, prekeyRecordID(id))
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return PreKey{}, err
	}
	pk, err := decodePreKey(data)
	if err != nil {
		return PreKey{}, err
	}
	pk.ID = id
	return pk, nil
}

// Encrypt seals plaintext for sending on sessionID. The first call after
// SessionFromPreKey attaches the pending handshake header so the
// recipient's session-from-message can derive the same root key; every
// later call carries none.
func (e *Engine) Encrypt(sessionID string, plaintext []byte) (*Envelope, error) {
	session, err := e.loadedSession(sessionID)
	if err != nil {
		return nil, err
	}

	env, err := session.seal(plaintext)
	if err != nil {
		return nil, e.recordError(sessionID, err)
	}

	if session.PendingHandshake != nil {
		env.Handshake = session.PendingHandshake
		session.PendingHandshake = nil
	}
	return env, nil
}

// Decrypt opens env against sessionID's receiving ratchet. If no session
// is held for sessionID yet but env carries a handshake header, this
// transparently runs session-from-message instead, matching how a
// responder's very first Decrypt call for a peer is indistinguishable
// from an explicit SessionFromMessage.
func (e *Engine) Decrypt(sessionID string, env *Envelope) ([]byte, error) {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	e.mu.Unlock()

	if !ok {
		if env.Handshake != nil {
			return e.SessionFromMessage(sessionID, env)
		}
		return nil, ccerr.New(ccerr.ProteusSessionNotFound, "proteus: no session "+sessionID)
	}

	plaintext, err := session.open(env)
	if err != nil {
		return nil, e.recordError(sessionID, err)
	}
	return plaintext, nil
}

// BatchEncrypt seals the same plaintext for every listed session
// (spec.md §4.9 "batch-encrypt"), returning a session-id-to-envelope map.
func (e *Engine) BatchEncrypt(sessionIDs []string, plaintext []byte) (map[string]*Envelope, error) {
	out := make(map[string]*Envelope, len(sessionIDs))
	for _, id := range sessionIDs {
		env, err := e.Encrypt(id, plaintext)
		if err != nil {
			return nil, err
		}
		out[id] = env
	}
	return out, nil
}

func (e *Engine) loadedSession(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		return nil, ccerr.New(ccerr.ProteusSessionNotFound, "proteus: no session "+sessionID)
	}
	return session, nil
}

// Save persists sessionID's current ratchet state to the keystore
// (spec.md §4.9 "save"); sessions are otherwise held only in memory.
func (e *Engine) Save(sessionID string) error {
	session, err := e.loadedSession(sessionID)
	if err != nil {
		return err
	}

	data, err := cbor.Marshal(session)
	if err != nil {
		return ccerr.Wrap(ccerr.Internal, "proteus: session marshal failed", err)
	}
	return e.store.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.TypeProteusSession, sessionID, data)
	})
}

// Delete removes sessionID from memory and from the keystore
// (spec.md §4.9 "delete").
func (e *Engine) Delete(sessionID string) error {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	delete(e.lastErrors, sessionID)
	e.mu.Unlock()

	return e.store.Transact(func(tx *keystore.Tx) error {
		tx.Delete(keystore.TypeProteusSession, sessionID)
		return nil
	})
}

// Exists reports whether sessionID is live in memory or persisted in the
// keystore (spec.md §4.9 "exists"); a persisted session not yet loaded
// back into memory via Load still reports true.
func (e *Engine) Exists(sessionID string) bool {
	e.mu.Lock()
	_, inMemory := e.sessions[sessionID]
	e.mu.Unlock()
	if inMemory {
		return true
	}
	_, err := e.store.Get(keystore.TypeProteusSession, sessionID)
	return err == nil
}

// Load restores sessionID from the keystore into memory, for a caller
// resuming work against a session a previous process Saved.
func (e *Engine) Load(sessionID string) error {
	data, err := e.store.Get(keystore.TypeProteusSession, sessionID)
	if err != nil {
		return err
	}
	var session Session
	if err := cbor.Unmarshal(data, &session); err != nil {
		return ccerr.Wrap(ccerr.KeystoreCorrupted, "proteus: malformed session record", err)
	}

	e.mu.Lock()
	e.sessions[sessionID] = &session
	e.mu.Unlock()
	return nil
}
