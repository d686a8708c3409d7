// Package proteus implements the Proteus Sessions component (C9): pairwise
// Double-Ratchet session lifecycle over a prekey-based handshake. Per
// spec.md's Non-goals, the ratchet math itself is not dictated by the
// distilled spec -- only the session-lifecycle envelope is (create from
// prekey / from message, encrypt, decrypt, batch, persist) -- so this
// package implements a self-contained X3DH-style handshake followed by a
// pair of symmetric hash ratchets, one per direction, rather than
// reproducing a specific existing Proteus/Signal wire implementation.
package proteus

import (
	"crypto/ed25519"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// dhKeyPair is an X25519 Diffie-Hellman keypair, used both for a client's
// long-term identity key and for its one-time/signed prekeys.
type dhKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// IdentityKeyPair is a client's long-term Proteus identity: an X25519 key
// for Diffie-Hellman handshakes and an Ed25519 key that signs the signed
// prekey, mirroring the IdentityKey/SignedPreKey separation
// signalapp-libsignal's bundle shape assumes (identity key distinct from
// the signed prekey it authenticates).
type IdentityKeyPair struct {
	DH         dhKeyPair
	Signing    ed25519.PrivateKey
	SigningPub ed25519.PublicKey
}

// PreKey is a single one-time X25519 keypair offered to exactly one
// handshake, identified by a small integer id (spec.md §4.9).
type PreKey struct {
	ID      uint16
	KeyPair dhKeyPair
}

// LastResortID is the distinguished id spec.md §4.9 says is "never
// consumed": session-from-prekey may use the last-resort prekey's public
// half to complete a handshake when the caller has exhausted its one-time
// prekeys, but it is never deleted from the store the way an ordinary
// one-time prekey is once used.
const LastResortID uint16 = 0xFFFF

// PreKeyBundle is the CBOR-encoded wire shape a peer publishes so others
// can start a session with it (spec.md §6 "Proteus wire format"). Shape
// follows signalapp-libsignal__bundle.go's BundlePayload: a mandatory
// signed prekey authenticated by the identity key's signature, and an
// optional one-time prekey consumed by at most one handshake.
type PreKeyBundle struct {
	IdentityKey  []byte `cbor:"1,keyasint"`
	SigningKey   []byte `cbor:"2,keyasint"`
	PreKeyID     uint16 `cbor:"3,keyasint"`
	PreKeyPublic []byte `cbor:"4,keyasint"`
	PreKeySig    []byte `cbor:"5,keyasint"`

	OneTimeID     uint16 `cbor:"6,keyasint,omitempty"`
	OneTimePublic []byte `cbor:"7,keyasint,omitempty"`
}

func invalidArg(msg string) error {
	return ccerr.New(ccerr.InvalidArgument, msg)
}
