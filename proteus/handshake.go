package proteus

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/wireapp/core-crypto-go/ccerr"
)

func generateDHKeyPair(rng io.Reader) (dhKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rng, priv[:]); err != nil {
		return dhKeyPair{}, ccerr.Wrap(ccerr.CryptoFailure, "proteus: prekey entropy read failed", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return dhKeyPair{}, ccerr.Wrap(ccerr.CryptoFailure, "proteus: x25519 base-point multiply failed", err)
	}
	var kp dhKeyPair
	copy(kp.Private[:], priv[:])
	copy(kp.Public[:], pub)
	return kp, nil
}

func signEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func verifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

func newIdentityKeyPair(rng io.Reader) (*IdentityKeyPair, error) {
	dh, err := generateDHKeyPair(rng)
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: identity signing key generation failed", err)
	}
	return &IdentityKeyPair{DH: dh, Signing: signPriv, SigningPub: signPub}, nil
}

func dh(priv dhKeyPair, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv.Private[:], pub)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: x25519 agreement failed", err)
	}
	return out, nil
}

// x3dhInfo namespaces this engine's handshake derivation from any other
// consumer of the same identity keys.
const x3dhInfo = "proteus-x3dh"

// deriveRootKey runs HKDF over the concatenated X3DH Diffie-Hellman outputs
// (RFC-style DH1..DH4, omitting DH4 when no one-time prekey was offered)
// and returns a 32-byte root secret the two resulting hash ratchets are
// seeded from.
func deriveRootKey(dhOutputs ...[]byte) ([]byte, error) {
	var ikm []byte
	for _, d := range dhOutputs {
		ikm = append(ikm, d...)
	}
	reader := hkdf.New(sha256.New, ikm, nil, []byte(x3dhInfo))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: root key derivation failed", err)
	}
	return out, nil
}

// initiatorX3DH runs Alice's side of the handshake: she holds her own
// identity key and a fresh ephemeral key, and Bob's published bundle.
// DH1 = IKa x SPKb, DH2 = EKa x IKb, DH3 = EKa x SPKb, DH4 = EKa x OPKb
// (only when a one-time prekey was present), matching X3DH as sketched by
// sxweetlollipop2912-minimal-signal-protocol-go's X3DHHandshakeBundle
// (ephemeral key plus an optional one-time key id travel with the first
// message).
func initiatorX3DH(identity *IdentityKeyPair, ephemeral dhKeyPair, bundle *PreKeyBundle) ([]byte, error) {
	dh1, err := dh(identity.DH, bundle.PreKeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeral, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeral, bundle.PreKeyPublic)
	if err != nil {
		return nil, err
	}
	if len(bundle.OneTimePublic) == 0 {
		return deriveRootKey(dh1, dh2, dh3)
	}
	dh4, err := dh(ephemeral, bundle.OneTimePublic)
	if err != nil {
		return nil, err
	}
	return deriveRootKey(dh1, dh2, dh3, dh4)
}

// responderX3DH runs Bob's side: the roles of DH1/DH2 swap because Bob
// applies his own static keys against Alice's identity/ephemeral public
// keys rather than the other way around, but the four products are the
// same set so the derived root key matches the initiator's.
func responderX3DH(signedPreKey dhKeyPair, identity *IdentityKeyPair, oneTime *dhKeyPair, aliceIdentityPub, aliceEphemeralPub []byte) ([]byte, error) {
	dh1, err := dh(signedPreKey, aliceIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(identity.DH, aliceEphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey, aliceEphemeralPub)
	if err != nil {
		return nil, err
	}
	if oneTime == nil {
		return deriveRootKey(dh1, dh2, dh3)
	}
	dh4, err := dh(*oneTime, aliceEphemeralPub)
	if err != nil {
		return nil, err
	}
	return deriveRootKey(dh1, dh2, dh3, dh4)
}
