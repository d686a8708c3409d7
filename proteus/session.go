package proteus

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// chainRatchet is a one-directional symmetric hash ratchet: each message
// advances it to a fresh key and erases the previous one, the same
// forward-secrecy shape as mls/key-schedule.go's hashRatchet, generalized
// here to a standalone AEAD key/nonce pair per step rather than an
// MLS-epoch-scoped application secret.
type chainRatchet struct {
	ChainKey []byte
	Counter  uint32
	// Skipped holds message keys for counters already derived but not yet
	// consumed, keyed by counter, so a message arriving out of order can
	// still be decrypted. Bounded by maxSkip.
	Skipped map[uint32][]byte
}

const maxSkip = 1000

func newChainRatchet(seed []byte) *chainRatchet {
	return &chainRatchet{ChainKey: dup(seed), Skipped: map[uint32][]byte{}}
}

func (r *chainRatchet) step() []byte {
	reader := hkdf.New(sha256.New, r.ChainKey, nil, []byte("proteus-chain-step"))
	next := make([]byte, chacha20poly1305.KeySize+32)
	if _, err := io.ReadFull(reader, next); err != nil {
		panic(err)
	}
	msgKey := next[:chacha20poly1305.KeySize]
	r.ChainKey = next[chacha20poly1305.KeySize:]
	return msgKey
}

// keyForCounter advances the ratchet as needed to reach counter, caching
// any intermediate message keys it skips over along the way, and returns
// the key for exactly counter.
func (r *chainRatchet) keyForCounter(counter uint32) ([]byte, error) {
	if key, ok := r.Skipped[counter]; ok {
		delete(r.Skipped, counter)
		return key, nil
	}
	if counter < r.Counter {
		return nil, ccerr.New(ccerr.ProteusDecryptionFailed, "proteus: message counter already consumed")
	}
	if counter-r.Counter > maxSkip {
		return nil, ccerr.New(ccerr.ProteusDecryptionFailed, "proteus: too many skipped messages")
	}
	for r.Counter < counter {
		r.Skipped[r.Counter] = r.step()
		r.Counter++
	}
	r.Counter++
	return r.step(), nil
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Session is one established Proteus session: a sending ratchet and a
// receiving ratchet, both seeded from the same X3DH root key but with
// their roles swapped between the two peers so that Alice's sending chain
// is Bob's receiving chain and vice versa. Every field is exported so
// Save can CBOR-marshal a Session directly, including a still-pending
// handshake header for a session that was created but never sent its
// first message before being persisted.
type Session struct {
	ID               string
	Sending          *chainRatchet
	Receiving        *chainRatchet
	RemoteIdentity   []byte
	PendingHandshake *HandshakeHeader `cbor:",omitempty"`
}

func deriveDirectionalChains(rootKey []byte, initiator bool) (sendSeed, recvSeed []byte, err error) {
	reader := hkdf.New(sha256.New, rootKey, nil, []byte("proteus-directional-chains"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: chain seed derivation failed", err)
	}
	aliceToBob, bobToAlice := buf[:32], buf[32:]
	if initiator {
		return aliceToBob, bobToAlice, nil
	}
	return bobToAlice, aliceToBob, nil
}

// Envelope is the CBOR-encoded wire message for both the handshake-bearing
// first message and every subsequent ciphertext (spec.md §6 "Proteus wire
// format"); Handshake is populated only on the first message from the
// session's initiator.
type Envelope struct {
	Counter    uint32           `cbor:"1,keyasint"`
	Nonce      []byte           `cbor:"2,keyasint"`
	Ciphertext []byte           `cbor:"3,keyasint"`
	Handshake  *HandshakeHeader `cbor:"4,keyasint,omitempty"`
}

// HandshakeHeader carries everything the responder needs to replay the
// X3DH agreement: the initiator's identity and ephemeral public keys plus
// which of the responder's prekeys were used. Shape mirrors
// sxweetlollipop2912-minimal-signal-protocol-go's X3DHHandshakeBundle.
type HandshakeHeader struct {
	IdentityKey  []byte `cbor:"1,keyasint"`
	EphemeralKey []byte `cbor:"2,keyasint"`
	PreKeyID     uint16 `cbor:"3,keyasint"`
	OneTimeID    uint16 `cbor:"4,keyasint,omitempty"`
}

func (s *Session) seal(plaintext []byte) (*Envelope, error) {
	msgKey := s.Sending.step()
	counter := s.Sending.Counter
	s.Sending.Counter++

	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: aead init failed", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binaryPutUint32(nonce, counter)
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{Counter: counter, Nonce: nonce, Ciphertext: ct}, nil
}

func (s *Session) open(env *Envelope) ([]byte, error) {
	msgKey, err := s.Receiving.keyForCounter(env.Counter)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "proteus: aead init failed", err)
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.ProteusDecryptionFailed, "proteus: message authentication failed", err)
	}
	return pt, nil
}

func binaryPutUint32(b []byte, v uint32) {
	b[len(b)-4] = byte(v >> 24)
	b[len(b)-3] = byte(v >> 16)
	b[len(b)-2] = byte(v >> 8)
	b[len(b)-1] = byte(v)
}
