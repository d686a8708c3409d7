// Package prng implements the engine's single ChaCha20-based CSPRNG: every
// key generation inside the engine draws from one of these so that tests
// can drive it deterministically by reseeding.
package prng

import (
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20"

	"github.com/wireapp/core-crypto-go/ccerr"
)

const (
	keySize   = chacha20.KeySize
	nonceSize = chacha20.NonceSize
)

// PRNG is a ChaCha20 stream keyed from OS entropy at construction, mixed
// with an optional caller-supplied seed, and refreshed in place by Reseed.
// It is safe for concurrent use.
type PRNG struct {
	mu     sync.Mutex
	key    [keySize]byte
	nonce  [nonceSize]byte
	cipher *chacha20.Cipher
}

// New seeds a PRNG from OS entropy, optionally XOR-mixing in seed (which
// must be exactly 32 bytes if non-nil).
func New(seed []byte) (*PRNG, error) {
	p := &PRNG{}
	if _, err := rand.Read(p.key[:]); err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "prng: failed to read OS entropy", err)
	}

	if seed != nil {
		if len(seed) != keySize {
			return nil, ccerr.New(ccerr.InvalidArgument, "prng: seed must be exactly 32 bytes")
		}
		for i := range p.key {
			p.key[i] ^= seed[i]
		}
	}

	if err := p.rekey(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PRNG) rekey() error {
	c, err := chacha20.NewUnauthenticatedCipher(p.key[:], p.nonce[:])
	if err != nil {
		return ccerr.Wrap(ccerr.Internal, "prng: failed to init chacha20 stream", err)
	}
	p.cipher = c
	return nil
}

// Reseed XOR-mixes exactly 32 bytes of fresh material into the existing
// key and re-keys the stream in place; it never resets state to a value
// derivable from the seed alone.
func (p *PRNG) Reseed(seed []byte) error {
	if len(seed) != keySize {
		return ccerr.New(ccerr.InvalidArgument, "prng: reseed requires exactly 32 bytes")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.key {
		p.key[i] ^= seed[i]
	}
	return p.rekey()
}

// Draw fills buf with stream output.
func (p *PRNG) Draw(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	p.cipher.XORKeyStream(buf, buf)
}

// Bytes draws n fresh bytes.
func (p *PRNG) Bytes(n int) []byte {
	buf := make([]byte, n)
	p.Draw(buf)
	return buf
}

// Read implements io.Reader so the PRNG can be threaded directly into
// APIs (ed25519.GenerateKey, x509 serial generation) that expect one.
func (p *PRNG) Read(buf []byte) (int, error) {
	p.Draw(buf)
	return len(buf), nil
}
