package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	hpke "github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the AEAD / hash / signature / HPKE combination used
// for a group, following the MLS ciphersuite registry.
type CipherSuite uint16

const (
	UnknownCipherSuite                     CipherSuite = 0x0000
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	default:
		return "UnknownCipherSuite"
	}
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256:
		return cipherConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{KeySize: 32, NonceSize: 12, SecretSize: 32}
	case P521_AES256GCM_SHA512_P521:
		return cipherConstants{KeySize: 32, NonceSize: 12, SecretSize: 64}
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}
}

// Constants exposes the AEAD key/nonce sizing for this suite.
func (cs CipherSuite) Constants() cipherConstants {
	return cs.constants()
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New()
	case P521_AES256GCM_SHA512_P521:
		return sha512.New()
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}
}

func (cs CipherSuite) digest(data []byte) []byte {
	h := cs.newDigest()
	h.Write(data)
	return h.Sum(nil)
}

// Digest is the exported form of digest, used by test vectors and callers
// outside the package that only hold a CipherSuite value.
func (cs CipherSuite) Digest(data []byte) []byte {
	return cs.digest(data)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return hmac.New(sha256.New, key)
	case P521_AES256GCM_SHA512_P521:
		return hmac.New(sha512.New, key)
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}
}

func (cs CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256, P521_AES256GCM_SHA512_P521:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs)
	}
}

// NewAEAD is the exported form of newAEAD.
func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	return cs.newAEAD(key)
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.newDigest().Size())
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	digestSize := cs.newDigest().Size()
	if len(ikm) == 0 {
		ikm = make([]byte, digestSize)
	}

	var hashFn func() hash.Hash
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		hashFn = sha256.New
	case P521_AES256GCM_SHA512_P521:
		hashFn = sha512.New
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}

	extractor := hmac.New(hashFn, salt)
	extractor.Write(ikm)
	return extractor.Sum(nil)
}

// hkdfLabel is the "MLS 1.0 " framed label struct used by HKDF-Expand-Label.
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpand(secret []byte, info []byte, size int) []byte {
	var hashFn func() hash.Hash
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		hashFn = sha256.New
	case P521_AES256GCM_SHA512_P521:
		hashFn = sha512.New
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}

	reader := hkdf.Expand(hashFn, secret, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		panic(err)
	}
	return out
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	lbl := hkdfLabel{
		Length:  uint16(length),
		Label:   []byte("mls10 " + label),
		Context: context,
	}

	info, err := syntax.Marshal(lbl)
	if err != nil {
		panic(err)
	}

	return cs.hkdfExpand(secret, info, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, context, cs.newDigest().Size())
}

// appSecretContext is the "node, generation" label context used to derive
// per-message application traffic keys off a hash-ratchet secret.
type appSecretContext struct {
	Node       nodeIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(appSecretContext{Node: node, Generation: generation})
	if err != nil {
		panic(err)
	}

	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

////////// Signature //////////

// SignatureScheme identifies the algorithm used for leaf/handshake
// signatures, independent of the suite's record-layer AEAD choice.
type SignatureScheme uint16

const (
	SIGNATURE_SCHEME_UNKNOWN SignatureScheme = 0x0000
	ECDSA_SECP256R1_SHA256   SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512   SignatureScheme = 0x0603
	Ed25519                  SignatureScheme = 0x0807
)

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	default:
		return "UnknownSignatureScheme"
	}
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	default:
		panic(fmt.Errorf("mls.crypto: %v has no elliptic curve", ss))
	}
}

// SignaturePrivateKey holds the private half of a leaf signature key along
// with its cached public half.
type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

// SignaturePublicKey is the wire form of a leaf's verification key.
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		pub := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	default:
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		h := sha256.Sum256(seed)
		priv := ed25519.NewKeyFromSeed(h[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		h := sha512.Sum512(seed)
		d := new(big.Int).SetBytes(h[:])
		d.Mod(d, curve.Params().N)
		x, y := curve.ScalarBaseMult(d.Bytes())
		pub := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{Data: d.Bytes(), PublicKey: SignaturePublicKey{Data: pub}}, nil

	default:
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		key := new(ecdsa.PrivateKey)
		key.Curve = curve
		key.D = new(big.Int).SetBytes(priv.Data)
		key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(key.D.Bytes())

		digest := sha256.Sum256(message)
		if ss == ECDSA_SECP521R1_SHA512 {
			full := sha512.Sum512(message)
			return ecdsaSign(key, full[:])
		}
		return ecdsaSign(key, digest[:])

	default:
		return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case Ed25519:
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

		digest := sha256.Sum256(message)
		if ss == ECDSA_SECP521R1_SHA512 {
			full := sha512.Sum512(message)
			return ecdsaVerify(key, full[:], signature)
		}
		return ecdsaVerify(key, digest[:], signature)

	default:
		return false
	}
}

// signatureSchemeForKey infers a SignatureScheme from the encoded length of
// a public key, for contexts (like a GroupInfo signature) that carry a
// signer key but no explicit ciphersuite of their own. The three schemes
// this package supports produce keys of distinct lengths, so the length
// alone disambiguates them.
func signatureSchemeForKey(pub SignaturePublicKey) SignatureScheme {
	switch len(pub.Data) {
	case ed25519.PublicKeySize:
		return Ed25519
	case 65:
		return ECDSA_SECP256R1_SHA256
	case 133:
		return ECDSA_SECP521R1_SHA512
	default:
		return SIGNATURE_SCHEME_UNKNOWN
	}
}

////////// HPKE //////////

// HPKEPublicKey and HPKEPrivateKey are the wire forms of an encryption
// keypair used for ratchet-tree path secrets and Welcome encryption.
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// HPKECiphertext is a single-shot sealed-box output: an ephemeral KEM
// encapsulation plus an AEAD-sealed payload.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

func (pub HPKEPublicKey) equals(other *HPKEPublicKey) bool {
	return other != nil && bytes.Equal(pub.Data, other.Data)
}

func (priv HPKEPrivateKey) equals(other HPKEPrivateKey) bool {
	return bytes.Equal(priv.Data, other.Data) && priv.PublicKey.equals(&other.PublicKey)
}

// hpkeScheme wraps the DHKEM construction appropriate for a ciphersuite's
// curve/AEAD/hash triple, grounded on github.com/cisco/go-hpke's identifier
// space for KEM/KDF/AEAD selection.
type hpkeScheme struct {
	suite CipherSuite
	kemID hpke.KEMID
}

func (cs CipherSuite) hpke() hpkeScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return hpkeScheme{suite: cs, kemID: hpke.DHKEM_X25519}
	case P256_AES128GCM_SHA256_P256:
		return hpkeScheme{suite: cs, kemID: hpke.DHKEM_P256}
	case P521_AES256GCM_SHA512_P521:
		return hpkeScheme{suite: cs, kemID: hpke.DHKEM_P521}
	default:
		panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs))
	}
}

func (h hpkeScheme) Generate() (HPKEPrivateKey, error) {
	switch h.kemID {
	case hpke.DHKEM_X25519:
		return x25519Generate(rand.Reader)
	default:
		curve := h.ecCurve()
		priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
		if err != nil {
			return HPKEPrivateKey{}, err
		}
		pub := elliptic.Marshal(curve, x, y)
		return HPKEPrivateKey{Data: priv, PublicKey: HPKEPublicKey{Data: pub}}, nil
	}
}

func (h hpkeScheme) Derive(seed []byte) (HPKEPrivateKey, error) {
	switch h.kemID {
	case hpke.DHKEM_X25519:
		digest := sha256.Sum256(seed)
		return x25519FromSeed(digest[:])
	default:
		curve := h.ecCurve()
		digest := sha512.Sum512(seed)
		d := new(big.Int).SetBytes(digest[:])
		d.Mod(d, curve.Params().N)
		x, y := curve.ScalarBaseMult(d.Bytes())
		pub := elliptic.Marshal(curve, x, y)
		return HPKEPrivateKey{Data: d.Bytes(), PublicKey: HPKEPublicKey{Data: pub}}, nil
	}
}

func (h hpkeScheme) ecCurve() elliptic.Curve {
	switch h.kemID {
	case hpke.DHKEM_P256:
		return elliptic.P256()
	case hpke.DHKEM_P521:
		return elliptic.P521()
	default:
		panic("mls.crypto: not an EC KEM")
	}
}

// Encrypt performs a single-shot HPKE seal: derive an ephemeral keypair,
// run DH against pub, expand the shared secret into an AEAD key/nonce, and
// seal plaintext under aad.
func (h hpkeScheme) Encrypt(pub HPKEPublicKey, aad, plaintext []byte) (HPKECiphertext, error) {
	eph, err := h.Generate()
	if err != nil {
		return HPKECiphertext{}, err
	}

	secret, err := h.dh(eph, pub)
	if err != nil {
		return HPKECiphertext{}, err
	}

	aead, nonce, err := h.keySchedule(secret, eph.PublicKey, pub)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return HPKECiphertext{KEMOutput: eph.PublicKey.Data, Ciphertext: ct}, nil
}

// Decrypt is the corresponding HPKE open for a ciphertext produced by Encrypt.
func (h hpkeScheme) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	ephPub := HPKEPublicKey{Data: ct.KEMOutput}

	secret, err := h.dh(priv, ephPub)
	if err != nil {
		return nil, err
	}

	aead, nonce, err := h.keySchedule(secret, ephPub, priv.PublicKey)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, nonce, ct.Ciphertext, aad)
}

func (h hpkeScheme) dh(priv HPKEPrivateKey, pub HPKEPublicKey) ([]byte, error) {
	switch h.kemID {
	case hpke.DHKEM_X25519:
		return x25519DH(priv, pub)
	default:
		curve := h.ecCurve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return nil, fmt.Errorf("mls.crypto: invalid EC public key")
		}
		sx, _ := curve.ScalarMult(x, y, priv.Data)
		return sx.Bytes(), nil
	}
}

func (h hpkeScheme) keySchedule(secret []byte, ephPub, staticPub HPKEPublicKey) (cipher.AEAD, []byte, error) {
	info := append(dup(ephPub.Data), staticPub.Data...)
	prk := h.suite.hkdfExtract([]byte{}, secret)
	consts := h.suite.constants()

	key := h.suite.hkdfExpand(prk, append([]byte("hpke key"), info...), consts.KeySize)
	nonce := h.suite.hkdfExpand(prk, append([]byte("hpke nonce"), info...), consts.NonceSize)

	aead, err := h.suite.newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	return aead, nonce, nil
}

func ecdsaSign(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	return append(r.Bytes(), s.Bytes()...), nil
}

func ecdsaVerify(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	half := len(signature) / 2
	if half == 0 {
		return false
	}
	r := new(big.Int).SetBytes(signature[:half])
	s := new(big.Int).SetBytes(signature[half:])
	return ecdsa.Verify(pub, digest, r, s)
}

func x25519Generate(reader io.Reader) (HPKEPrivateKey, error) {
	var seed [32]byte
	if _, err := io.ReadFull(reader, seed[:]); err != nil {
		return HPKEPrivateKey{}, err
	}
	return x25519FromSeed(seed[:])
}

func x25519FromSeed(seed []byte) (HPKEPrivateKey, error) {
	priv := make([]byte, curve25519.ScalarSize)
	copy(priv, seed[:curve25519.ScalarSize])

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{Data: priv, PublicKey: HPKEPublicKey{Data: pub}}, nil
}

func x25519DH(priv HPKEPrivateKey, pub HPKEPublicKey) ([]byte, error) {
	return curve25519.X25519(priv.Data, pub.Data)
}
