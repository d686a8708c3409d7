// Package keystore implements the engine's transactional, encrypted
// key-value store. Every record is typed from a small closed set, every
// value is AEAD-sealed under a master key derived from the caller-supplied
// passphrase before it is ever held in the in-memory map that backs this
// process-local store, and every public mutation happens inside a single
// transaction so that either all of it persists or none of it does.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// EntityType is the closed set of record kinds the keystore recognizes.
type EntityType string

const (
	TypeCredential        EntityType = "Credential"
	TypeKeyPackage        EntityType = "KeyPackage"
	TypeGroup             EntityType = "Group"
	TypeProteusSession    EntityType = "ProteusSession"
	TypeProteusPrekey     EntityType = "ProteusPrekey"
	TypePendingEnrollment EntityType = "PendingEnrollment"
	TypeTrustAnchor       EntityType = "TrustAnchor"
	TypeIntermediate      EntityType = "Intermediate"
	TypeCRL               EntityType = "CRL"
)

const (
	saltSize = 16
	keySize  = chacha20poly1305.KeySize
)

type record struct {
	typ        EntityType
	ciphertext []byte
	nonce      []byte
}

// Store is the encrypted, in-memory-backed transactional database. A real
// deployment would back this with a file or SQLite page store; this
// engine's contract (spec.md §4.1/§6) only requires "a single encrypted
// database (name chosen by caller)", which this type satisfies as an
// addressable handle independent of the backing medium.
type Store struct {
	mu      sync.Mutex
	name    string
	key     [keySize]byte
	salt    [saltSize]byte
	records map[string]record
	// outstanding counts child handles (e.g. a stashed Enrollment borrowed
	// out via Pop) that must be returned before Close may succeed.
	outstanding int
	closed      bool
}

// Open derives a master key from passphrase via Argon2id and returns a
// fresh Store named name. Two Opens of the same name with the same
// passphrase are independent in-memory instances; persistence across
// process restarts is the concern of a backing medium this package does
// not implement, per spec.md's Non-goals on storage transport.
func Open(name string, passphrase []byte) (*Store, error) {
	s := &Store{
		name:    name,
		records: map[string]record{},
	}
	if _, err := rand.Read(s.salt[:]); err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "keystore: failed to read salt entropy", err)
	}

	key := argon2.IDKey(passphrase, s.salt[:], 1, 64*1024, 4, keySize)
	copy(s.key[:], key)
	return s, nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "keystore: aead init failure", err)
	}
	return aead, nil
}

func recordKey(typ EntityType, id string) string {
	return string(typ) + ":" + id
}

// Tx is a single transactional unit of work: every Put/Delete call made
// through it either all commit (on a nil return from the closure passed to
// Store.Transact) or none do.
type Tx struct {
	store   *Store
	puts    map[string]record
	deletes map[string]struct{}
}

// Transact runs fn inside a transaction. If fn returns a non-nil error,
// none of the Tx's Put/Delete calls are applied to the store — matching
// the cancellation contract ("a half-run commit leaves no pending-commit
// record") without needing real rollback-log machinery, since all writes
// are staged in the Tx until commit.
func (s *Store) Transact(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ccerr.New(ccerr.KeystoreCorrupted, "keystore: store is closed")
	}

	tx := &Tx{store: s, puts: map[string]record{}, deletes: map[string]struct{}{}}
	if err := fn(tx); err != nil {
		return err
	}

	for k, r := range tx.puts {
		s.records[k] = r
	}
	for k := range tx.deletes {
		delete(s.records, k)
	}
	return nil
}

// Put seals value under the store's master key and stages it for write
// under (typ, id).
func (tx *Tx) Put(typ EntityType, id string, value []byte) error {
	aead, err := tx.store.aead()
	if err != nil {
		return err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return ccerr.Wrap(ccerr.Internal, "keystore: failed to read nonce entropy", err)
	}

	ct := aead.Seal(nil, nonce, value, nil)
	tx.puts[recordKey(typ, id)] = record{typ: typ, ciphertext: ct, nonce: nonce}
	delete(tx.deletes, recordKey(typ, id))
	return nil
}

// Delete stages removal of (typ, id).
func (tx *Tx) Delete(typ EntityType, id string) {
	tx.deletes[recordKey(typ, id)] = struct{}{}
	delete(tx.puts, recordKey(typ, id))
}

// Get reads and decrypts (typ, id), seeing the committed store plus this
// transaction's own uncommitted writes (read-your-writes within a Tx).
func (tx *Tx) Get(typ EntityType, id string) ([]byte, error) {
	key := recordKey(typ, id)
	if r, ok := tx.puts[key]; ok {
		return tx.store.decrypt(r)
	}
	if _, deleted := tx.deletes[key]; deleted {
		return nil, ccerr.New(ccerr.NotFound, "keystore: no record "+key)
	}

	r, ok := tx.store.records[key]
	if !ok {
		return nil, ccerr.New(ccerr.NotFound, "keystore: no record "+key)
	}
	return tx.store.decrypt(r)
}

// List returns the ids of every record of typ currently committed plus
// this transaction's staged writes.
func (tx *Tx) List(typ EntityType) []string {
	seen := map[string]bool{}
	var ids []string
	prefix := string(typ) + ":"
	for k := range tx.store.records {
		if _, deleted := tx.deletes[k]; deleted {
			continue
		}
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
			seen[k] = true
		}
	}
	for k := range tx.puts {
		if seen[k] {
			continue
		}
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids
}

func (s *Store) decrypt(r record) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, r.nonce, r.ciphertext, nil)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KeystoreCorrupted, "keystore: record authentication failure", err)
	}
	return pt, nil
}

// Get reads and decrypts (typ, id) outside any explicit transaction, for
// read-only callers (e.g. listings used to build host-facing views).
func (s *Store) Get(typ EntityType, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ccerr.New(ccerr.KeystoreCorrupted, "keystore: store is closed")
	}
	r, ok := s.records[recordKey(typ, id)]
	if !ok {
		return nil, ccerr.New(ccerr.NotFound, "keystore: no record "+recordKey(typ, id))
	}
	return s.decrypt(r)
}

// List returns every id currently stored under typ.
func (s *Store) List(typ EntityType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(typ) + ":"
	var ids []string
	for k := range s.records {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids
}

// AddRef increments the outstanding child-handle count, preventing Close
// until a matching Release.
func (s *Store) AddRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding++
}

// Release decrements the outstanding child-handle count.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding > 0 {
		s.outstanding--
	}
}

// Close marks the store closed, failing with KeystoreLocked if any child
// handle (e.g. a stashed Enrollment borrowed via Pop) is still outstanding.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding > 0 {
		return ccerr.New(ccerr.KeystoreLocked, "keystore: outstanding child handles remain")
	}
	s.closed = true
	return nil
}

// Wipe destroys every record in the backing database. Unlike Close, Wipe
// does not require that outstanding handles be released first — a caller
// wiping the database has already accepted that any live handle into it
// is invalidated.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]record{}
}
