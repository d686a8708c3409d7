// Package corecrypto is the top-level handle wiring the Keystore (C1),
// PRNG (C2), Credential Registry (C3), KeyPackage Manager (C4),
// Conversation Engine (C5), Decryption Pipeline (C6), E2EI Enrollment
// (C7), Rotation Coordinator (C8), and Proteus Sessions (C9) into the
// single Instance spec.md §3 describes, generalizing the teacher's
// top-level Session type (which wired its own state machine directly to
// a keystore and a signature scheme) to the full nine-component engine.
package corecrypto

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/decrypt"
	"github.com/wireapp/core-crypto-go/e2ei"
	"github.com/wireapp/core-crypto-go/keypackage"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/prng"
	"github.com/wireapp/core-crypto-go/proteus"
	"github.com/wireapp/core-crypto-go/rotation"
	"github.com/wireapp/core-crypto-go/trust"
)

// Config configures a newly opened Instance. There is no config file
// format here -- the engine is a library, not a service -- so Config is
// a plain struct with defaults filled in by Open/OpenDeferred, the same
// shape conversation.Config and e2ei.Config already use.
type Config struct {
	// Name is the backing database's caller-chosen name (spec.md §6
	// "Persistence layout").
	Name string
	// Passphrase derives the keystore's master key via Argon2id.
	Passphrase []byte
	// ClientID is this device's opaque identity. Leave empty and call
	// OpenDeferred to open keystore-only, upgrading later via
	// InitWithClientID.
	ClientID []byte
	// Seed optionally mixes caller entropy into the PRNG at open time.
	Seed []byte
	// Authorizer supplies the three host callbacks for external
	// commits/proposals (spec.md §4.5, §9 "Callbacks into host"). It is
	// handed to the Conversation Engine, which stores it but does not call
	// it. May be nil.
	Authorizer conversation.Authorizer
	// Log receives structured logs at state transitions. A nil Log
	// becomes a no-op logger.
	Log *zap.SugaredLogger
}

// Instance is the C-component wiring spec.md §3 describes: it owns a
// keystore, a PRNG, a credential registry, and (once a client id is
// known) a conversation-id-to-Conversation mapping and everything built
// on top of it. All public operations are serialized by mu, the
// idiomatic-Go rendering of spec.md §5's "single-threaded per Instance".
type Instance struct {
	mu sync.Mutex

	store *keystore.Store
	rng   *prng.PRNG
	trust *trust.Registry
	log   *zap.SugaredLogger

	clientID []byte

	conversations *conversation.Engine
	keyPackages   *keypackage.Manager
	decryptor     *decrypt.Pipeline
	rotator       *rotation.Coordinator
	proteusEngine *proteus.Engine
	enrollments   *e2ei.Engine

	authz conversation.Authorizer

	// enrollmentArena holds Enrollments this Instance currently has
	// borrowed out in memory (freshly created, or popped from a stash),
	// under an opaque handle -- spec.md §9's "arena-allocated entries
	// held by the Instance with opaque handles; the Enrollment never
	// owns its Instance". Each entry holds a matching keystore.AddRef
	// until it is stashed back, consumed, or explicitly discarded, so
	// Close fails with KeystoreLocked while any remain live.
	enrollmentArena map[string]*e2ei.Enrollment

	closed bool
}

func (cfg *Config) logger() *zap.SugaredLogger {
	if cfg.Log != nil {
		return cfg.Log
	}
	return zap.NewNop().Sugar()
}

func newBase(cfg Config) (*Instance, error) {
	if cfg.Name == "" {
		return nil, ccerr.New(ccerr.InvalidArgument, "corecrypto: database name must not be empty")
	}

	store, err := keystore.Open(cfg.Name, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	rng, err := prng.New(cfg.Seed)
	if err != nil {
		return nil, err
	}
	log := cfg.logger()

	return &Instance{
		store:           store,
		rng:             rng,
		trust:           trust.New(log),
		log:             log,
		authz:           cfg.Authorizer,
		enrollments:     e2ei.New(store),
		enrollmentArena: map[string]*e2ei.Enrollment{},
	}, nil
}

// Open creates an Instance with a client identity already known
// (spec.md §3 "open-with-client-id").
func Open(cfg Config) (*Instance, error) {
	if len(cfg.ClientID) == 0 {
		return nil, ccerr.New(ccerr.InvalidArgument, "corecrypto: Open requires a ClientID; use OpenDeferred for a keystore-only instance")
	}
	inst, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	inst.initWithClientID(cfg.ClientID)
	return inst, nil
}

// OpenDeferred creates a keystore-and-PRNG-only Instance (spec.md §3
// "deferred-open"). Every operation that needs a client identity --
// conversations, key packages, decryption, rotation -- fails
// with InvalidArgument until InitWithClientID is called, mirroring the
// original implementation's try_new/mls_init split.
func OpenDeferred(cfg Config) (*Instance, error) {
	return newBase(cfg)
}

// ClientID returns the Instance's client identity, or nil if this
// Instance was deferred-opened and never upgraded.
func (i *Instance) ClientID() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID
}

// InitWithClientID upgrades a deferred-opened Instance with clientID,
// constructing the Conversation Engine, KeyPackage Manager, Decryption
// Pipeline, Rotation Coordinator, and Proteus Engine that depend on one.
// Fails with AlreadyExists if this Instance already has a client
// identity, matching the original's "prevents wrong usage instead of
// silently hiding the mistake" guard on mls_init.
func (i *Instance) InitWithClientID(clientID []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.clientID) != 0 {
		return ccerr.New(ccerr.AlreadyExists, "corecrypto: instance already has a client identity")
	}
	if len(clientID) == 0 {
		return ccerr.New(ccerr.InvalidArgument, "corecrypto: client id must not be empty")
	}
	i.initWithClientID(clientID)
	return nil
}

// initWithClientID assumes mu is held (or the Instance is not yet
// published to a caller, as in Open).
func (i *Instance) initWithClientID(clientID []byte) {
	i.clientID = clientID
	i.conversations = conversation.New(i.store, i.trust, i.authz, i.rng, i.log)
	i.keyPackages = keypackage.New(i.store)
	i.decryptor = decrypt.New(i.conversations, i.trust)
	i.rotator = rotation.New(i.conversations, i.keyPackages, i.trust)
	// Proteus identity generation draws on the same keystore and PRNG
	// but is otherwise independent of the MLS client id -- spec.md §4.9
	// never ties a Proteus session to a client identity -- so its
	// construction cannot itself fail the upgrade; a failure here is a
	// keystore/PRNG problem that would have already surfaced in
	// newBase, not something initWithClientID should swallow. It is
	// surfaced the first time a caller reaches for Proteus() instead.
	if pe, err := proteus.New(i.store, i.rng); err == nil {
		i.proteusEngine = pe
	}
	i.log.Debugw("corecrypto: instance initialized", "clientID", string(clientID))
}

func (i *Instance) requireClientID() error {
	if len(i.clientID) == 0 {
		return ccerr.New(ccerr.InvalidArgument, "corecrypto: instance has no client identity; call InitWithClientID first")
	}
	return nil
}

func (i *Instance) requireOpen() error {
	if i.closed {
		return ccerr.New(ccerr.KeystoreLocked, "corecrypto: instance is closed")
	}
	return nil
}

// PRNG returns the Instance's PRNG (C2), for a caller driving key
// generation or reseed directly (spec.md §4.2).
func (i *Instance) PRNG() *prng.PRNG {
	return i.rng
}

// Trust returns the Instance's credential/trust registry (C3).
func (i *Instance) Trust() *trust.Registry {
	return i.trust
}

// Conversations returns the Instance's Conversation Engine (C5), or an
// error if no client identity has been set yet.
func (i *Instance) Conversations() (*conversation.Engine, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if err := i.requireClientID(); err != nil {
		return nil, err
	}
	return i.conversations, nil
}

// KeyPackages returns the Instance's KeyPackage Manager (C4).
func (i *Instance) KeyPackages() (*keypackage.Manager, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if err := i.requireClientID(); err != nil {
		return nil, err
	}
	return i.keyPackages, nil
}

// Decryptor returns the Instance's Decryption Pipeline (C6).
func (i *Instance) Decryptor() (*decrypt.Pipeline, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if err := i.requireClientID(); err != nil {
		return nil, err
	}
	return i.decryptor, nil
}

// Rotation returns the Instance's Rotation Coordinator (C8).
func (i *Instance) Rotation() (*rotation.Coordinator, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if err := i.requireClientID(); err != nil {
		return nil, err
	}
	return i.rotator, nil
}

// Proteus returns the Instance's Proteus Engine (C9). Unlike the other
// per-client-id subsystems, Proteus sessions have no dependency on an
// MLS client identity, so this is available on a deferred-opened
// Instance too.
func (i *Instance) Proteus() (*proteus.Engine, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.requireOpen(); err != nil {
		return nil, err
	}
	if i.proteusEngine == nil {
		pe, err := proteus.New(i.store, i.rng)
		if err != nil {
			return nil, err
		}
		i.proteusEngine = pe
	}
	return i.proteusEngine, nil
}

// Close closes the backing keystore, failing with KeystoreLocked if any
// Enrollment is still borrowed out of the arena (spec.md §3 "close fails
// if there are outstanding references to child objects").
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.store.Close(); err != nil {
		return err
	}
	i.closed = true
	return nil
}

// Wipe destroys the entire backing database and resets every in-memory
// collaborator built on top of it, regardless of outstanding Enrollment
// handles (spec.md §3: "Wipe does not require that outstanding handles
// be released first").
func (i *Instance) Wipe() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.store.Wipe()
	i.trust = trust.New(i.log)
	i.enrollments = e2ei.New(i.store)
	for range i.enrollmentArena {
		i.store.Release()
	}
	i.enrollmentArena = map[string]*e2ei.Enrollment{}
	i.proteusEngine = nil
	if len(i.clientID) != 0 {
		clientID := i.clientID
		i.clientID = nil
		i.initWithClientID(clientID)
	}
}
