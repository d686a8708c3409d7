// Package conversation implements the Conversation Engine (C5): the
// per-group MLS state machine driving commits, proposals, welcomes,
// external joins, and out-of-order buffering on top of the mls package's
// wire protocol primitives.
package conversation

import (
	"encoding/hex"
	"sync"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
	"go.uber.org/zap"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/prng"
	"github.com/wireapp/core-crypto-go/trust"
)

// timeNow is a clock seam, consistent with the other C-components.
var timeNow = time.Now

// Kind is a Conversation's coarse lifecycle state (spec.md §4.5).
type Kind int

const (
	Active Kind = iota
	PendingCommit
	PendingExternalJoin
	Removed
)

// WirePolicy selects how handshake messages (proposals, commits) are
// framed on the wire; application messages are always MLSCiphertext.
type WirePolicy int

const (
	WirePolicyPlaintext  WirePolicy = 1
	WirePolicyCiphertext WirePolicy = 2
)

// Config configures a newly created or joined Conversation.
type Config struct {
	WirePolicy      WirePolicy
	ExternalSenders []mls.SignaturePublicKey
}

// Member is a group member as C5 tracks it: a client identity paired with
// the credential currently backing it.
type Member struct {
	ClientID   []byte
	Credential mls.Credential
}

// CommitBundle is the {commit, optional welcome, group-info} triple every
// state-mutating C5 operation returns (spec.md §4.5).
type CommitBundle struct {
	Commit    []byte
	Welcome   *mls.Welcome
	GroupInfo *mls.GroupInfo
}

// Authorizer is the host-provided capability set for external commits and
// external add-proposals (spec.md §4.5, §9 "Callbacks into host"). The
// Engine stores the Authorizer it is given, but no Engine operation calls
// it: external commits and external add-proposals are admitted without
// consulting the host.
type Authorizer interface {
	Authorize(convID []byte, client []byte) bool
	UserAuthorize(convID []byte, externalClient []byte, members []Member) bool
	ClientIsExistingGroupUser(convID []byte, client []byte, members, parentMembers []Member) bool
}

type bufferedMessage struct {
	epoch mls.Epoch
	ct    *mls.MLSCiphertext
}

// Conversation is a single group's MLS state machine.
type Conversation struct {
	mu sync.Mutex

	ID              []byte
	kind            Kind
	Members         []Member
	ExternalSenders []mls.SignaturePublicKey
	Policy          WirePolicy
	ParentID        []byte

	state *mls.State

	pendingProposals  map[string]*mls.MLSPlaintext // hex(ref) -> proposal
	pendingOrder      []string
	pendingCommit     *CommitBundle
	pendingLeafSecret []byte
	pendingNext       *mls.State

	buffered map[mls.Epoch][]bufferedMessage
}

// Kind returns the conversation's current lifecycle state.
func (c *Conversation) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// Epoch returns the conversation's current epoch.
func (c *Conversation) Epoch() mls.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Epoch
}

func (c *Conversation) refreshMembers(trustReg *trust.Registry) {
	n := c.state.Tree.Size()
	members := make([]Member, 0, n)
	for i := uint32(0); i < n; i++ {
		cred := c.state.Tree.MemberCredential(mls.MemberIndex(i))
		if cred == nil {
			continue
		}
		members = append(members, Member{ClientID: clientIDOf(*cred, trustReg), Credential: *cred})
	}
	c.Members = members
}

func clientIDOf(cred mls.Credential, trustReg *trust.Registry) []byte {
	switch cred.Type() {
	case mls.CredentialTypeBasic:
		return cred.Basic.Identity
	case mls.CredentialTypeX509:
		if trustReg == nil || len(cred.X509.Chain) == 0 {
			return nil
		}
		id, err := trustReg.ExtractIdentity(cred.X509.Chain[0].Raw, timeNow())
		if err != nil {
			return nil
		}
		return []byte(id.ClientID)
	default:
		return nil
	}
}

// Engine is the top-level C5 handle: it owns every local Conversation and
// the collaborators (keystore, credential registry, authorization
// callbacks) needed to drive them.
type Engine struct {
	mu            sync.Mutex
	store         *keystore.Store
	trust         *trust.Registry
	authz         Authorizer
	rng           *prng.PRNG
	log           *zap.SugaredLogger
	conversations map[string]*Conversation
}

func New(store *keystore.Store, trustReg *trust.Registry, authz Authorizer, rng *prng.PRNG, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		store:         store,
		trust:         trustReg,
		authz:         authz,
		rng:           rng,
		log:           log,
		conversations: map[string]*Conversation{},
	}
}

func (e *Engine) key(convID []byte) string { return hex.EncodeToString(convID) }

// Get returns the Conversation for convID, or NotFound.
func (e *Engine) Get(convID []byte) (*Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[e.key(convID)]
	if !ok {
		return nil, ccerr.New(ccerr.NotFound, "conversation: no such conversation")
	}
	return c, nil
}

// ListConversations returns every conversation this Engine currently
// tracks, in no particular order, for callers (the Rotation Coordinator)
// that must fan an operation out across all of them.
func (e *Engine) ListConversations() []*Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		out = append(out, c)
	}
	return out
}

func (e *Engine) put(c *Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conversations[e.key(c.ID)] = c
}

// CreateConversation creates a fresh group with the caller as sole
// member; no commit is produced (spec.md §4.5).
func (e *Engine) CreateConversation(convID []byte, cred mls.Credential, cfg Config) (*Conversation, error) {
	if _, err := e.Get(convID); err == nil {
		return nil, ccerr.New(ccerr.AlreadyExists, "conversation: already exists")
	}

	if _, ok := cred.PrivateKey(); !ok {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: credential has no local private key")
	}

	suite := ciphersuiteForScheme(cred)
	leafPriv, err := mls.GenerateLeafKey(suite)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: leaf key generation failed", err)
	}

	state := mls.NewEmptyState(convID, suite, leafPriv, cred)

	c := &Conversation{
		ID:               convID,
		kind:             Active,
		state:            state,
		Policy:           cfg.WirePolicy,
		ExternalSenders:  cfg.ExternalSenders,
		pendingProposals: map[string]*mls.MLSPlaintext{},
		buffered:         map[mls.Epoch][]bufferedMessage{},
	}
	if c.Policy == 0 {
		c.Policy = WirePolicyCiphertext
	}
	c.refreshMembers(e.trust)

	e.put(c)
	e.log.Debugw("conversation: created", "conv", e.key(convID))
	return c, nil
}

// JoinFromWelcome admits the local client to a group via a Welcome it was
// sent, mirroring what NewJoinedState does for the wire-level State.
func (e *Engine) JoinFromWelcome(ciks []mls.ClientInitKey, welcome mls.Welcome) (*Conversation, error) {
	state, err := mls.NewJoinedState(ciks, welcome)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: welcome processing failed", err)
	}

	c := &Conversation{
		ID:               state.GroupID,
		kind:             Active,
		state:            state,
		Policy:           WirePolicyCiphertext,
		pendingProposals: map[string]*mls.MLSPlaintext{},
		buffered:         map[mls.Epoch][]bufferedMessage{},
	}
	c.refreshMembers(e.trust)

	e.put(c)
	e.log.Debugw("conversation: joined via welcome", "conv", e.key(c.ID))
	return c, nil
}

// GroupInfo returns a shareable anchor for the conversation's current
// epoch, the artifact a prospective member fetches out of band (e.g. from
// the delivery service) to join-by-external-commit (spec.md §4.5, §8
// scenario 3).
func (e *Engine) GroupInfo(convID []byte) (*mls.GroupInfo, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gi, err := c.state.GetGroupInfo()
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: group info failed", err)
	}
	return gi, nil
}

// JoinByExternalCommit admits the local client to a group it isn't a
// member of yet, using a GroupInfo fetched out of band instead of a
// Welcome. The new conversation starts PendingExternalJoin: it cannot
// encrypt or decrypt until MergePendingGroupFromExternalCommit confirms
// the delivery service accepted the commit (spec.md §4.5, §8 scenario 3).
func (e *Engine) JoinByExternalCommit(groupInfo *mls.GroupInfo, cred mls.Credential, cfg Config) (*Conversation, *CommitBundle, error) {
	if _, err := e.Get(groupInfo.GroupID); err == nil {
		return nil, nil, ccerr.New(ccerr.AlreadyExists, "conversation: already exists")
	}
	if _, ok := cred.PrivateKey(); !ok {
		return nil, nil, ccerr.New(ccerr.InvalidArgument, "conversation: credential has no local private key")
	}

	suite := ciphersuiteForScheme(cred)
	leafSecret := e.rng.Bytes(32)

	pt, next, err := mls.JoinByExternalCommit(suite, groupInfo, leafSecret, cred)
	if err != nil {
		return nil, nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: external commit failed", err)
	}

	// The joiner never held the prior epoch's handshake secret, so this
	// commit can only be framed as plaintext regardless of wire policy.
	wire, err := marshalPlaintext(pt)
	if err != nil {
		return nil, nil, err
	}

	gi, err := next.GetGroupInfo()
	if err != nil {
		return nil, nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: external commit group info failed", err)
	}

	policy := cfg.WirePolicy
	if policy == 0 {
		policy = WirePolicyCiphertext
	}

	c := &Conversation{
		ID:               groupInfo.GroupID,
		kind:             PendingExternalJoin,
		Policy:           policy,
		ExternalSenders:  cfg.ExternalSenders,
		state:            next,
		pendingProposals: map[string]*mls.MLSPlaintext{},
		buffered:         map[mls.Epoch][]bufferedMessage{},
		pendingCommit:    &CommitBundle{Commit: wire, GroupInfo: gi},
	}
	c.refreshMembers(e.trust)

	e.put(c)
	e.log.Debugw("conversation: external commit staged", "conv", e.key(c.ID))
	return c, c.pendingCommit, nil
}

// AddClients validates each keypackage's credential chain, then produces
// a Commit + Welcome + GroupInfo admitting all of them at once (spec.md
// §4.5).
func (e *Engine) AddClients(convID []byte, ciks []mls.ClientInitKey) (*CommitBundle, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingCommit {
		return nil, ccerr.New(ccerr.SelfCommitPending, "conversation: a commit is already pending")
	}
	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	for _, cik := range ciks {
		if cik.Credential.Type() == mls.CredentialTypeX509 && e.trust != nil {
			chainDER := derChain(cik.Credential)
			if _, verr := e.trust.ValidateChain(chainDER, timeNow()); verr != nil {
				return nil, verr
			}
		}
		pt := c.state.Add(cik)
		c.state.PendingProposals = append(c.state.PendingProposals, *pt)
	}

	return c.commitLocked(e)
}

// RemoveClients silently ignores client ids not present; it produces no
// pending commit if the resulting proposal set is empty.
func (e *Engine) RemoveClients(convID []byte, clientIDs [][]byte) (*CommitBundle, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingCommit {
		return nil, ccerr.New(ccerr.SelfCommitPending, "conversation: a commit is already pending")
	}

	any := false
	for _, target := range clientIDs {
		idx, ok := c.findMemberIndex(target)
		if !ok {
			continue
		}
		pt := c.state.RemoveIndex(idx)
		c.state.PendingProposals = append(c.state.PendingProposals, *pt)
		any = true
	}
	if !any {
		return nil, nil
	}

	return c.commitLocked(e)
}

func (c *Conversation) findMemberIndex(clientID []byte) (mls.MemberIndex, bool) {
	n := c.state.Tree.Size()
	for i := uint32(0); i < n; i++ {
		cred := c.state.Tree.MemberCredential(mls.MemberIndex(i))
		if cred == nil {
			continue
		}
		if bytesEqual(clientIDOf(*cred, nil), clientID) {
			return mls.MemberIndex(i), true
		}
	}
	return 0, false
}

// UpdateKeyingMaterial produces a self-update commit rotating the local
// member's path secret.
func (e *Engine) UpdateKeyingMaterial(convID []byte) (*CommitBundle, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingCommit {
		return nil, ccerr.New(ccerr.SelfCommitPending, "conversation: a commit is already pending")
	}

	return c.commitLocked(e)
}

// UpdateCredential swaps the local member's credential (e.g. a freshly
// issued X.509 certificate replacing a Basic or expiring credential) and
// produces the self-update commit carrying it forward, for the Rotation
// Coordinator (C8) to drive across every conversation the rotating client
// belongs to.
func (e *Engine) UpdateCredential(convID []byte, cred mls.Credential) (*CommitBundle, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingCommit {
		return nil, ccerr.New(ccerr.SelfCommitPending, "conversation: a commit is already pending")
	}
	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	priv, ok := cred.PrivateKey()
	if !ok {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: credential has no private key")
	}
	if err := c.state.UpdateCredential(cred, priv); err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: credential update failed", err)
	}

	return c.commitLocked(e)
}

// ProposalKind selects what NewProposal stages.
type ProposalKind int

const (
	ProposalAdd ProposalKind = iota
	ProposalUpdate
	ProposalRemove
)

// NewProposal stores a proposal locally without transitioning the
// conversation's state, returning its 16-byte reference.
func (e *Engine) NewProposal(convID []byte, kind ProposalKind, cik *mls.ClientInitKey, removeClientID []byte) ([]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var pt *mls.MLSPlaintext
	switch kind {
	case ProposalAdd:
		if cik == nil {
			return nil, ccerr.New(ccerr.InvalidArgument, "conversation: add proposal requires a keypackage")
		}
		pt = c.state.Add(*cik)
	case ProposalUpdate:
		secret := e.rng.Bytes(32)
		pt = c.state.Update(secret)
	case ProposalRemove:
		idx, ok := c.findMemberIndex(removeClientID)
		if !ok {
			return nil, ccerr.New(ccerr.NotFound, "conversation: client not a member")
		}
		pt = c.state.RemoveIndex(idx)
	default:
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: unknown proposal kind")
	}

	c.state.PendingProposals = append(c.state.PendingProposals, *pt)
	ref := c.state.ProposalRef(*pt)
	c.pendingProposals[hex.EncodeToString(ref)] = pt
	c.pendingOrder = append(c.pendingOrder, hex.EncodeToString(ref))
	return ref, nil
}

// CommitPendingProposals returns a commit bundle over every currently
// staged proposal, or nil if none are staged.
func (e *Engine) CommitPendingProposals(convID []byte) (*CommitBundle, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingCommit {
		return nil, ccerr.New(ccerr.SelfCommitPending, "conversation: a commit is already pending")
	}
	if len(c.state.PendingProposals) == 0 {
		return nil, nil
	}

	return c.commitLocked(e)
}

// commitLocked runs mls.State.Commit and frames the result per the
// conversation's wire policy. Caller must hold c.mu.
func (c *Conversation) commitLocked(e *Engine) (*CommitBundle, error) {
	leafSecret := e.rng.Bytes(32)

	pt, welcome, next, err := c.state.Commit(leafSecret)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: commit failed", err)
	}

	var wire []byte
	if c.Policy == WirePolicyCiphertext {
		ct, err := c.state.EncryptHandshake(pt)
		if err != nil {
			return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: commit encryption failed", err)
		}
		wire, err = marshalCiphertext(ct)
		if err != nil {
			return nil, err
		}
	} else {
		wire, err = marshalPlaintext(pt)
		if err != nil {
			return nil, err
		}
	}

	var gi *mls.GroupInfo
	var bundledWelcome *mls.Welcome
	if welcome != nil && hadJoiners(pt) {
		bundledWelcome = welcome
		gi, err = welcome.Decrypt(next.CipherSuite, next.Keys.EpochSecret)
		if err != nil {
			return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: welcome self-check failed", err)
		}
	}

	bundle := &CommitBundle{Commit: wire, Welcome: bundledWelcome, GroupInfo: gi}

	c.pendingCommit = bundle
	c.pendingLeafSecret = leafSecret
	c.pendingNext = next
	c.kind = PendingCommit
	c.pendingProposals = map[string]*mls.MLSPlaintext{}
	c.pendingOrder = nil

	return bundle, nil
}

// CommitAccepted merges the pending commit, bumps the epoch, drains any
// buffered-for-this-epoch messages, and returns them in arrival order.
func (e *Engine) CommitAccepted(convID []byte) ([][]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind != PendingCommit || c.pendingNext == nil {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: no pending commit to accept")
	}

	c.state = c.pendingNext
	c.pendingNext = nil
	c.pendingCommit = nil
	c.pendingLeafSecret = nil
	c.kind = Active
	c.refreshMembers(e.trust)

	return c.drainBufferedLocked(), nil
}

// MergePendingGroupFromExternalCommit finalizes a join-by-external-commit
// once the delivery service confirms it was accepted, moving the
// conversation from PendingExternalJoin to Active and draining anything
// buffered for the new epoch in the meantime (spec.md §4.5, §8 scenario 3).
// The conversation's state already reflects the joined epoch from the
// moment JoinByExternalCommit returned; this only clears the gate that
// kept Encrypt/Decrypt from running ahead of DS acceptance.
func (e *Engine) MergePendingGroupFromExternalCommit(convID []byte) ([][]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind != PendingExternalJoin {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: no pending external join to merge")
	}

	c.pendingCommit = nil
	c.kind = Active
	c.refreshMembers(e.trust)

	return c.drainBufferedLocked(), nil
}

// ClearPendingCommit rolls back a pending commit, permitted only when the
// caller has authoritative DS rejection.
func (c *Conversation) ClearPendingCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCommit = nil
	c.pendingNext = nil
	c.pendingLeafSecret = nil
	if c.kind == PendingCommit {
		c.kind = Active
	}
}

// ClearPendingProposal removes a single staged proposal by its 16-byte
// reference.
func (c *Conversation) ClearPendingProposal(ref []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hex.EncodeToString(ref)
	delete(c.pendingProposals, key)

	filtered := c.state.PendingProposals[:0]
	for _, pt := range c.state.PendingProposals {
		if hex.EncodeToString(c.state.ProposalRef(pt)) != key {
			filtered = append(filtered, pt)
		}
	}
	c.state.PendingProposals = filtered
}

// HandleProposal verifies and stages a proposal received from another
// member, or from a preconfigured external sender listed in
// ExternalSenders, returning its ref the same way NewProposal does so it
// can later be committed or cleared. This is the Decryption Pipeline's
// (C6) entry point for the Proposal/External-Proposal classifications.
func (e *Engine) HandleProposal(convID []byte, pt *mls.MLSPlaintext) ([]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}
	if pt.Content.Proposal == nil {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: not a proposal")
	}

	switch pt.Sender.Type {
	case mls.SenderTypeMember:
		if !c.state.VerifySender(pt) {
			return nil, ccerr.New(ccerr.Unauthorized, "conversation: proposal signature invalid")
		}
	case mls.SenderTypePreconfigured:
		idx := int(pt.Sender.Sender)
		if idx < 0 || idx >= len(c.ExternalSenders) || !c.state.VerifyExternalSender(pt, c.ExternalSenders[idx]) {
			return nil, ccerr.New(ccerr.Unauthorized, "conversation: external proposal signature invalid")
		}
	default:
		return nil, ccerr.New(ccerr.Unauthorized, "conversation: unsupported proposal sender")
	}

	c.state.PendingProposals = append(c.state.PendingProposals, *pt)
	ref := c.state.ProposalRef(*pt)
	c.pendingProposals[hex.EncodeToString(ref)] = pt
	c.pendingOrder = append(c.pendingOrder, hex.EncodeToString(ref))
	return ref, nil
}

// HandleCommit applies a commit received from another member (including
// a join-by-external-commit authored by a SenderTypeNewMember), advancing
// the conversation directly to the new epoch and draining anything
// buffered for it. isActive is false iff the commit removed the local
// member, in which case the conversation transitions to Removed.
func (e *Engine) HandleCommit(convID []byte, pt *mls.MLSPlaintext) (drained [][]byte, isActive bool, err error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == Removed {
		return nil, false, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	next, herr := c.state.Handle(pt)
	if herr != nil {
		return nil, false, ccerr.Wrap(ccerr.CryptoFailure, "conversation: commit handling failed", herr)
	}
	if next == nil {
		return nil, false, ccerr.New(ccerr.InvalidArgument, "conversation: not a commit")
	}

	c.state = next
	c.pendingProposals = map[string]*mls.MLSPlaintext{}
	c.pendingOrder = nil
	c.pendingCommit = nil
	c.pendingNext = nil
	c.pendingLeafSecret = nil

	isActive = c.state.Tree.MemberCredential(c.state.SelfIndex()) != nil
	if isActive {
		c.kind = Active
	} else {
		c.kind = Removed
	}
	c.refreshMembers(e.trust)

	return c.drainBufferedLocked(), isActive, nil
}

// MarkConversationAsChildOf sets a back-reference used by the host
// authorization callback.
func (e *Engine) MarkConversationAsChildOf(child, parent []byte) error {
	c, err := e.Get(child)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ParentID = parent
	return nil
}

// DecryptHandshake opens a handshake (Proposal or Commit) ciphertext
// without consuming it as application content, the bridging call the
// Decryption Pipeline (C6) needs since mls.State.DecryptHandshake is
// only reachable through a Conversation's unexported state.
func (e *Engine) DecryptHandshake(convID []byte, ct *mls.MLSCiphertext) (*mls.MLSPlaintext, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pt, err := c.state.DecryptHandshake(ct)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: handshake decrypt failed", err)
	}
	return pt, nil
}

// SenderCredential returns the credential occupying a conversation's
// leaf at index, for resolving a handled message's WireIdentity.
func (c *Conversation) SenderCredential(index mls.MemberIndex) (*mls.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred := c.state.Tree.MemberCredential(index)
	if cred == nil {
		return nil, false
	}
	return cred, true
}

// Encrypt seals an application message under the conversation's current
// epoch; it fails with ExternalJoinNotMerged while a join-by-external-
// commit has not yet been merged.
func (e *Engine) Encrypt(convID []byte, plaintext []byte) ([]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingExternalJoin {
		return nil, ccerr.New(ccerr.ExternalJoinNotMerged, "conversation: external join not yet merged")
	}
	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	ct, err := c.state.Protect(plaintext)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: encrypt failed", err)
	}
	return marshalCiphertext(ct)
}

// Decrypt opens an application ciphertext already known to belong to the
// conversation's current epoch. Cross-epoch classification (buffering,
// stale/future rejection) is the Decryption Pipeline's (C6) job; it calls
// BufferForEpoch for next-epoch messages, and HandleCommit, CommitAccepted
// and MergePendingGroupFromExternalCommit drain that buffer.
func (e *Engine) Decrypt(convID []byte, ciphertext []byte) ([]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingExternalJoin {
		return nil, ccerr.New(ccerr.ExternalJoinNotMerged, "conversation: external join not yet merged")
	}
	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	ct, err := unmarshalCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	return c.unprotectLocked(ct)
}

// DecryptApplication opens an already-classified application ciphertext,
// the bridging call the Decryption Pipeline (C6) uses once it has
// established ct belongs to the conversation's current epoch -- skipping
// the marshal round trip Decrypt needs for its raw-bytes callers.
func (e *Engine) DecryptApplication(convID []byte, ct *mls.MLSCiphertext) ([]byte, error) {
	c, err := e.Get(convID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kind == PendingExternalJoin {
		return nil, ccerr.New(ccerr.ExternalJoinNotMerged, "conversation: external join not yet merged")
	}
	if c.kind == Removed {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: conversation removed")
	}

	return c.unprotectLocked(ct)
}

// unprotectLocked opens ct under the conversation's current epoch. Caller
// must hold c.mu.
func (c *Conversation) unprotectLocked(ct *mls.MLSCiphertext) ([]byte, error) {
	pt, err := c.state.Unprotect(ct)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.CryptoFailure, "conversation: decrypt failed", err)
	}
	return pt, nil
}

// BufferForEpoch stages an application ciphertext addressed to an epoch
// this conversation hasn't reached yet (spec.md's Buffered Message). It
// holds the raw ciphertext rather than a decrypted plaintext: the epoch
// N+1 ratchet doesn't exist locally until the commit reaching it is
// processed, so there is nothing to decrypt with until drain time.
func (c *Conversation) BufferForEpoch(epoch mls.Epoch, ct *mls.MLSCiphertext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered[epoch] = append(c.buffered[epoch], bufferedMessage{epoch: epoch, ct: ct})
}

func (c *Conversation) drainBufferedLocked() [][]byte {
	msgs := c.buffered[c.state.Epoch]
	delete(c.buffered, c.state.Epoch)

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		pt, err := c.state.Unprotect(m.ct)
		if err != nil {
			continue
		}
		out = append(out, pt)
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func derChain(cred mls.Credential) [][]byte {
	if cred.X509 == nil {
		return nil
	}
	out := make([][]byte, 0, len(cred.X509.Chain))
	for _, c := range cred.X509.Chain {
		out = append(out, c.Raw)
	}
	return out
}

func hadJoiners(pt *mls.MLSPlaintext) bool {
	if pt.Content.Commit == nil {
		return false
	}
	return len(pt.Content.Commit.Commit.Adds) > 0
}

// marshalPlaintext frames a handshake message (Proposal/Commit) as a
// WireMessage, the envelope the Decryption Pipeline (C6) reads back off
// the wire to classify it without decrypting first.
func marshalPlaintext(pt *mls.MLSPlaintext) ([]byte, error) {
	data, err := syntax.Marshal(mls.WireMessage{Plaintext: pt})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "conversation: plaintext marshal failure", err)
	}
	return data, nil
}

// marshalCiphertext frames any ciphertext -- application or handshake --
// as a WireMessage. One outer envelope for every wire-visible message
// type (plaintext handshake, ciphertext, Welcome) is what lets a
// decryption pipeline classify a payload before it knows anything else
// about it; RFC 9420's own MLSMessage enum takes the same approach
// rather than leaving Application content bare.
func marshalCiphertext(ct *mls.MLSCiphertext) ([]byte, error) {
	data, err := syntax.Marshal(mls.WireMessage{Ciphertext: ct})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "conversation: ciphertext marshal failure", err)
	}
	return data, nil
}

func unmarshalCiphertext(data []byte) (*mls.MLSCiphertext, error) {
	var w mls.WireMessage
	if _, err := syntax.Unmarshal(data, &w); err != nil {
		return nil, ccerr.Wrap(ccerr.Internal, "conversation: ciphertext unmarshal failure", err)
	}
	if w.Ciphertext == nil {
		return nil, ccerr.New(ccerr.InvalidArgument, "conversation: not a ciphertext message")
	}
	return w.Ciphertext, nil
}

func ciphersuiteForScheme(cred mls.Credential) mls.CipherSuite {
	pub := cred.PublicKey()
	if pub == nil {
		return mls.X25519_AES128GCM_SHA256_Ed25519
	}
	switch len(pub.Data) {
	case 65:
		return mls.P256_AES128GCM_SHA256_P256
	case 133:
		return mls.P521_AES256GCM_SHA512_P521
	default:
		return mls.X25519_AES128GCM_SHA256_Ed25519
	}
}
