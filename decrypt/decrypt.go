// Package decrypt implements the Decryption Pipeline (C6): a single entry
// point that classifies an incoming wire payload into
// {Application, Proposal, Commit, Welcome-echo, External-Proposal} and
// drives the matching Conversation Engine (C5) transition, generalizing
// the classify-then-dispatch logic the teacher's Session.handle performed
// inline (decode the handshake stream, compare the sender to self, apply).
package decrypt

import (
	"errors"
	"time"

	syntax "github.com/cisco/go-tls-syntax"

	"github.com/wireapp/core-crypto-go/ccerr"
	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/trust"
)

// timeNow is a clock seam, consistent with the other C-components.
var timeNow = time.Now

// Kind is how a decrypted payload was classified (spec.md §4.6).
type Kind int

const (
	KindApplication Kind = iota
	KindProposal
	KindCommit
	KindWelcomeEcho
	KindExternalProposal
)

// Message is the result of a single Decrypt call.
type Message struct {
	Kind Kind

	// Plaintext is set for KindApplication.
	Plaintext []byte

	// ProposalRef is set for KindProposal/KindExternalProposal.
	ProposalRef []byte

	// Buffered holds application plaintexts that became decryptable
	// because handling this commit advanced the conversation to the
	// epoch they were waiting on.
	Buffered [][]byte

	// IsActive is set for KindCommit; it is false iff the commit removed
	// the local member.
	IsActive bool

	// SenderIdentity is populated when the message's sender is a group
	// member (not a not-yet-joined external committer or preconfigured
	// sender) whose credential is X.509 and a trust Registry was given.
	SenderIdentity *trust.WireIdentity

	// CommitDelayMillis is a server-suggested backoff, rescaled to
	// milliseconds, for KindCommit results -- set only when a
	// CommitDelay func was configured.
	CommitDelayMillis int64

	// Duplicate marks a payload that was already decrypted once
	// (AlreadyDecrypted); the caller is expected to ignore it.
	Duplicate bool
}

// CommitDelay resolves a server-suggested commit backoff for a
// conversation, e.g. from a delivery service response header. A nil
// CommitDelay means Pipeline never reports one.
type CommitDelay func(convID []byte) time.Duration

// Pipeline is the C6 handle: it wraps a Conversation Engine and an
// optional trust Registry for WireIdentity extraction.
type Pipeline struct {
	Engine      *conversation.Engine
	Trust       *trust.Registry
	CommitDelay CommitDelay
}

// New constructs a Pipeline over engine. trustReg may be nil, in which
// case SenderIdentity is never populated.
func New(engine *conversation.Engine, trustReg *trust.Registry) *Pipeline {
	return &Pipeline{Engine: engine, Trust: trustReg}
}

// Decrypt classifies payload and drives convID's matching transition.
//
// payload is always a mls.WireMessage envelope: Application ciphertext
// is no exception, since the classification this function performs has
// to happen before anything else about the payload is known, and a bare
// MLSCiphertext's leading GroupID length byte cannot be reliably told
// apart from a WireMessage's leading type tag.
func (p *Pipeline) Decrypt(convID, payload []byte) (*Message, error) {
	conv, err := p.Engine.Get(convID)
	if err != nil {
		return nil, err
	}

	var w mls.WireMessage
	if _, err := syntax.Unmarshal(payload, &w); err != nil {
		return nil, ccerr.Wrap(ccerr.InvalidArgument, "decrypt: malformed payload", err)
	}

	switch w.Type() {
	case mls.WireMessageWelcome:
		// A Welcome arriving for a conversation this pipeline already
		// tracks can only be an echo of the one that admitted the local
		// member: genuine first-time consumption only ever happens
		// through Engine.JoinFromWelcome, which doesn't need a
		// pre-existing convID to look up in the first place.
		return &Message{Kind: KindWelcomeEcho}, nil

	case mls.WireMessagePlaintext:
		return p.handlePlaintext(conv, w.Plaintext)

	case mls.WireMessageCiphertext:
		return p.handleCiphertext(conv, w.Ciphertext)

	default:
		return nil, ccerr.New(ccerr.InvalidArgument, "decrypt: empty wire message")
	}
}

func (p *Pipeline) handleCiphertext(conv *conversation.Conversation, ct *mls.MLSCiphertext) (*Message, error) {
	current := conv.Epoch()
	switch {
	case ct.Epoch < current:
		return nil, ccerr.New(ccerr.WrongEpochStale, "decrypt: message from a past epoch")
	case ct.Epoch > current+1:
		return nil, ccerr.New(ccerr.WrongEpochFuture, "decrypt: message too far ahead of the local epoch")
	case ct.Epoch == current+1:
		conv.BufferForEpoch(ct.Epoch, ct)
		return nil, ccerr.New(ccerr.BufferedForFutureEpoch, "decrypt: buffered for next epoch")
	}

	switch ct.ContentType {
	case mls.ContentTypeApplication:
		plain, err := p.Engine.DecryptApplication(conv.ID, ct)
		if err != nil {
			if errors.Is(err, mls.ErrGenerationExpired) {
				return &Message{Kind: KindApplication, Duplicate: true}, nil
			}
			return nil, err
		}
		return &Message{Kind: KindApplication, Plaintext: plain}, nil

	case mls.ContentTypeProposal, mls.ContentTypeCommit:
		pt, err := p.Engine.DecryptHandshake(conv.ID, ct)
		if err != nil {
			if errors.Is(err, mls.ErrGenerationExpired) {
				kind := KindProposal
				if ct.ContentType == mls.ContentTypeCommit {
					kind = KindCommit
				}
				return &Message{Kind: kind, Duplicate: true}, nil
			}
			return nil, err
		}
		return p.handlePlaintext(conv, pt)

	default:
		return nil, ccerr.New(ccerr.InvalidArgument, "decrypt: unrecognized content type")
	}
}

func (p *Pipeline) handlePlaintext(conv *conversation.Conversation, pt *mls.MLSPlaintext) (*Message, error) {
	switch pt.Content.Type() {
	case mls.ContentTypeApplication:
		return nil, ccerr.New(ccerr.InvalidArgument, "decrypt: application content must not be plaintext-framed")
	case mls.ContentTypeProposal:
		return p.handleProposal(conv, pt)
	case mls.ContentTypeCommit:
		return p.handleCommit(conv, pt)
	default:
		return nil, ccerr.New(ccerr.InvalidArgument, "decrypt: unrecognized content type")
	}
}

func (p *Pipeline) handleProposal(conv *conversation.Conversation, pt *mls.MLSPlaintext) (*Message, error) {
	ref, err := p.Engine.HandleProposal(conv.ID, pt)
	if err != nil {
		return nil, err
	}

	kind := KindProposal
	if pt.Sender.Type == mls.SenderTypePreconfigured {
		kind = KindExternalProposal
	}

	return &Message{
		Kind:           kind,
		ProposalRef:    ref,
		SenderIdentity: p.resolveIdentity(conv, pt),
	}, nil
}

func (p *Pipeline) handleCommit(conv *conversation.Conversation, pt *mls.MLSPlaintext) (*Message, error) {
	drained, isActive, err := p.Engine.HandleCommit(conv.ID, pt)
	if err != nil {
		return nil, err
	}

	return &Message{
		Kind:              KindCommit,
		Buffered:          drained,
		IsActive:          isActive,
		SenderIdentity:    p.resolveIdentity(conv, pt),
		CommitDelayMillis: p.commitDelayMillis(conv.ID),
	}, nil
}

func (p *Pipeline) commitDelayMillis(convID []byte) int64 {
	if p.CommitDelay == nil {
		return 0
	}
	return p.CommitDelay(convID).Milliseconds()
}

// resolveIdentity surfaces a message's sender WireIdentity when the
// sender is a seated group member with an X.509 credential. A
// SenderTypePreconfigured or SenderTypeNewMember sender has no tree
// index to resolve a credential from in the first place.
func (p *Pipeline) resolveIdentity(conv *conversation.Conversation, pt *mls.MLSPlaintext) *trust.WireIdentity {
	if p.Trust == nil || pt.Sender.Type != mls.SenderTypeMember {
		return nil
	}

	cred, ok := conv.SenderCredential(mls.MemberIndex(pt.Sender.Sender))
	if !ok || cred.Type() != mls.CredentialTypeX509 || len(cred.X509.Chain) == 0 {
		return nil
	}

	id, err := p.Trust.ExtractIdentity(cred.X509.Chain[0].Raw, timeNow())
	if err != nil {
		return nil
	}
	return id
}
