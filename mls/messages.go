package mls

import (
	"encoding/hex"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// Epoch counts commits since group creation; it also seeds the key
// schedule's per-epoch secrets.
type Epoch uint64

///
/// ClientInitKey
///

// ClientInitKey is a member's offered init key: the HPKE public key used to
// encrypt that member's slice of a Welcome, bound to a credential by a
// self-signature. privateKey is populated only for a key generated by this
// client and is never put on the wire.
type ClientInitKey struct {
	SupportedVersion ProtocolVersion
	CipherSuite      CipherSuite
	InitKey          HPKEPublicKey
	Credential       Credential
	Extensions       ExtensionList
	Signature        []byte `tls:"head=2"`

	privateKey *HPKEPrivateKey `tls:"omit"`
}

func (cik ClientInitKey) toBeSigned() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(cik.SupportedVersion, cik.CipherSuite, cik.InitKey, cik.Credential, cik.Extensions)
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

// NewClientInitKey generates a fresh HPKE init keypair for cred under suite
// and self-signs it with the credential's signing key.
func NewClientInitKey(suite CipherSuite, cred Credential) (*ClientInitKey, error) {
	priv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	return NewClientInitKeyWithInitKey(suite, priv, cred)
}

// NewClientInitKeyWithInitKey builds a ClientInitKey around a caller-supplied
// init keypair, for callers (such as tree/welcome tests) that need a
// deterministic init secret.
func NewClientInitKeyWithInitKey(suite CipherSuite, priv HPKEPrivateKey, cred Credential) (*ClientInitKey, error) {
	cik := &ClientInitKey{
		SupportedVersion: ProtocolVersionMLS10,
		CipherSuite:      suite,
		InitKey:          priv.PublicKey,
		Credential:       cred,
		Extensions:       ExtensionList{},
		privateKey:       &priv,
	}

	if err := cik.Sign(); err != nil {
		return nil, err
	}
	return cik, nil
}

// Sign re-signs the key package's static fields using the bound credential's
// private key; callers must have generated the credential locally.
func (cik *ClientInitKey) Sign() error {
	signPriv, ok := cik.Credential.PrivateKey()
	if !ok {
		return fmt.Errorf("mls.messages: no signing key available for ClientInitKey")
	}

	tbs, err := cik.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := cik.Credential.Scheme().Sign(&signPriv, tbs)
	if err != nil {
		return err
	}

	cik.Signature = sig
	return nil
}

// Verify checks the ClientInitKey's self-signature against its own
// credential.
func (cik ClientInitKey) Verify() bool {
	tbs, err := cik.toBeSigned()
	if err != nil {
		return false
	}

	pub := cik.Credential.PublicKey()
	if pub == nil {
		return false
	}

	return cik.Credential.Scheme().Verify(pub, tbs, cik.Signature)
}

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

type AddProposal struct {
	ClientInitKey ClientInitKey
}

type UpdateProposal struct {
	LeafKey HPKEPublicKey
}

type RemoveProposal struct {
	Removed leafIndex
}

// Proposal is the tagged union of the three ways a member can propose a
// change to group membership or their own leaf key.
type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		return ProposalTypeInvalid
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		err = fmt.Errorf("mls.messages: invalid proposal type")
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	if _, err := s.Read(&proposalType); err != nil {
		return 0, err
	}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls.messages: invalid proposal type")
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

// ProposalID identifies a pending proposal by the hash of its enclosing
// MLSPlaintext, the way a Commit references proposals it is applying.
type ProposalID struct {
	Hash []byte `tls:"head=1"`
}

func (id ProposalID) String() string {
	return hex.EncodeToString(id.Hash)
}

///
/// Commit
///

type DirectPathNode struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext `tls:"head=2"`
}

// DirectPath carries one new public key (and, for all but the leaf, the
// HPKE-encrypted path secret to each copath resolution) per node from a
// committer's leaf up to the root.
type DirectPath struct {
	Nodes []DirectPathNode `tls:"head=4"`
}

func (dp *DirectPath) addNode(n DirectPathNode) {
	dp.Nodes = append(dp.Nodes, n)
}

// Commit references the pending proposals being applied (by ID, so the
// receiver must already have buffered them) plus the sender's fresh
// DirectPath.
type Commit struct {
	Updates []ProposalID `tls:"head=4"`
	Removes []ProposalID `tls:"head=4"`
	Adds    []ProposalID `tls:"head=4"`
	Path    DirectPath

	// ExternalInit and JoinerAdd are set only on a join-by-external-commit:
	// the joiner isn't a member yet, so their self-Add can't be referenced
	// by id the way a normal committer's proposals are, and ExternalInit
	// carries the ephemeral public half of the DH that stands in for a
	// Welcome-delivered epoch secret.
	ExternalInit *HPKEPublicKey `tls:"optional"`
	JoinerAdd    *AddProposal   `tls:"optional"`
}

// Confirmation is the HMAC, under the new epoch's confirmation key, of the
// new confirmed transcript hash -- proof the committer actually derived the
// epoch secret they claim to have.
type Confirmation struct {
	Data []byte `tls:"head=1"`
}

type CommitData struct {
	Commit       Commit
	Confirmation Confirmation
}

///
/// MLSPlaintext / MLSCiphertext
///

type SenderType uint8

const (
	SenderTypeInvalid       SenderType = 0
	SenderTypeMember        SenderType = 1
	SenderTypePreconfigured SenderType = 2
	SenderTypeNewMember     SenderType = 3
)

type Sender struct {
	Type   SenderType
	Sender uint32
}

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

// MLSPlaintextContent is the tagged union of what an MLSPlaintext carries:
// application data, a bare proposal, or a commit.
type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *CommitData
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	default:
		return ContentTypeInvalid
	}
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.Type()
	err := s.Write(contentType)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	default:
		err = fmt.Errorf("mls.messages: invalid content type")
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	if _, err := s.Read(&contentType); err != nil {
		return 0, err
	}

	var err error
	switch contentType {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(CommitData)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("mls.messages: invalid content type")
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

// Signature is the wire form of an MLSPlaintext's detached signature.
type Signature struct {
	Data []byte `tls:"head=2"`
}

// MLSPlaintext is a handshake (Proposal/Commit) or application message
// before record-layer protection: its signature covers the enclosing
// group's context, so it authenticates against the epoch it was sent in.
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) []byte {
	s := syntax.NewWriteStream()
	_ = s.WriteAll(ctx, struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             Epoch
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		Content           MLSPlaintextContent
	}{
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	})
	return s.Data()
}

func (pt *MLSPlaintext) sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) {
	tbs := pt.toBeSigned(ctx)
	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		panic(fmt.Errorf("mls.messages: plaintext sign failure %v", err))
	}
	pt.Signature = Signature{Data: sig}
}

func (pt MLSPlaintext) verify(ctx GroupContext, pub *SignaturePublicKey, scheme SignatureScheme) bool {
	if pub == nil {
		return false
	}
	tbs := pt.toBeSigned(ctx)
	return scheme.Verify(pub, tbs, pt.Signature.Data)
}

// commitContent is the portion of a Commit-carrying MLSPlaintext that feeds
// the confirmed transcript hash: everything except the signature and
// confirmation themselves, which are produced from that hash.
func (pt MLSPlaintext) commitContent() []byte {
	s := syntax.NewWriteStream()
	_ = s.Write(struct {
		GroupID []byte `tls:"head=1"`
		Epoch   Epoch
		Sender  Sender
		Commit  Commit
	}{
		GroupID: pt.GroupID,
		Epoch:   pt.Epoch,
		Sender:  pt.Sender,
		Commit:  pt.Content.Commit.Commit,
	})
	return s.Data()
}

// commitAuthData is the portion that feeds the interim transcript hash:
// the signature and confirmation MAC produced over commitContent.
func (pt MLSPlaintext) commitAuthData() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(pt.Signature, pt.Content.Commit.Confirmation)
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

// MLSCiphertext is the record-layer-protected wire form of an MLSPlaintext:
// sender identity and generation are themselves encrypted (senderData),
// and the framed content is sealed under a ratcheted per-sender key.
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}
