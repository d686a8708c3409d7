package mls

// This file exposes the package-private leafIndex/nodeIndex space to
// other packages as plain uint32s, the same boundary session.go's
// exported methods used to draw (e.g. its remove(evictSecret, index
// uint32) converting to leafIndex internally) before a from-scratch
// Conversation engine replaced Session as the public-facing layer.

// MemberIndex identifies a tree leaf (a group member) to callers outside
// this package, which cannot name the private leafIndex type directly.
type MemberIndex uint32

// Size returns the number of leaves this tree can currently address.
func (t *RatchetTree) Size() uint32 {
	return uint32(t.size())
}

// MemberCredential returns the credential occupying the leaf at index,
// or nil if that leaf is blank.
func (t *RatchetTree) MemberCredential(index MemberIndex) *Credential {
	return t.GetCredential(leafIndex(index))
}

// FindMember returns the leaf index occupying cik's offered key, if any.
func (t *RatchetTree) FindMember(cik ClientInitKey) (MemberIndex, bool) {
	idx, ok := t.Find(cik)
	return MemberIndex(idx), ok
}

// SelfIndex returns the local member's own leaf index in s.
func (s State) SelfIndex() MemberIndex {
	return MemberIndex(s.Index)
}

// RemoveIndex builds a Remove proposal targeting index's leaf.
func (s *State) RemoveIndex(index MemberIndex) *MLSPlaintext {
	return s.Remove(leafIndex(index))
}

// ProposalRef returns the first 16 bytes of pt's proposal id, the
// granularity external callers (spec.md's conversation engine) address a
// pending proposal by.
func (s State) ProposalRef(pt MLSPlaintext) []byte {
	full := s.proposalID(pt).Hash
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

// EncryptHandshake seals any MLSPlaintext (proposal or commit, not just
// application data) into wire ciphertext, for callers whose conversation
// wire policy is Ciphertext rather than Plaintext handshake framing.
func (s *State) EncryptHandshake(pt *MLSPlaintext) (*MLSCiphertext, error) {
	return s.encrypt(pt)
}

// DecryptHandshake opens any MLSCiphertext back to its MLSPlaintext,
// independent of content type, for the Ciphertext wire policy path.
func (s *State) DecryptHandshake(ct *MLSCiphertext) (*MLSPlaintext, error) {
	return s.decrypt(ct)
}

// VerifyExternalSender checks a SenderTypePreconfigured proposal's
// signature against pub, an entry from the group's out-of-band external
// senders list. Handle cannot do this verification itself since
// mls.State carries no notion of registered external sender keys -- that
// list is conversation-level configuration, not group wire state.
func (s State) VerifyExternalSender(pt *MLSPlaintext, pub SignaturePublicKey) bool {
	if pt.Sender.Type != SenderTypePreconfigured {
		return false
	}
	return pt.verify(s.groupContext(), &pub, s.Scheme)
}

// GenerateLeafKey generates a fresh HPKE leaf key pair under suite, for
// callers (the conversation engine) that need one before a State exists
// to generate it on their behalf.
func GenerateLeafKey(suite CipherSuite) (HPKEPrivateKey, error) {
	return suite.hpke().Generate()
}

// VerifySender checks pt's signature against the credential at its
// claimed sender leaf, the same verification Handle performs internally,
// exposed for callers (the decryption pipeline) that must classify a
// message before deciding whether to hand it to Handle.
func (s State) VerifySender(pt *MLSPlaintext) bool {
	if pt.Sender.Type != SenderTypeMember {
		return false
	}
	cred := s.Tree.GetCredential(leafIndex(pt.Sender.Sender))
	if cred == nil {
		return false
	}
	return pt.verify(s.groupContext(), cred.PublicKey(), s.Scheme)
}
