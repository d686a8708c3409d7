package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// externalKeyPair rederives the HPKE key pair a GroupInfo's ExternalPub
// exposes for the epoch initSecret came from. Any member holding the real
// initSecret can compute the same pair; an external party only ever sees
// ExternalPub, and reaches the shared value below by running its own DH
// against it rather than by inverting this derivation.
func externalKeyPair(suite CipherSuite, initSecret []byte) (HPKEPrivateKey, error) {
	return suite.hpke().Derive(initSecret)
}

// GetGroupInfo builds the GroupInfo describing s's current (already
// committed) epoch, standalone from any specific Commit call, so a member
// can publish an anchor for others to join-by-external-commit against.
func (s State) GetGroupInfo() (*GroupInfo, error) {
	extPriv, err := externalKeyPair(s.CipherSuite, s.Keys.InitSecret)
	if err != nil {
		return nil, fmt.Errorf("mls.external: external key derivation failure %v", err)
	}

	hmac := s.CipherSuite.newHMAC(s.Keys.ConfirmationKey)
	hmac.Write(s.ConfirmedTranscriptHash)

	gi := &GroupInfo{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		Tree:                    s.Tree,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		InterimTranscriptHash:   s.InterimTranscriptHash,
		Confirmation:            hmac.Sum(nil),
		ExternalPub:             extPriv.PublicKey,
	}
	if err := gi.sign(s.Index, &s.IdentityPriv); err != nil {
		return nil, fmt.Errorf("mls.external: groupInfo sign failure %v", err)
	}
	return gi, nil
}

// JoinByExternalCommit grafts a fresh leaf for cred (keyed by the
// caller-supplied leafSecret) onto the public group state gi describes,
// with no Welcome and no prior membership: the returned MLSPlaintext is a
// self-authored Commit signed as SenderTypeNewMember, and the returned
// State is what the caller reaches once every existing member accepts it.
// suite must match the group's ciphersuite; GroupInfo carries none of its
// own, so the caller supplies whatever it negotiated with the group out
// of band (e.g. from the ClientInitKey it originally offered).
func JoinByExternalCommit(suite CipherSuite, gi *GroupInfo, leafSecret []byte, cred Credential) (*MLSPlaintext, *State, error) {
	if gi.ExternalPub.Data == nil {
		return nil, nil, fmt.Errorf("mls.external: groupInfo carries no external public key")
	}

	priv, ok := cred.PrivateKey()
	if !ok {
		return nil, nil, fmt.Errorf("mls.external: credential has no local private key")
	}

	leafPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: leaf key generation failure %v", err)
	}

	cik, err := NewClientInitKeyWithInitKey(suite, leafPriv, cred)
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: clientInitKey failure %v", err)
	}

	ephPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: ephemeral key generation failure %v", err)
	}

	shared, err := suite.hpke().dh(ephPriv, gi.ExternalPub)
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: dh failure %v", err)
	}

	next := &State{
		CipherSuite:             suite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    *gi.Tree.clone(),
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(gi.InterimTranscriptHash),
		IdentityPriv:            priv,
		Scheme:                  cred.Scheme(),
		PendingProposals:        []MLSPlaintext{},
		UpdateSecrets:           map[ProposalRef]Bytes1{},
	}

	joinerAdd := &AddProposal{ClientInitKey: *cik}
	if err := next.applyAddProposal(joinerAdd); err != nil {
		return nil, nil, fmt.Errorf("mls.external: self-add failure %v", err)
	}

	selfIndex, ok := next.Tree.Find(*cik)
	if !ok {
		return nil, nil, fmt.Errorf("mls.external: self leaf not found after add")
	}
	next.Index = selfIndex

	prevGroupContext := GroupContext{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		TreeHash:                gi.Tree.RootHash(),
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
	}

	ctx, err := syntax.Marshal(next.groupContext())
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: context marshal failure %v", err)
	}

	path, updateSecret := next.Tree.Encap(next.Index, ctx, leafSecret)

	commit := Commit{
		Path:         *path,
		ExternalInit: &ephPriv.PublicKey,
		JoinerAdd:    joinerAdd,
	}

	pt := &MLSPlaintext{
		GroupID: next.GroupID,
		Epoch:   next.Epoch,
		Sender:  Sender{SenderTypeNewMember, uint32(next.Index)},
		Content: MLSPlaintextContent{
			Commit: &CommitData{Commit: commit},
		},
	}

	digest := suite.newDigest()
	digest.Write(next.InterimTranscriptHash)
	digest.Write(pt.commitContent())
	next.ConfirmedTranscriptHash = digest.Sum(nil)

	next.Epoch += 1

	bootstrapCtx, err := syntax.Marshal(GroupContext{
		GroupID:                 next.GroupID,
		Epoch:                   next.Epoch,
		TreeHash:                next.Tree.RootHash(),
		ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: context marshal failure %v", err)
	}

	bootstrap := keyScheduleEpoch{Suite: suite, InitSecret: shared}
	next.Keys = bootstrap.Next(leafCount(next.Tree.size()), updateSecret, bootstrapCtx)

	hmac := suite.newHMAC(next.Keys.ConfirmationKey)
	hmac.Write(next.ConfirmedTranscriptHash)
	pt.Content.Commit.Confirmation.Data = hmac.Sum(nil)

	pt.sign(prevGroupContext, priv, cred.Scheme())

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, nil, fmt.Errorf("mls.external: auth data failure %v", err)
	}
	digest = suite.newDigest()
	digest.Write(next.ConfirmedTranscriptHash)
	digest.Write(authData)
	next.InterimTranscriptHash = digest.Sum(nil)

	return pt, next, nil
}
