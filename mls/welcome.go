package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// GroupInfo is the confirmed state a committer shares with new joiners via
// a Welcome: enough of the group's public state to reconstruct a State,
// plus the confirmation MAC proving the committer actually reached the new
// epoch secret, all bound together by the committer's signature.
type GroupInfo struct {
	GroupID                      []byte `tls:"head=1"`
	Epoch                        Epoch
	Tree                         RatchetTree
	TreeHash                     []byte      `tls:"head=1"`
	PriorConfirmedTranscriptHash []byte      `tls:"head=1"`
	ConfirmedTranscriptHash      []byte      `tls:"head=1"`
	InterimTranscriptHash        []byte      `tls:"head=1"`
	Path                         *DirectPath `tls:"optional"`
	Confirmation                 []byte      `tls:"head=1"`

	// ExternalPub is the HPKE public key an outsider can perform a fresh
	// DH against to land on this epoch's init secret, the anchor a
	// join-by-external-commit uses in place of a Welcome.
	ExternalPub HPKEPublicKey

	SignerIndex uint32
	Signature   []byte `tls:"head=2"`
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(struct {
		GroupID                      []byte `tls:"head=1"`
		Epoch                        Epoch
		Tree                         RatchetTree
		TreeHash                     []byte `tls:"head=1"`
		PriorConfirmedTranscriptHash []byte `tls:"head=1"`
		ConfirmedTranscriptHash      []byte `tls:"head=1"`
		InterimTranscriptHash        []byte `tls:"head=1"`
		Confirmation                 []byte `tls:"head=1"`
		ExternalPub                  HPKEPublicKey
		SignerIndex                  uint32
	}{
		GroupID:                      gi.GroupID,
		Epoch:                        gi.Epoch,
		Tree:                         gi.Tree,
		TreeHash:                     gi.TreeHash,
		PriorConfirmedTranscriptHash: gi.PriorConfirmedTranscriptHash,
		ConfirmedTranscriptHash:      gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:        gi.InterimTranscriptHash,
		Confirmation:                 gi.Confirmation,
		ExternalPub:                  gi.ExternalPub,
		SignerIndex:                  gi.SignerIndex,
	})
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

// sign fills in SignerIndex and Signature, deriving the signing scheme from
// the shape of the signer's public key since GroupInfo carries no explicit
// ciphersuite of its own.
func (gi *GroupInfo) sign(index leafIndex, priv *SignaturePrivateKey) error {
	gi.SignerIndex = uint32(index)
	gi.TreeHash = gi.Tree.RootHash()

	scheme := signatureSchemeForKey(priv.PublicKey)
	if scheme == SIGNATURE_SCHEME_UNKNOWN {
		return fmt.Errorf("mls.welcome: unable to infer signature scheme for GroupInfo signer")
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(priv, tbs)
	if err != nil {
		return err
	}

	gi.Signature = sig
	return nil
}

// verify checks the GroupInfo's signature against the given signer key; the
// caller is responsible for resolving SignerIndex to that key (e.g. via the
// enclosed Tree's credential for that leaf).
func (gi GroupInfo) verify(pub *SignaturePublicKey) bool {
	if pub == nil {
		return false
	}

	scheme := signatureSchemeForKey(*pub)
	if scheme == SIGNATURE_SCHEME_UNKNOWN {
		return false
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return false
	}

	return scheme.Verify(pub, tbs, gi.Signature)
}

// KeyPackage is the plaintext a Welcome delivers, HPKE-sealed, to each new
// joiner: the secrets needed to derive the new epoch and to implant the
// path secrets the committer KEM'd to that joiner's subtree.
type KeyPackage struct {
	EpochSecret []byte `tls:"head=1"`
	PathSecret  []byte `tls:"head=1"`
}

// EncryptedKeyPackage addresses its KeyPackage to one recipient by the hash
// of the ClientInitKey they offered, since a Welcome carries one of these
// per new joiner.
type EncryptedKeyPackage struct {
	ClientInitKeyHash []byte `tls:"head=1"`
	EncryptedPackage  HPKECiphertext
}

// Welcome is the message a committer sends to every member added in a
// Commit: a GroupInfo symmetrically encrypted under the new epoch secret,
// plus one HPKE-sealed KeyPackage per new joiner addressed to their init
// key.
type Welcome struct {
	Version              ProtocolVersion
	CipherSuite          CipherSuite
	EncryptedKeyPackages []EncryptedKeyPackage `tls:"head=4"`
	EncryptedGroupInfo   []byte                `tls:"head=4"`

	// epochSecret is retained only on the sender's in-memory copy so that
	// subsequent EncryptTo calls can bind each joiner's KeyPackage to the
	// same epoch; it is never marshaled.
	epochSecret []byte `tls:"omit"`
}

func welcomeKeyAndNonce(suite CipherSuite, epochSecret []byte) ([]byte, []byte) {
	constants := suite.constants()
	key := suite.hkdfExpandLabel(epochSecret, "welcome", []byte{}, constants.KeySize)
	nonce := suite.hkdfExpandLabel(epochSecret, "welcome", []byte{}, constants.NonceSize)
	return key, nonce
}

// newWelcome seals gi under epochSecret; joiners are attached afterward via
// EncryptTo, one per new member added by the Commit this Welcome escorts.
func newWelcome(suite CipherSuite, epochSecret []byte, gi *GroupInfo) *Welcome {
	giData, err := syntax.Marshal(gi)
	if err != nil {
		panic(fmt.Errorf("mls.welcome: groupInfo marshal failure %v", err))
	}

	key, nonce := welcomeKeyAndNonce(suite, epochSecret)
	aead, err := suite.newAEAD(key)
	if err != nil {
		panic(fmt.Errorf("mls.welcome: aead init failure %v", err))
	}

	ct := aead.Seal(nil, nonce, giData, []byte{})

	return &Welcome{
		Version:              ProtocolVersionMLS10,
		CipherSuite:          suite,
		EncryptedKeyPackages: []EncryptedKeyPackage{},
		EncryptedGroupInfo:   ct,
		epochSecret:          dup(epochSecret),
	}
}

// EncryptTo attaches an EncryptedKeyPackage addressed to cik, carrying the
// path secret the new joiner needs to implant to reach the group's root.
func (w *Welcome) EncryptTo(cik ClientInitKey, pathSecret []byte) error {
	cikData, err := syntax.Marshal(cik)
	if err != nil {
		return fmt.Errorf("mls.welcome: cik marshal failure %v", err)
	}
	cikHash := w.CipherSuite.digest(cikData)

	kp := KeyPackage{
		EpochSecret: w.epochSecret,
		PathSecret:  pathSecret,
	}
	kpData, err := syntax.Marshal(kp)
	if err != nil {
		return fmt.Errorf("mls.welcome: keyPackage marshal failure %v", err)
	}

	ct, err := w.CipherSuite.hpke().Encrypt(cik.InitKey, []byte{}, kpData)
	if err != nil {
		return fmt.Errorf("mls.welcome: keyPackage encryption failure %v", err)
	}

	w.EncryptedKeyPackages = append(w.EncryptedKeyPackages, EncryptedKeyPackage{
		ClientInitKeyHash: cikHash,
		EncryptedPackage:  ct,
	})
	return nil
}

// Decrypt opens the GroupInfo sealed under epochSecret; the caller derives
// epochSecret from its own copy of a decrypted KeyPackage.
func (w Welcome) Decrypt(suite CipherSuite, epochSecret []byte) (*GroupInfo, error) {
	key, nonce := welcomeKeyAndNonce(suite, epochSecret)
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: aead init failure %v", err)
	}

	data, err := aead.Open(nil, nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: groupInfo decryption failure %v", err)
	}

	gi := new(GroupInfo)
	if _, err := syntax.Unmarshal(data, gi); err != nil {
		return nil, fmt.Errorf("mls.welcome: groupInfo unmarshal failure %v", err)
	}

	return gi, nil
}
