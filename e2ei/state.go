package e2ei

import (
	"time"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/mls"
	"github.com/wireapp/core-crypto-go/trust"
)

// ConversationState is the three-way verdict a conversation's members
// resolve to (spec.md §6, SPEC_FULL.md's three-way E2EI conversation
// state): every member has a currently-valid X.509 credential, at least
// one does not, or no member has ever enrolled at all.
type ConversationState int

const (
	Verified ConversationState = iota + 1
	NotVerified
	NotEnabled
)

// ComputeConversationState folds a conversation's membership into a
// verdict, following original_source/crypto/src/e2e_identity/state.rs's
// precedence: the absence of any X.509 credential counts as NotEnabled
// rather than NotVerified (a group that never opted into E2EI is a
// different state than one where verification lapsed), and a single
// Basic or revoked/expired X.509 credential demotes the whole
// conversation to NotVerified.
func ComputeConversationState(members []conversation.Member, trustReg *trust.Registry, now time.Time) ConversationState {
	sawX509 := false
	for _, m := range members {
		if m.Credential.Type() != mls.CredentialTypeX509 {
			continue
		}
		sawX509 = true
		if !credentialVerified(m.Credential, trustReg, now) {
			return NotVerified
		}
	}

	if !sawX509 {
		return NotEnabled
	}
	for _, m := range members {
		if m.Credential.Type() != mls.CredentialTypeX509 {
			return NotVerified
		}
	}
	return Verified
}

func credentialVerified(cred mls.Credential, trustReg *trust.Registry, now time.Time) bool {
	if trustReg == nil || cred.X509 == nil || len(cred.X509.Chain) == 0 {
		return false
	}
	chainDER := make([][]byte, len(cred.X509.Chain))
	for i, c := range cred.X509.Chain {
		chainDER[i] = c.Raw
	}
	_, err := trustReg.ValidateChain(chainDER, now)
	return err == nil
}
