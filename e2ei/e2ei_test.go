package e2ei

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/keystore"
	"github.com/wireapp/core-crypto-go/mls"
)

func testConfig() Config {
	return Config{
		ClientID:    "abcd1234:web@wire.com",
		Handle:      "alice_wire",
		DisplayName: "Alice",
		Team:        "wire",
		ExpirySecs:  90 * 24 * 3600,
	}
}

func fakeDirectory() []byte {
	dir := Directory{
		NewNonce:   "https://acme.example.com/new-nonce",
		NewAccount: "https://acme.example.com/new-account",
		NewOrder:   "https://acme.example.com/new-order",
	}
	data, _ := json.Marshal(dir)
	return data
}

func TestEnrollmentAdvancesThroughDirectoryAndAccount(t *testing.T) {
	enr, err := NewEnrollment(testConfig())
	require.NoError(t, err)
	require.Equal(t, StateCreated, enr.State)
	require.NotEmpty(t, enr.PrivateKey.Data)

	require.NoError(t, enr.IngestDirectory(fakeDirectory()))
	require.Equal(t, StateDirectoryKnown, enr.State)

	req, err := enr.BuildNewAccountRequest("nonce-1")
	require.NoError(t, err)

	var jws map[string]any
	require.NoError(t, json.Unmarshal(req, &jws))
	require.Contains(t, jws, "protected")
	require.Contains(t, jws, "signature")

	acctBody, _ := json.Marshal(Account{Status: "valid"})
	require.NoError(t, enr.IngestAccountResponse("https://acme.example.com/account/1", acctBody))
	require.Equal(t, StateAccountCreated, enr.State)
	require.Equal(t, "https://acme.example.com/account/1", enr.AccountURL)
}

func TestSignJWSSwitchesFromJWKToKid(t *testing.T) {
	enr, err := NewEnrollment(testConfig())
	require.NoError(t, err)

	preAccount, err := enr.signJWS("https://acme.example.com/new-account", "n1", []byte("{}"))
	require.NoError(t, err)
	obj, err := jose.ParseSigned(string(preAccount), []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	require.NotNil(t, obj.Signatures[0].Protected.JSONWebKey)
	require.Empty(t, obj.Signatures[0].Protected.KeyID)

	enr.AccountURL = "https://acme.example.com/account/1"
	postAccount, err := enr.signJWS("https://acme.example.com/new-order", "n2", []byte("{}"))
	require.NoError(t, err)
	obj2, err := jose.ParseSigned(string(postAccount), []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	require.Equal(t, enr.AccountURL, obj2.Signatures[0].Protected.KeyID)
	require.Nil(t, obj2.Signatures[0].Protected.JSONWebKey)
}

func TestFullOrderFlowReachesCertificateIssued(t *testing.T) {
	enr, err := NewEnrollment(testConfig())
	require.NoError(t, err)
	require.NoError(t, enr.IngestDirectory(fakeDirectory()))

	_, err = enr.BuildNewAccountRequest("n1")
	require.NoError(t, err)
	require.NoError(t, enr.IngestAccountResponse("https://acme.example.com/account/1", mustJSON(Account{Status: "valid"})))

	_, err = enr.BuildNewOrderRequest("n2")
	require.NoError(t, err)
	require.NoError(t, enr.IngestOrderResponse("https://acme.example.com/order/1", mustJSON(Order{
		Status:         "pending",
		Finalize:       "https://acme.example.com/order/1/finalize",
		Authorizations: []string{"https://acme.example.com/authz/1"},
	})))
	require.Equal(t, StateOrderCreated, enr.State)
	require.Len(t, enr.Authorizations, 1)

	_, err = enr.BuildAuthzRequest(0, "n3")
	require.NoError(t, err)
	require.NoError(t, enr.IngestAuthzResponse(0, mustJSON(Authorization{
		Status: "pending",
		Challenges: []Challenge{
			{Type: "wire-dpop-01", URL: "https://acme.example.com/challenge/dpop", Token: "tok-1"},
			{Type: "wire-oidc-01", URL: "https://acme.example.com/challenge/oidc", Token: "tok-2"},
		},
	})))
	require.Equal(t, StateAuthzFetched, enr.State)

	dpopToken, err := enr.BuildDpopToken("backend-nonce", "https://acme.example.com/challenge/dpop")
	require.NoError(t, err)
	require.NotEmpty(t, dpopToken)

	_, err = enr.BuildDpopChallengeRequest(0, "n4", "opaque-access-token")
	require.NoError(t, err)
	require.Equal(t, StateDpopChallengePosted, enr.State)

	_, err = enr.BuildOidcChallengeRequest(0, "n5", "opaque-id-token")
	require.NoError(t, err)
	require.Equal(t, StateOidcChallengePosted, enr.State)

	require.NoError(t, enr.IngestOrderStatus(mustJSON(Order{Status: "ready"})))
	require.Equal(t, StateOrderValid, enr.State)

	req, err := enr.BuildFinalizeRequest("n6")
	require.NoError(t, err)
	require.NotEmpty(t, req)
	require.Equal(t, StateFinalized, enr.State)
	require.NotEmpty(t, enr.CSR)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func TestStashPopRoundTrip(t *testing.T) {
	store, err := keystore.Open(t.TempDir()+"/store.db", []byte("passphrase"))
	require.NoError(t, err)

	engine := New(store)
	enr, err := NewEnrollment(testConfig())
	require.NoError(t, err)
	enr.State = StateAuthzFetched

	handle, err := engine.Stash(enr)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	popped, err := engine.StashPop(handle)
	require.NoError(t, err)
	require.Equal(t, enr.ID, popped.ID)
	require.Equal(t, StateAuthzFetched, popped.State)
	require.Equal(t, enr.PrivateKey.Data, popped.PrivateKey.Data)

	_, err = engine.StashPop(handle)
	require.Error(t, err)
}

func TestParseAccessTokenExtractsClaimsWithoutVerification(t *testing.T) {
	enr, err := NewEnrollment(testConfig())
	require.NoError(t, err)

	token, err := enr.BuildDpopToken("nonce", "https://acme.example.com/challenge/dpop")
	require.NoError(t, err)

	claims, err := ParseAccessToken(token)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(dpopValidity), claims.ExpiresAt, 5*time.Second)
}

func TestComputeConversationStateNotEnabledWithNoX509Members(t *testing.T) {
	priv, err := mls.Ed25519.Generate()
	require.NoError(t, err)
	cred := mls.NewBasicCredential([]byte("alice"), mls.Ed25519, &priv)

	members := []conversation.Member{{ClientID: []byte("alice"), Credential: *cred}}
	require.Equal(t, NotEnabled, ComputeConversationState(members, nil, time.Now()))
}
