package e2ei

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wireapp/core-crypto-go/ccerr"
)

// dpopValidity is how long a minted DPoP proof is valid for; wire-server's
// dpop-01 challenge checks this against its own clock with some allowed
// skew, so it is kept short.
const dpopValidity = 5 * time.Minute

// BuildDpopToken mints the DPoP proof JWT (spec.md §4.7's "DPoP token
// issuance") binding this Enrollment's fresh keypair to the backend-issued
// challenge nonce, the client's handle, and the challenge target. wire's
// dpop-01 profile signs with the enrollment key directly rather than a
// detached "cnf" JWK thumbprint the way RFC 9449 web DPoP does, since the
// backend already knows which key is being proven over the MLS handshake.
func (e *Enrollment) BuildDpopToken(backendNonce, challengeTarget string) (string, error) {
	now := timeNow()
	claims := jwt.MapClaims{
		"iat":          now.Unix(),
		"exp":          now.Add(dpopValidity).Unix(),
		"nbf":          now.Unix(),
		"sub":          fmt.Sprintf("wireapp://%s", e.Config.ClientID),
		"nonce":        backendNonce,
		"htm":          "POST",
		"htu":          challengeTarget,
		"chal":         backendNonce,
		"handle":       e.Config.Handle,
		"display_name": e.Config.DisplayName,
		"team":         e.Config.Team,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(ed25519.PrivateKey(e.PrivateKey.Data))
	if err != nil {
		return "", ccerr.Wrap(ccerr.CryptoFailure, "e2ei: dpop token signing failed", err)
	}
	return signed, nil
}

// AccessTokenClaims is the subset of an OAuth access token's claims the
// dpop-01 challenge cares about: who it was issued to and when it expires.
// Verifying the backend's own signature over this token is out of scope
// here -- that trust boundary belongs to whatever issued it, not to the
// client assembling a challenge request.
type AccessTokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseAccessToken extracts claims from an opaque access token without
// verifying its signature (jwt.NewParser().ParseUnverified), mirroring
// BuildDpopChallengeRequest's need to read exp/sub back out of a token this
// client did not mint and has no verification key for.
func ParseAccessToken(token string) (*AccessTokenClaims, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.ACMEProtocol, "e2ei: malformed access token", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ccerr.New(ccerr.ACMEProtocol, "e2ei: malformed access token claims")
	}

	out := &AccessTokenClaims{}
	if sub, ok := claims["sub"].(string); ok {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
