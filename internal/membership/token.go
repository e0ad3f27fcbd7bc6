// internal/membership/token.go
package membership

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenVersion is the payload layout version stamped into every token.
const TokenVersion = 1

// TokenReason explains why a token failed verification.
type TokenReason string

const (
	TokenMalformed    TokenReason = "malformed"
	TokenBadSignature TokenReason = "bad-signature"
	TokenExpired      TokenReason = "expired"
)

// MembershipToken is a signed, stateless credential attesting that a member
// number was valid when issued.
type MembershipToken struct {
	MemberNo  string    `json:"memberNo"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int       `json:"version"`
	Nonce     string    `json:"nonce"`
	Raw       string    `json:"token"`
	// RefreshAt is when a holder that is online should fetch a new card. It
	// is set by the service on minted cards and is not part of the signature.
	RefreshAt time.Time `json:"refreshAt"`
}

// NearExpiry reports whether the token expires within threshold of now and
// should be refreshed while online.
func (t MembershipToken) NearExpiry(now time.Time, threshold time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(threshold))
}

// DueForRefresh reports whether the card should be refreshed at now. Cards
// without a RefreshAt fall back to NearExpiry with threshold.
func (t MembershipToken) DueForRefresh(now time.Time, threshold time.Duration) bool {
	if t.RefreshAt.IsZero() {
		return t.NearExpiry(now, threshold)
	}
	return !now.Before(t.RefreshAt)
}

// TokenVerdict is the result of verifying a token. An invalid token is an
// expected outcome, not an error.
type TokenVerdict struct {
	Valid    bool
	MemberNo string
	Reason   TokenReason
	Token    MembershipToken
}

type tokenClaims struct {
	jwt.RegisteredClaims
	MemberNo string `json:"mno"`
	Version  int    `json:"ver"`
}

// Tokens issues and verifies membership tokens with a server-held secret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token issuer/verifier.
func NewTokens(secret string, now func() time.Time) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token signing secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(secret), now: now}, nil
}

// Issue signs a new token for memberNo valid for ttl.
func (t *Tokens) Issue(memberNo string, ttl time.Duration) (MembershipToken, error) {
	return t.IssueUntil(memberNo, ttl, time.Time{})
}

// IssueUntil signs a token that expires ttl from now or at notAfter, whichever
// comes first. A zero notAfter means no bound.
func (t *Tokens) IssueUntil(memberNo string, ttl time.Duration, notAfter time.Time) (MembershipToken, error) {
	if !ValidMemberNo(memberNo) {
		return MembershipToken{}, newError(CodeMalformedInput, "invalid member number %q", memberNo)
	}
	if ttl <= 0 {
		return MembershipToken{}, newError(CodeMalformedInput, "token ttl must be positive")
	}

	now := t.now().UTC()
	exp := now.Add(ttl)
	if !notAfter.IsZero() && exp.After(notAfter) {
		exp = notAfter.UTC()
	}
	// Second precision: the JWT NumericDate drops the rest anyway. Truncating
	// the expiry keeps it at or before the bound the caller asked for.
	exp = exp.Truncate(time.Second)
	if !exp.After(now) {
		return MembershipToken{}, newError(CodeNotActive, "token for %s would already be expired", memberNo)
	}

	tok := MembershipToken{
		MemberNo:  memberNo,
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: exp,
		Version:   TokenVersion,
		Nonce:     uuid.NewString(),
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.Nonce,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		MemberNo: memberNo,
		Version:  TokenVersion,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return MembershipToken{}, fmt.Errorf("sign token: %w", err)
	}
	tok.Raw = raw
	return tok, nil
}

// Verify checks shape, signature and expiry of raw. It never consults the
// member record: a token stays valid until its own expiry.
func (t *Tokens) Verify(raw string) TokenVerdict {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenVerdict{Reason: TokenMalformed}
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return TokenVerdict{Reason: tokenErrorReason(err)}
	}

	if claims.Version != TokenVersion || claims.ID == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil || !ValidMemberNo(claims.MemberNo) {
		return TokenVerdict{Reason: TokenMalformed}
	}

	tok := MembershipToken{
		MemberNo:  claims.MemberNo,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		Version:   claims.Version,
		Nonce:     claims.ID,
		Raw:       raw,
	}
	if !tok.ExpiresAt.After(t.now()) {
		return TokenVerdict{MemberNo: tok.MemberNo, Reason: TokenExpired, Token: tok}
	}
	return TokenVerdict{Valid: true, MemberNo: tok.MemberNo, Token: tok}
}

func tokenErrorReason(err error) TokenReason {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return TokenBadSignature
	default:
		return TokenMalformed
	}
}
