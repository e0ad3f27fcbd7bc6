// internal/membership/session.go
package membership

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	Role    Role     `json:"role"`
	Regions []Region `json:"regions,omitempty"`
}

// Sessions issues and parses the bearer credentials carried by authenticated
// callers. The role claim is what the policy evaluator sees.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a session issuer. Its secret must differ from the
// membership token secret so neither credential can stand in for the other.
func NewSessions(secret string, ttl time.Duration, now func() time.Time) (*Sessions, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: now}, nil
}

// Issue signs a session for actor and returns it with its expiry.
func (s *Sessions) Issue(actor *Actor) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:    actor.Role,
		Regions: actor.AllowedRegions,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return raw, exp, nil
}

// Parse validates a bearer session and returns the actor it names.
func (s *Sessions) Parse(raw string) (*Actor, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, wrapError(CodeUnauthenticated, "invalid session", err)
	}

	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, wrapError(CodeUnauthenticated, "invalid session subject", err)
	}
	if !claims.Role.valid() {
		return nil, newError(CodeUnauthenticated, "invalid session role %q", claims.Role)
	}
	return &Actor{UID: uid, Role: claims.Role, AllowedRegions: claims.Regions}, nil
}
