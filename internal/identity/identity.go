// Package identity resolves a connecting client's {uid,name} (§4.5):
// verifying a signed token if present, and validating its claims against
// the spec's normative uid/name patterns. The signing format itself is
// not spec-mandated, so this follows the teacher's JWT approach
// (go-server/internal/auth/jwt.go) almost unchanged.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	uidPattern  = regexp.MustCompile(`^u_[A-Za-z0-9]{1,32}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,31}$`)
)

// ValidUID reports whether uid matches the spec's normative pattern.
func ValidUID(uid string) bool { return uidPattern.MatchString(uid) }

// ValidName reports whether name matches the spec's normative pattern.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Claims is the payload carried by an identity token.
type Claims struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Valid reports whether the claims' uid/name pass the spec's validation
// rules, independent of signature/expiry (which jwt.ParseWithClaims
// already checks).
func (c Claims) Valid() bool {
	return ValidUID(c.UID) && ValidName(c.Name)
}

// ErrInvalidClaims is returned when a token verifies but its claims fail
// the uid/name validation rules.
var ErrInvalidClaims = errors.New("identity: claims failed validation")

// Manager issues and verifies HMAC-SHA256 signed identity tokens.
type Manager struct {
	secretKey []byte
	ttl       time.Duration
}

// NewManager builds a Manager signing with secretKey and issuing tokens
// valid for ttl.
func NewManager(secretKey string, ttl time.Duration) *Manager {
	return &Manager{secretKey: []byte(secretKey), ttl: ttl}
}

// Issue signs a fresh token carrying {uid,name,exp}.
func (m *Manager) Issue(uid, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UID:  uid,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   uid,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify parses and validates tokenString, returning the claims on
// success. Returns an error (not a bool) for expired/malformed/unsigned
// tokens as well as claims that fail uid/name validation; callers that
// want the spec's "verifier that returns claims or null" behavior should
// treat any error as "no claims" and fall through to fresh-identity
// generation.
func (m *Manager) Verify(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("identity: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, errors.New("identity: invalid token claims")
	}
	if !claims.Valid() {
		return Claims{}, ErrInvalidClaims
	}
	return *claims, nil
}
