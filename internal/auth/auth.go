// Package auth verifies the bearer credential presented during the
// connection handshake and extracts the identity claim bound to it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/charla-ai/charla/internal/securemem"
)

// Kind classifies a handshake authentication failure.
type Kind int

const (
	// KindMissing means no credential was presented at all.
	KindMissing Kind = iota
	// KindInvalid means a credential was presented but failed
	// signature or expiry verification.
	KindInvalid
)

// Error is a handshake authentication failure. Its message is part of the
// client compatibility contract and must not change.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	if e.Kind == KindMissing {
		return "Autenticación requerida"
	}
	return "Token inválido"
}

// Is makes errors.Is match on the failure kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

var (
	// ErrMissing is returned when no token is presented.
	ErrMissing = &Error{Kind: KindMissing}
	// ErrInvalid is returned when the token fails verification.
	ErrInvalid = &Error{Kind: KindInvalid}
)

// IsMissing reports whether err is a missing-credential failure.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing)
}

// IsInvalid reports whether err is an invalid-credential failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

// Claim is the decoded identity attached to an admitted connection.
// Immutable after creation.
type Claim struct {
	Subject   string
	ExpiresAt time.Time
}

// Verifier validates HS256-signed bearer tokens. It is stateless apart from
// the signing secret and safe for concurrent use.
type Verifier struct {
	secret *securemem.String
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: securemem.NewString(secret)}
}

// Verify checks the token and returns its identity claim. It fails with
// ErrMissing when token is empty and ErrInvalid when the signature, expiry
// or subject cannot be verified. Deterministic, no side effects.
func (v *Verifier) Verify(token string) (*Claim, error) {
	if token == "" {
		return nil, ErrMissing
	}

	var (
		parsed *jwt.Token
		err    error
	)
	claims := &jwt.RegisteredClaims{}
	v.secret.WithBytes(func(key []byte) {
		parsed, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, ErrInvalid
	}

	claim := &Claim{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		claim.ExpiresAt = claims.ExpiresAt.Time
	}
	return claim, nil
}

// Sign mints a token for subject, valid for ttl. Intended for local
// development setups where no external issuer exists.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	var (
		signed string
		err    error
	)
	v.secret.WithBytes(func(key []byte) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		})
		signed, err = token.SignedString(key)
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Close destroys the signing secret.
func (v *Verifier) Close() {
	v.secret.Destroy()
}
