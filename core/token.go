package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = NewError(KindAuthorization, "token expired")
	ErrTokenInvalid      = NewError(KindAuthorization, "token invalid")
	ErrUnrecognizedToken = NewError(KindAuthorization, "unrecognized token")
)

const tokenIssuer = "vocalroom"

// ResumeClaims let a client that reconnects take back the identity it had
// on its previous session. The subject is the username.
type ResumeClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

func (c *ResumeClaims) Username() string { return c.Subject }

// ResumeTokens issues and verifies HS256 resume tokens.
type ResumeTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewResumeTokens(secret []byte, ttl time.Duration) *ResumeTokens {
	return &ResumeTokens{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for p. The token carries the session it was issued
// to as its id.
func (t *ResumeTokens) Issue(p Participant) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := &ResumeClaims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Username,
			ID:        p.SessionID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (t *ResumeTokens) Verify(token string) (*ResumeClaims, error) {
	claims := &ResumeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)

	switch {
	case err == nil && parsed.Valid && claims.Subject != "":
		return claims, nil
	case err == nil:
		return nil, ErrUnrecognizedToken
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
