// Package auth verifies the session tokens players present on authenticate.
// Tokens are HS256 JWTs whose subject is the player id and whose role claim
// is player, facilitator or observer.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

const issuer = "bizsim"

type claims struct {
	jwt.RegisteredClaims
	Role internal.Role `json:"role,omitempty"`
}

type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func New(secret string, now func() time.Time) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{secret: []byte(secret), now: now}
}

// AuthenticatePlayer validates a token and returns the identity it carries.
func (a *Authenticator) AuthenticatePlayer(_ context.Context, token string) (internal.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return internal.Identity{}, errs.Protocol(errs.CodeAuthFailed, "token is required")
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return internal.Identity{}, mapJWTError(err)
	}

	if parsed.Subject == "" {
		return internal.Identity{}, errs.Protocol(errs.CodeAuthFailed, "token has no subject")
	}
	role := parsed.Role
	if role == "" {
		role = internal.RolePlayer
	}
	if !role.Valid() {
		return internal.Identity{}, errs.Protocol(errs.CodeAuthFailed, "token carries unknown role %q", role)
	}
	return internal.Identity{PlayerID: parsed.Subject, Role: role}, nil
}

// Issue signs a token for the player, valid for ttl.
func (a *Authenticator) Issue(who internal.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   who.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: who.Role,
	})
	return token.SignedString(a.secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errs.Protocol(errs.CodeAuthFailed, "token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errs.Protocol(errs.CodeAuthFailed, "token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return errs.Protocol(errs.CodeAuthFailed, "token issuer mismatch")
	}
	return errs.Protocol(errs.CodeAuthFailed, "token is invalid: %v", err)
}
