package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the bearer token claims accepted on the websocket endpoint.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewAuthenticator returns nil when secret is empty, which disables authentication.
func NewAuthenticator(secret []byte, issuer string, audience string) *Authenticator {
	if len(secret) == 0 {
		return nil
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Authenticator{secret: secret, opts: opts}
}

// Authenticate returns the token subject.
//
// The token is read from "Authorization: Bearer <jwt>" or, for browser peers that
// cannot set headers on a websocket handshake, the access_token query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	tokenStr := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenStr = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	} else {
		tokenStr = r.URL.Query().Get("access_token")
	}
	if tokenStr == "" {
		return "", ErrUnauthenticated
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}
