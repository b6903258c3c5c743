package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"livesync/internal/domain"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the token payload accepted from clients.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator turns HS256 bearer tokens into principals.
type Authenticator struct {
	secret         []byte
	allowAnonymous bool
}

func NewAuthenticator(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

// Authenticate validates token. An empty token yields the anonymous principal
// when anonymous access is enabled.
func (a *Authenticator) Authenticate(token string) (domain.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		if a.allowAnonymous {
			return domain.Principal{Anonymous: true}, nil
		}
		return domain.Principal{}, ErrUnauthenticated
	}
	if len(a.secret) == 0 {
		return domain.Principal{}, fmt.Errorf("%w: token verification is not configured", ErrUnauthenticated)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return domain.Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return domain.Principal{
		UserID: claims.Subject,
		Roles:  claims.Roles,
		Claims: map[string]any{"sub": claims.Subject, "iss": claims.Issuer},
	}, nil
}
