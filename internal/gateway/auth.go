package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a socket presents no valid token.
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Claims are the token claims the gateway understands. The subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 tokens issued elsewhere. The coordinator never
// issues credentials.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a TokenVerifier. An empty issuer accepts any issuer.
//
// Precondition: secret must be non-empty.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	if secret == "" {
		panic("gateway.NewTokenVerifier: secret must be non-empty")
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a token.
//
// Postcondition: Returns the identity on success; errors wrap ErrUnauthenticated.
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	name := claims.Username
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, Username: name}, nil
}
