// ABOUTME: JWT-based identity resolution for incoming connections
// ABOUTME: HS256 tokens carrying account, org, and team claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the resolved identity of an authenticated connection.
// Connections without a token simply have no identity; that is not an error.
type Identity struct {
	AccountID string
	OrgID     string
	TeamID    string
	Name      string
}

// Resolver resolves a raw bearer token into an Identity
type Resolver interface {
	Resolve(token string) (*Identity, error)
}

// JWTResolver implements Resolver using HS256 signed JWTs
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver with the given signing secret
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

// Resolve validates the token and extracts the identity claims.
// Required: "sub" (account id). Optional: "org", "team", "name".
func (r *JWTResolver) Resolve(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	ident := &Identity{AccountID: sub}
	if org, ok := claims["org"].(string); ok {
		ident.OrgID = org
	}
	if team, ok := claims["team"].(string); ok {
		ident.TeamID = team
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	return ident, nil
}

// Generate creates a token for the given identity with expiration
func (r *JWTResolver) Generate(ident *Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  ident.AccountID,
		"org":  ident.OrgID,
		"team": ident.TeamID,
		"name": ident.Name,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
