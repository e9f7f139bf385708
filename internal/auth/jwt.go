package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heartbeam/calling/internal/identity"
)

type callClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens carrying a numeric "uid" claim.
// Tokens signed with any other method are rejected, including "none".
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, ErrUnauthorized
	}
	var claims callClaims
	token, err := v.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthorized
	}
	if claims.UserID <= 0 {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: identity.UserID(claims.UserID)}, nil
}
