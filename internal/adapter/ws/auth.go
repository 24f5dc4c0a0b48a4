package ws

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/velivolant/gateway/internal/domain"
)

// Claims is the verified caller identity carried by a bearer token.
type Claims struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token. Failures wrap domain.ErrAuth.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %v", domain.ErrAuth, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", domain.ErrAuth)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token missing userId claim", domain.ErrAuth)
	}
	return claims, nil
}
