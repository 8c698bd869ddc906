package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	relayerrors "relay-chat/pkg/errors"
)

// Identity is the result of a successful credential check.
type Identity struct {
	UserID uuid.UUID
}

// Verifier turns a bearer credential into an identity. Implementations must
// return relayerrors.ErrTokenExpired for expired credentials and
// relayerrors.ErrTokenInvalid for anything else that fails, so the
// gatekeeper can reject the two cases distinguishably.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

type accessClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed access tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, relayerrors.ErrTokenExpired
		}
		return Identity{}, relayerrors.ErrTokenInvalid
	}
	if !parsed.Valid {
		return Identity{}, relayerrors.ErrTokenInvalid
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, relayerrors.ErrTokenInvalid
	}
	return Identity{UserID: userID}, nil
}

// Sign issues an access token for userID. The engine itself only consumes
// tokens; issuance lives here so the host process and tests share one
// claims layout.
func (v *JWTVerifier) Sign(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
