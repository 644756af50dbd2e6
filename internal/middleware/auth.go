package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenIssuer   = "chatterbox-api"
	TokenAudience = "chatterbox-client"

	// AccessTokenTTL is the lifetime of a session token.
	AccessTokenTTL = 24 * time.Hour
)

var (
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrInvalidClaims  = errors.New("invalid token claims")
	ErrInvalidSubject = errors.New("invalid subject claim")
)

// TokenClaims is what a validated access token carries.
type TokenClaims struct {
	UserID    uint
	JTI       string
	ExpiresAt time.Time
}

// IssueToken signs an HS256 access token for the user.
func IssueToken(secret string, userID uint, ttl time.Duration) (string, TokenClaims, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID:    userID,
		JTI:       uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iss": TokenIssuer,
		"aud": TokenAudience,
		"jti": claims.JTI,
		"iat": now.Unix(),
		"exp": claims.ExpiresAt.Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", TokenClaims{}, err
	}
	return signed, claims, nil
}

// ParseToken validates signature, expiry, issuer and audience, then returns
// the subject and token id.
func ParseToken(secret, tokenString string) (TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return TokenClaims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, ErrInvalidClaims
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return TokenClaims{}, ErrInvalidSubject
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return TokenClaims{}, ErrInvalidSubject
	}

	out := TokenClaims{UserID: uint(userID)}
	out.JTI, _ = claims["jti"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
