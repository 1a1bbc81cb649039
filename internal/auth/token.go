// ABOUTME: JWT session tokens for admin console logins
// ABOUTME: Uses HS256 signing; tokens carry the admin ID (sub) and session ID (sid)

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

// Claims are the verified contents of a session token.
type Claims struct {
	AdminID   string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// JWTIssuer signs and verifies HS256 session tokens
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a new issuer with the given secret
func NewJWTIssuer(secret []byte) *JWTIssuer {
	return &JWTIssuer{secret: secret}
}

// Issue creates a token for the admin's session that expires at expiresAt
func (i *JWTIssuer) Issue(adminID, sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": adminID,
		"sid": sessionID,
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates the token signature and expiry and extracts its claims
func (i *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	sid, ok := mc["sid"].(string)
	if !ok || sid == "" {
		return nil, fmt.Errorf("%w: sid", ErrMissingClaim)
	}

	claims := &Claims{AdminID: sub, SessionID: sid}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}
