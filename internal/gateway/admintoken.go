package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("gateway: invalid token")

// JWTService signs and verifies the short-lived admin tokens minted by
// POST /admin/token in exchange for the static gateway token.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

type adminClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed admin token for the given subject.
func (s *JWTService) Generate(subject string) (string, time.Time, error) {
	if s == nil || len(s.secret) == 0 {
		return "", time.Time{}, errors.New("gateway: jwt secret not configured")
	}
	now := time.Now()
	expiresAt := now.Add(s.expiry)
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses an admin token and returns its subject.
func (s *JWTService) Validate(token string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &adminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*adminClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Role != "admin" || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
