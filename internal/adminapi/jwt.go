package adminapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("adminapi: invalid token")
	// ErrTokenExpired is returned separately so callers can prompt a
	// re-login rather than a generic auth failure.
	ErrTokenExpired = errors.New("adminapi: token expired")
)

// Claims carries the admin uid through the signed JWT the dashboard
// uses for every call after login.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates the single-operator admin token,
// the same HS256/RegisteredClaims shape koshedutech's JWTManager uses,
// reduced to one token (no refresh pair — a dashboard operator just
// logs in again) since there is no tiered/billing claim set here.
type JWTManager struct {
	secret   []byte
	duration time.Duration
}

// NewJWTManager builds a manager from the configured HMAC secret and
// access-token lifetime.
func NewJWTManager(secret string, duration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), duration: duration}
}

// Generate issues a signed token for userID.
func (m *JWTManager) Generate(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tidepredator-adminapi",
			Audience:  []string{"tidepredator-dashboard"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a token, returning its claims.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
