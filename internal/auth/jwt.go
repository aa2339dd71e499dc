package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

// Roles carried in operator tokens.
const (
	// RoleOperator may inspect the buffer, requeue records and trigger syncs.
	RoleOperator = "operator"
	// RoleScanner may only submit scans. Capture processes hold these.
	RoleScanner = "scanner"
)

// Token is a signed bearer token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for subject valid for ttl from now. deviceID pins the
// token to one device; empty means any device sharing the key.
func Issue(subject, role, deviceID, issuer, key string, ttl time.Duration, now time.Time) (Token, error) {
	if key == "" {
		return Token{}, xerrors.New("signing key required")
	}
	exp := now.Add(ttl)
	claims := Claims{
		Role:     role,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return Token{}, xerrors.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, xerrors.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, xerrors.New("invalid token")
	}
	return claims, nil
}
