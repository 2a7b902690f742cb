// ABOUTME: JWT verification for client and operator tokens
// ABOUTME: HS256 tokens carry the subject, the organizations it belongs to, and its roles

package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Roles
const (
	RoleMember   = "member"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims is the JWT claim set the gateway issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	Orgs  []string `json:"orgs,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Identity is an authenticated token holder.
type Identity struct {
	Subject string
	Orgs    []string
	Roles   []string
}

// MemberOf reports whether the identity belongs to orgID.
func (id *Identity) MemberOf(orgID string) bool {
	return orgID != "" && slices.Contains(id.Orgs, orgID)
}

// HasRole reports whether the identity holds any of roles.
func (id *Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(id.Roles, r) {
			return true
		}
	}
	return false
}

// IsOperator reports whether the identity may call the control surface.
func (id *Identity) IsOperator() bool {
	return id.HasRole(RoleOperator, RoleAdmin)
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a JWT verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns its identity.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Identity{
		Subject: claims.Subject,
		Orgs:    claims.Orgs,
		Roles:   claims.Roles,
	}, nil
}

// Generate signs a token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
		Orgs:  id.Orgs,
		Roles: id.Roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
