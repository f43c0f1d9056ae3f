package api

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/chatflow/pkg/schema"
)

// ScopeTraceRead grants access to session traces.
const ScopeTraceRead = "trace:read"

// Claims are the bearer token claims. Scope is space separated.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// Auth issues and verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
	now    func() time.Time
}

// NewAuth creates an Auth signing with secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret), now: time.Now}
}

// IssueToken signs a token for subject with the given scopes.
func (a *Auth) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "jwt secret is not configured")
	}
	now := a.now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses and verifies a token.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

const claimsKey = "chatflow.claims"

// RequireScope rejects requests without a valid bearer token carrying scope.
func (a *Auth) RequireScope(scope string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if len(a.secret) == 0 {
			return problem(c, schema.NewError(schema.ErrCodeForbidden, "trace access is disabled"))
		}
		header := c.Get(fiber.HeaderAuthorization)
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return problem(c, schema.NewError(schema.ErrCodeUnauthorized, "missing bearer token"))
		}
		claims, err := a.ValidateToken(parts[1])
		if err != nil {
			return problem(c, schema.NewError(schema.ErrCodeUnauthorized, "invalid bearer token"))
		}
		if !claims.HasScope(scope) {
			return problem(c, schema.NewErrorf(schema.ErrCodeForbidden, "token lacks the %s scope", scope))
		}
		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

func claimsFrom(c fiber.Ctx) *Claims {
	claims, _ := c.Locals(claimsKey).(*Claims)
	return claims
}
