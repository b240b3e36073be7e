package auth

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldops/dispatch/internal/domain"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

const principalKey = "auth_principal"

// Principal represents the authenticated caller.
type Principal struct {
	Subject string
	Role    domain.Role
	// Anonymous is set when authentication is disabled.
	Anonymous bool
}

// CanActAs reports whether the principal may read or write identity's data.
func (p *Principal) CanActAs(identity string) bool {
	if p == nil {
		return false
	}
	return p.Anonymous || p.Role.Privileged() || p.Subject == identity
}

// AuthMiddleware validates bearer tokens.
type AuthMiddleware struct {
	tokens  *TokenManager
	enabled bool
}

// NewAuthMiddleware constructs middleware. With enabled false every request
// runs as an anonymous principal that passes all checks.
func NewAuthMiddleware(tokens *TokenManager, enabled bool) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, enabled: enabled}
}

// Handle enforces authentication for protected routes. Browsers cannot set
// headers on EventSource or websocket requests, so the token may also come
// from the token query parameter.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	if !m.enabled {
		c.Locals(principalKey, &Principal{Anonymous: true})
		return c.Next()
	}

	raw, err := bearerToken(c)
	if err != nil {
		return err
	}
	claims, err := m.tokens.ParseToken(raw)
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(principalKey, &Principal{Subject: claims.Subject, Role: claims.Role})
	return c.Next()
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, nil
		}
		return "", apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return parts[1], nil
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}

// PathIdentity returns the URL-unescaped identity route parameter.
func PathIdentity(c *fiber.Ctx, name string) (string, error) {
	return PathParam(c, name)
}

// PathParam returns a URL-unescaped, non-blank route parameter.
func PathParam(c *fiber.Ctx, name string) (string, error) {
	raw := c.Params(name)
	value, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(value) == "" {
		return "", apperrors.NewValidationError("invalid "+name, map[string]any{name: raw})
	}
	return value, nil
}
