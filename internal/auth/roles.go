package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fieldops/dispatch/internal/domain"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

// RequireRoles ensures the principal holds one of the allowed roles.
func RequireRoles(allowed ...domain.Role) fiber.Handler {
	allowedSet := make(map[domain.Role]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if principal.Anonymous {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Role]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}

// RequireIdentity ensures the principal is the identity named by the route
// parameter, unless its role is privileged.
func RequireIdentity(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		identity, err := PathIdentity(c, param)
		if err != nil {
			return err
		}
		if !principal.CanActAs(identity) {
			return apperrors.NewForbidden("identity mismatch")
		}
		return c.Next()
	}
}
