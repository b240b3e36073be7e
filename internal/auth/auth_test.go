package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldops/dispatch/internal/domain"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	token, exp, err := tm.GenerateToken("auth0|abc", domain.RoleStaff)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if exp.IsZero() {
		t.Fatal("missing expiry")
	}
	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "auth0|abc" || claims.Role != domain.RoleStaff {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := NewTokenManager("other", 5).ParseToken(token); err == nil {
		t.Fatal("token accepted with wrong secret")
	}
	if _, _, err := tm.GenerateToken("", domain.RoleStaff); err == nil {
		t.Fatal("empty subject accepted")
	}
}

func newTestApp(mw *AuthMiddleware) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).JSON(fiber.Map{"error": fiber.Map{"code": de.Code}})
		},
	})
	ok := func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) }
	app.Get("/notifications/:identity", mw.Handle, RequireIdentity("identity"), ok)
	app.Post("/trigger", mw.Handle, RequireRoles(domain.RoleService, domain.RoleAdmin), ok)
	return app
}

func TestMiddleware(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	staff, _, _ := tm.GenerateToken("auth0|s1", domain.RoleStaff)
	service, _, _ := tm.GenerateToken("producer", domain.RoleService)
	app := newTestApp(NewAuthMiddleware(tm, true))

	tests := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"missing token", http.MethodGet, "/notifications/auth0%7Cs1", "", http.StatusUnauthorized},
		{"malformed header", http.MethodGet, "/notifications/auth0%7Cs1", "Token abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/notifications/auth0%7Cs1", "Bearer abc", http.StatusUnauthorized},
		{"own identity", http.MethodGet, "/notifications/auth0%7Cs1", "Bearer " + staff, http.StatusNoContent},
		{"query token", http.MethodGet, "/notifications/auth0%7Cs1?token=" + staff, "", http.StatusNoContent},
		{"other identity", http.MethodGet, "/notifications/auth0%7Cs2", "Bearer " + staff, http.StatusForbidden},
		{"privileged any identity", http.MethodGet, "/notifications/auth0%7Cs2", "Bearer " + service, http.StatusNoContent},
		{"staff cannot trigger", http.MethodPost, "/trigger", "Bearer " + staff, http.StatusForbidden},
		{"service triggers", http.MethodPost, "/trigger", "Bearer " + service, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	app := newTestApp(NewAuthMiddleware(NewTokenManager("secret", 5), false))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/notifications/anyone", nil))
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET /notifications/anyone = %v, %v", resp.StatusCode, err)
	}
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /trigger = %v, %v", resp.StatusCode, err)
	}
}

func TestPathParamUnescapes(t *testing.T) {
	app := fiber.New()
	app.Get("/presence/:department", func(c *fiber.Ctx) error {
		department, err := PathParam(c, "department")
		if err != nil {
			return c.SendStatus(http.StatusBadRequest)
		}
		return c.SendString(department)
	})

	tests := []struct {
		target string
		want   int
		body   string
	}{
		{"/presence/field%20ops", http.StatusOK, "field ops"},
		{"/presence/a%2Fb", http.StatusOK, "a/b"},
		{"/presence/%20%20", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.target, nil))
		if err != nil {
			t.Fatalf("GET %s error = %v", tt.target, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.want || (tt.body != "" && string(body) != tt.body) {
			t.Fatalf("GET %s = %d %q, want %d %q", tt.target, resp.StatusCode, body, tt.want, tt.body)
		}
	}
}
