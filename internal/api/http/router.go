package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fieldops/dispatch/internal/api/http/handlers"
	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Notifications  *handlers.NotificationsHandler
	Stream         *handlers.StreamHandler
	Presence       *handlers.PresenceHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/health/metrics", cfg.Health.Metrics)

	authn := cfg.AuthMiddleware.Handle
	self := auth.RequireIdentity("identity")
	producer := auth.RequireRoles(domain.RoleService, domain.RoleAdmin)
	dispatcher := auth.RequireRoles(domain.RoleService, domain.RoleAdmin, domain.RoleDispatcher)

	app.Get("/notifications/:identity", authn, self, cfg.Stream.Stream)
	app.Get("/presence/:department/:geohash/watch", authn, dispatcher, cfg.Presence.Watch)
	app.Get("/ws/presence/:department/:identity", authn, self, cfg.Presence.Upgrade, cfg.Presence.Session())

	api := app.Group("/api", authn)

	notifications := api.Group("/notifications")
	notifications.Post("/trigger", producer, cfg.Notifications.Trigger)
	notifications.Get("/:identity", self, cfg.Notifications.History)
	notifications.Get("/:identity/unread-count", self, cfg.Notifications.UnreadCount)
	notifications.Put("/:identity/read-all", self, cfg.Notifications.MarkAllRead)
	notifications.Put("/:identity/:id/read", self, cfg.Notifications.MarkRead)

	presence := api.Group("/presence")
	presence.Get("/:department/zone", cfg.Presence.Zone)
	presence.Put("/:department/:identity", self, cfg.Presence.Report)
	presence.Delete("/:department/:identity", self, cfg.Presence.Leave)
	presence.Get("/:department/:geohash/staff", dispatcher, cfg.Presence.Staff)
	presence.Get("/:department/:geohash/assignee", dispatcher, cfg.Presence.Assignee)
}
