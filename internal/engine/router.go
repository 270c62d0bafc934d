package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the engine's API under /api behind the auth
// middleware.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/heartbeat", h.Heartbeat)

	api.Get("/instances/status", h.AllInstanceStatuses)
	api.Get("/instances/:id/status", h.InstanceStatus)
	api.Get("/instances", h.ListInstances)
	api.Post("/instances", h.CreateInstance)

	api.Post("/webhooks/dispatch", h.Dispatch)
	api.Get("/webhooks", h.ListWebhooks)
	api.Post("/webhooks", h.CreateWebhook)
	api.Put("/webhooks/:id", h.UpdateWebhook)
	api.Delete("/webhooks/:id", h.DeleteWebhook)
}
