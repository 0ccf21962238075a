package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ProtestDocs/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{Max: 120}))

	// API v1 routes
	v1 := api.Group("/v1", middleware.OpsAuth(h.deps.OpsUser, h.deps.OpsPassHash))
	webhooks := v1.Group("/webhooks")
	webhooks.Get("/stats", h.deps.Webhooks.HandleStats)
	webhooks.Get("/:table", h.deps.Webhooks.HandleList)
	webhooks.Post("/:table/:id/requeue", h.deps.Webhooks.HandleRequeue)
	webhooks.Delete("/:table/:id", h.deps.Webhooks.HandleDelete)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
