package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/ProtestDocs/internal/pkg/middleware"
)

type OpsRouter struct {
	deps Deps
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	// health stays open for the orchestrator's probes
	app.Get("/health", h.deps.Webhooks.HandleHealth)

	auth := middleware.OpsAuth(h.deps.OpsUser, h.deps.OpsPassHash)
	if h.deps.Metrics != nil {
		app.Get("/metrics", auth, adaptor.HTTPHandler(h.deps.Metrics))
	}
	app.Get("/monitor", auth, monitor.New(monitor.Config{Title: "Webhook worker"}))
}

func NewOpsRouter(deps Deps) *OpsRouter {
	return &OpsRouter{deps: deps}
}
