package router

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ProtestDocs/app/controllers"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the handlers and credentials the ops routes need
type Deps struct {
	Webhooks    *controllers.WebhookQueueController
	Metrics     http.Handler
	OpsUser     string
	OpsPassHash string
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewOpsRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
