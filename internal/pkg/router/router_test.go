package router

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ProtestDocs/app/controllers"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/metrics"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/middleware"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/reconciler"
)

type runningStatus struct{}

func (runningStatus) IsRunning() bool          { return true }
func (runningStatus) State() reconciler.State { return reconciler.StateWaiting }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := middleware.HashPassword("s3cret")
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Deps{
		Webhooks:    controllers.NewWebhookQueueController(eventstore.NewStore(client), runningStatus{}),
		Metrics:     metrics.NewProvider("webhook").Handler(),
		OpsUser:     "ops",
		OpsPassHash: hash,
	})
	return app
}

func authorized(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("ops:s3cret")))
	return req
}

func TestRouter_HealthIsPublic(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRouter_OpsRoutesRequireAuth(t *testing.T) {
	app := newTestApp(t)

	for _, target := range []string{"/metrics", "/api/v1/webhooks/stats", "/api/v1/webhooks/failed"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, target)

		resp, err = app.Test(authorized("GET", target), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, target)
	}
}

func TestRouter_MetricsExposition(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(authorized("GET", "/metrics"), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "webhook_queue_pop_failures_total")
}
