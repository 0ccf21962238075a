package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ProtestDocs/app/controllers"
	"github.com/ManuelReschke/ProtestDocs/app/repository"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/cache"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/database"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/env"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/metrics"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/middleware"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/reconciler"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/router"
)

func main() {
	if len(os.Args) > 2 && os.Args[1] == "hash-password" {
		hash, err := middleware.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if len(os.Args) > 2 && os.Args[1] == "enqueue" {
		os.Exit(enqueue(os.Args[2:]))
	}

	os.Exit(run())
}

// enqueue pushes a raw event payload onto the queue, for local testing and manual replays
func enqueue(args []string) int {
	env.SetupEnvFile()
	cache.SetupCache()
	defer cache.Close()

	var payload []byte
	var err error
	if args[0] == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read payload: %v\n", err)
		return 1
	}

	eventID := ""
	if len(args) > 1 {
		eventID = args[1]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := eventstore.NewStoreFromCache().Enqueue(ctx, eventID, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}

func run() int {
	env.SetupEnvFile()
	setupLogLevel(env.GetEnv("LOG_LEVEL", "info"))
	database.SetupDatabase()
	cache.SetupCache()
	defer func() {
		if err := cache.Close(); err != nil {
			log.Errorf("[Main] Failed to close cache: %v", err)
		}
	}()

	provider := metrics.NewProvider("webhook")
	store := eventstore.NewStoreFromCache(
		eventstore.WithProcessedTTL(env.GetEnvDuration("WEBHOOK_PROCESSED_TTL", eventstore.DefaultProcessedTTL)),
	)
	repository.InitializeFactory(database.GetDB())
	orders := repository.GetGlobalFactory().GetOrderRepository()

	worker := reconciler.NewWorker(store, orders,
		reconciler.WithConfig(reconciler.ConfigFromEnv()),
		reconciler.WithRecorder(provider),
	)
	manager := reconciler.NewManager(worker)

	app := NewApplication(router.Deps{
		Webhooks:    controllers.NewWebhookQueueController(store, manager),
		Metrics:     provider.Handler(),
		OpsUser:     env.GetEnv("OPS_USER", "ops"),
		OpsPassHash: env.GetEnv("OPS_PASSWORD_HASH", ""),
	})

	manager.Start()

	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("OPS_HOST", "0.0.0.0"), env.GetEnv("OPS_PORT", "4100"))
		serverErr <- app.Listen(addr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-signals:
		log.Infof("[Main] Received %s, shutting down", sig)
	case err := <-manager.Err():
		// The supervisor restarts the process
		log.Errorf("[Main] Webhook worker failed: %v", err)
		exitCode = 1
	case err := <-serverErr:
		log.Errorf("[Main] Ops server stopped: %v", err)
		exitCode = 1
	}

	manager.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Main] Ops server shutdown: %v", err)
	}
	return exitCode
}

// NewApplication builds the ops HTTP server
func NewApplication(deps router.Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "webhookworker",
		DisableStartupMessage: !env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, deps)

	return app
}

func setupLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		log.SetLevel(log.LevelDebug)
	case "warn", "warning":
		log.SetLevel(log.LevelWarn)
	case "error":
		log.SetLevel(log.LevelError)
	default:
		log.SetLevel(log.LevelInfo)
	}
}
