package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/routes"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/lyzr/lineage/common/server"
	"github.com/lyzr/lineage/common/validation"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, redis, logger, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "lineage")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap lineage: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (store, counter and engine are created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("Failed to initialize service container", "error", err)
		components.Shutdown(ctx)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	routes.RegisterLineageRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = validation.NewRequestValidator()
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", echo.WrapHandler(server.HealthHandler(components.HealthChecks())))
}

// startServer serves until SIGINT/SIGTERM, then drains in-flight requests
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	srv := server.New("lineage", port, e, components.Logger)

	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		components.Shutdown(ctx)
		os.Exit(1)
	}
}
