package routes

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/handlers"
	"github.com/lyzr/lineage/cmd/lineage/middleware"
	commonmw "github.com/lyzr/lineage/common/middleware"
)

// RegisterLineageRoutes registers unit, split, merge and lineage routes
func RegisterLineageRoutes(e *echo.Echo, c *container.Container) {
	units := handlers.NewUnitHandler(c)
	splits := handlers.NewSplitHandler(c)
	merges := handlers.NewMergeHandler(c)
	lineage := handlers.NewLineageHandler(c)

	// Writes are throttled per actor when a limiter is configured
	var writeLimits []echo.MiddlewareFunc
	if c.RateLimiter != nil {
		limit := int64(c.Components.Config.Lineage.WriteRateLimit)
		writeLimits = append(writeLimits,
			commonmw.ActorRateLimitMiddleware(c.RateLimiter, limit, time.Minute, middleware.GetActor))
	}

	api := e.Group("/api/v1")
	api.Use(middleware.ExtractActor()) // Extract X-User-ID into context
	{
		api.POST("/units", units.RegisterUnit, writeLimits...)          // POST /api/v1/units
		api.GET("/units/:id", units.GetUnit)                            // GET /api/v1/units/{id}
		api.GET("/units/by-number/:number", units.GetUnitByNumber)      // GET /api/v1/units/by-number/{number}
		api.POST("/units/:id/split", splits.Split, writeLimits...)      // POST /api/v1/units/{id}/split
		api.POST("/merges", merges.Merge, writeLimits...)               // POST /api/v1/merges
		api.GET("/units/:id/lineage/forward", lineage.Forward)          // GET /api/v1/units/{id}/lineage/forward
		api.GET("/units/:id/lineage/backward", lineage.Backward)        // GET /api/v1/units/{id}/lineage/backward
		api.GET("/units/:id/genealogy", lineage.Genealogy)              // GET /api/v1/units/{id}/genealogy
		api.GET("/units/:id/genealogy/export", lineage.ExportGenealogy) // GET /api/v1/units/{id}/genealogy/export
	}
}
