package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ActorKey is the context key for the caller's actor id
	ActorKey ContextKey = "actor_id"

	// ActorHeader carries the authenticated user, set by the upstream
	// session layer and trusted as is
	ActorHeader = "X-User-ID"
)

// ExtractActor stores the X-User-ID header in the request context.
// Missing headers are allowed here; write handlers call RequireActor.
//
// Usage:
//
//	e := echo.New()
//	e.Use(middleware.ExtractActor())
//
// Accessing in handlers:
//
//	actor := middleware.GetActor(c)
func ExtractActor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if actor := c.Request().Header.Get(ActorHeader); actor != "" {
				c.Set(string(ActorKey), actor)
			}
			return next(c)
		}
	}
}

// GetActor retrieves the actor from the request context.
// Returns empty string if not set
func GetActor(c echo.Context) string {
	actor, _ := c.Get(string(ActorKey)).(string)
	return actor
}

// RequireActor ensures an actor exists in context.
// Writes a 401 response and returns ok=false if not.
func RequireActor(c echo.Context) (actor string, ok bool, err error) {
	actor = GetActor(c)
	if actor == "" {
		return "", false, c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error": "authentication required (X-User-ID header missing)",
		})
	}
	return actor, true, nil
}
