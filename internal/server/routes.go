package server

import (
	"github.com/labstack/echo/v4"

	"github.com/oriel-ai/trellis/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Query routes
	apiRoutes.POST("/query", routes.QueryHandler)

	// Ingestion routes
	apiRoutes.POST("/documents", routes.EnqueueDocumentHandler)

	// Group routes
	apiRoutes.GET("/groups/:group_id/stats", routes.GroupStatsHandler)
	apiRoutes.DELETE("/groups/:group_id", routes.DeleteGroupHandler)
}
