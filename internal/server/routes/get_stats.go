package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oriel-ai/trellis/internal/server/middleware"
	"github.com/oriel-ai/trellis/pkg/logger"
	"github.com/oriel-ai/trellis/pkg/store"
	"github.com/oriel-ai/trellis/pkg/store/pgx"
)

// GroupStatsHandler reports index health for one tenant. A non-zero orphan
// chunk count means chunks lost their section attachment and the group
// should be re-indexed.
func GroupStatsHandler(c echo.Context) error {
	type statsParams struct {
		GroupID string `param:"group_id" validate:"required"`
	}

	type statsResponse struct {
		Message      string `json:"message"`
		Documents    int    `json:"documents,omitempty"`
		OrphanChunks int    `json:"orphan_chunks"`
	}

	data := new(statsParams)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, statsResponse{
			Message: "Invalid request",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, statsResponse{
			Message: "Invalid request",
		})
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	var gs store.GraphStore = pgx.NewGraphDBStore(conn)

	docs, err := gs.DocumentsForGroup(ctx, data.GroupID)
	if err != nil {
		logger.Error("[Server] Failed to load group documents", "group_id", data.GroupID, "err", err)
		return c.JSON(http.StatusInternalServerError, statsResponse{
			Message: "Internal server error",
		})
	}

	orphans, err := gs.OrphanChunkCount(ctx, data.GroupID)
	if err != nil {
		logger.Error("[Server] Failed to count orphan chunks", "group_id", data.GroupID, "err", err)
		return c.JSON(http.StatusInternalServerError, statsResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(
		http.StatusOK,
		statsResponse{
			Message:      "Group statistics",
			Documents:    len(docs),
			OrphanChunks: orphans,
		},
	)
}
