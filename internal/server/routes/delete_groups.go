package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oriel-ai/trellis/internal/queue"
	"github.com/oriel-ai/trellis/internal/server/middleware"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// DeleteGroupHandler queues a full purge of one tenant's graph data.
func DeleteGroupHandler(c echo.Context) error {
	type deleteGroupParams struct {
		GroupID string `param:"group_id" validate:"required"`
	}

	type deleteGroupResponse struct {
		Message string `json:"message"`
	}

	data := new(deleteGroupParams)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, deleteGroupResponse{
			Message: "Invalid request",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, deleteGroupResponse{
			Message: "Invalid request",
		})
	}

	msg := queue.DeleteMsg{
		Message: "Purge group",
		GroupID: data.GroupID,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, deleteGroupResponse{
			Message: "Internal server error",
		})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.DeleteQueue, msgBytes); err != nil {
		logger.Error("[Server] Failed to enqueue group purge", "group_id", data.GroupID, "err", err)
		return c.JSON(http.StatusInternalServerError, deleteGroupResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(
		http.StatusAccepted,
		deleteGroupResponse{
			Message: "Group purge queued",
		},
	)
}
