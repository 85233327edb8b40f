package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oriel-ai/trellis/internal/queue"
	"github.com/oriel-ai/trellis/internal/server/middleware"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// EnqueueDocumentHandler accepts one pre-extracted document and hands it to
// the indexing worker. Indexing is asynchronous; the response only confirms
// the enqueue.
func EnqueueDocumentHandler(c echo.Context) error {
	type enqueueBody struct {
		Payload common.IngestPayload `json:"payload" validate:"required"`
	}

	type enqueueResponse struct {
		Message    string `json:"message"`
		DocumentID string `json:"document_id,omitempty"`
	}

	data := new(enqueueBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, enqueueResponse{
			Message: "Invalid request body",
		})
	}

	if data.Payload.Document.GroupID == "" || data.Payload.Document.Title == "" {
		return c.JSON(http.StatusBadRequest, enqueueResponse{
			Message: "Document group_id and title are required",
		})
	}
	if len(data.Payload.Chunks) == 0 {
		return c.JSON(http.StatusBadRequest, enqueueResponse{
			Message: "Document must carry at least one chunk",
		})
	}

	msg := queue.IndexMsg{
		Message: "Index document",
		Payload: data.Payload,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, enqueueResponse{
			Message: "Internal server error",
		})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.IndexQueue, msgBytes); err != nil {
		logger.Error("[Server] Failed to enqueue document",
			"group_id", data.Payload.Document.GroupID, "err", err)
		return c.JSON(http.StatusInternalServerError, enqueueResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(
		http.StatusAccepted,
		enqueueResponse{
			Message:    "Document queued for indexing",
			DocumentID: data.Payload.Document.ID,
		},
	)
}
