package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oriel-ai/trellis/internal/server/middleware"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// QueryHandler answers one natural-language query over a tenant's graph.
func QueryHandler(c echo.Context) error {
	type queryResponse struct {
		Message string                `json:"message"`
		Result  *common.QueryResponse `json:"result,omitempty"`
	}

	data := new(common.QueryRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message: "Invalid request body",
		})
	}

	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message: "Invalid request body",
		})
	}

	eng := c.(*middleware.AppContext).App.Engine
	result, err := eng.Query(c.Request().Context(), *data)
	if err != nil {
		logger.Error("[Server] Query failed", "group_id", data.GroupID, "err", err)
		return c.JSON(http.StatusInternalServerError, queryResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(
		http.StatusOK,
		queryResponse{
			Message: "Query answered successfully",
			Result:  result,
		},
	)
}
