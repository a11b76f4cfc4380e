package http

import (
	"net/http"

	"github.com/dkeye/swarm-relay/internal/app"
	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth answers regardless of relay state.
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func handleStatus(relay *app.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, relay.Status())
	}
}
