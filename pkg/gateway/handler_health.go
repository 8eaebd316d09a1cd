package gateway

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status         string `json:"status"`
	Connections    int    `json:"connections"`
	ConnectedUsers int    `json:"connected_users"`
}

// healthHandler handles GET /health. It reports liveness and the current
// socket population; it deliberately checks no downstream dependency, so a
// broken broker never makes the orchestrator restart the gateway.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:         "healthy",
		Connections:    s.registry.connectionCount(),
		ConnectedUsers: s.registry.userCount(),
	})
}
