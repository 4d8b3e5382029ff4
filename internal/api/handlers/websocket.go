package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/playmatatu/referee/internal/ws"
)

// HandleEvents streams referee events to an observer.
func HandleEvents(hub *ws.Hub) gin.HandlerFunc {
	return ws.Handler(hub)
}
