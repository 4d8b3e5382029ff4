package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

const version = "2.0.0-checkmate-referee"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck returns server health status
func HealthCheck(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code, dbStatus := "ok", http.StatusOK, "ok"
		if err := db.Ping(ctx); err != nil {
			status, code, dbStatus = "degraded", http.StatusServiceUnavailable, err.Error()
		}
		c.JSON(code, gin.H{
			"status":   status,
			"service":  "checkmate-referee",
			"version":  version,
			"database": dbStatus,
			"uptime":   time.Since(startTime).String(),
		})
	}
}
