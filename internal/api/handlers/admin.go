package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/referee/internal/admin"
	"github.com/playmatatu/referee/internal/config"
	"github.com/playmatatu/referee/internal/logger"
)

// AdminLogin exchanges the operator token for a bearer session.
func AdminLogin(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		if !admin.VerifyAdminToken(cfg.AdminTokenHash, strings.TrimSpace(req.Token)) {
			logger.Get().Warnf("[ADMIN] Login failed from %s", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		ttl := time.Duration(cfg.SessionTimeoutMin) * time.Minute
		signed, exp, err := admin.IssueSession(cfg.JWTSecret, ttl, time.Now())
		if err != nil {
			logger.Get().Errorf("[ADMIN] Failed to sign session: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		logger.Get().Infof("[ADMIN] Login from %s", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": exp.Format(time.RFC3339)})
	}
}

// AdminAuthMiddleware requires a valid bearer session. Browsers opening the
// event feed cannot set headers, so ?token= is accepted as well.
func AdminAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		if err := admin.ParseSession(cfg.JWTSecret, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
