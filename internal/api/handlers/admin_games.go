package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/settlement"
	"github.com/playmatatu/referee/internal/store"
)

// GameReader is the read side of the store used by the admin endpoints.
type GameReader interface {
	LoadGame(ctx context.Context, gameID string) (*models.Game, error)
	LoadEvidence(ctx context.Context, gameID string) (*models.Evidence, error)
	LoadSettlement(ctx context.Context, gameID string) (*models.Settlement, error)
	ListSettlements(ctx context.Context, statuses ...models.SettlementStatus) ([]models.Settlement, error)
}

// Replayer re-arms the settlement record for one game.
type Replayer interface {
	Rearm(ctx context.Context, gameID string) error
}

// Submitter queues a game for settlement in the background.
type Submitter interface {
	Submit(gameID string) bool
}

// GetAdminGameDetail returns the live game, its evidence board and any
// settlement record. Settled games only have the settlement.
func GetAdminGameDetail(db GameReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		gameID := c.Param("id")
		ctx := c.Request.Context()

		resp := gin.H{"game_id": gameID}
		found := false

		g, err := db.LoadGame(ctx, gameID)
		switch {
		case err == nil:
			resp["game"] = g
			found = true
		case !errors.Is(err, store.ErrNotFound):
			internalError(c, "load game", err)
			return
		}

		ev, err := db.LoadEvidence(ctx, gameID)
		switch {
		case err == nil:
			resp["evidence"] = ev
		case !errors.Is(err, store.ErrNotFound):
			internalError(c, "load evidence", err)
			return
		}

		rec, err := db.LoadSettlement(ctx, gameID)
		switch {
		case err == nil:
			resp["settlement"] = rec
			found = true
		case !errors.Is(err, store.ErrNotFound):
			internalError(c, "load settlement", err)
			return
		}

		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "Game not found"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetAdminSettlements lists settlement records, optionally filtered by a
// comma-separated status list.
func GetAdminSettlements(db GameReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var statuses []models.SettlementStatus
		if raw := c.Query("status"); raw != "" && raw != "all" {
			for _, s := range strings.Split(raw, ",") {
				statuses = append(statuses, models.SettlementStatus(strings.TrimSpace(s)))
			}
		}

		rows, err := db.ListSettlements(c.Request.Context(), statuses...)
		if err != nil {
			internalError(c, "list settlements", err)
			return
		}
		if rows == nil {
			rows = []models.Settlement{}
		}
		c.JSON(http.StatusOK, gin.H{"settlements": rows, "total": len(rows)})
	}
}

// ReplaySettlement re-arms the claim for one game and hands it to the
// settlement pool. A claim the pool cannot take now is left pending for
// the sweeper.
func ReplaySettlement(r Replayer, q Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		gameID := c.Param("id")
		err := r.Rearm(c.Request.Context(), gameID)
		switch {
		case err == nil:
			queued := q.Submit(gameID)
			logger.Get().Infof("[ADMIN] replay %s requested from %s (queued=%t)", gameID, c.ClientIP(), queued)
			c.JSON(http.StatusAccepted, gin.H{"game_id": gameID, "queued": queued})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "No settlement for game"})
		case errors.Is(err, settlement.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "Settlement already running"})
		case errors.Is(err, settlement.ErrRejected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"game_id": gameID, "error": err.Error()})
		default:
			logger.Get().Warnf("[ADMIN] replay %s failed: %v", gameID, err)
			c.JSON(http.StatusBadGateway, gin.H{"game_id": gameID, "error": err.Error()})
		}
	}
}

func internalError(c *gin.Context, op string, err error) {
	logger.Get().Errorf("[ADMIN] %s: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
