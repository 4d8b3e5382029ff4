package settlement

import (
	"context"
	"time"

	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/models"
)

// Submitter accepts game IDs for settlement.
type Submitter interface {
	Submit(gameID string) bool
}

// StartSweeper re-submits every resumable settlement record: once on start
// (recovery after a restart) and then every interval until ctx is done.
func StartSweeper(ctx context.Context, st Store, pool Submitter, interval time.Duration) {
	log := logger.Get()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("[SETTLE-SWEEP] Starting settlement sweeper (every %s)", interval)

	Sweep(ctx, st, pool)

	for {
		select {
		case <-ctx.Done():
			log.Infof("[SETTLE-SWEEP] Sweeper stopped")
			return
		case <-ticker.C:
			Sweep(ctx, st, pool)
		}
	}
}

// Sweep submits resumable records once and returns how many were queued.
func Sweep(ctx context.Context, st Store, pool Submitter) int {
	log := logger.Get()
	recs, err := st.ListSettlements(ctx,
		models.SettlementPending, models.SettlementPublished,
		models.SettlementProved, models.SettlementBroadcast)
	if err != nil {
		log.Warnf("[SETTLE-SWEEP] Failed to list settlements: %v", err)
		return 0
	}
	queued := 0
	for _, rec := range recs {
		if pool.Submit(rec.GameID) {
			queued++
		}
	}
	if len(recs) > 0 {
		log.Infof("[SETTLE-SWEEP] %d unsettled claim(s), %d queued", len(recs), queued)
	}
	return queued
}
