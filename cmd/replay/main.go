package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/playmatatu/referee/internal/audit"
	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/config"
	"github.com/playmatatu/referee/internal/database"
	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/redis"
	"github.com/playmatatu/referee/internal/settlement"
	"github.com/playmatatu/referee/internal/store"
)

// Re-derives a checkmate claim from stored evidence and runs settlement for
// it in the foreground.
func main() {
	gameID := flag.String("game", "", "game ID to replay")
	flag.Parse()
	if *gameID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	rdb, err := redis.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	st := store.New(db)
	engine := chess.NewRules()
	referee := game.NewReferee(st, engine, nil, nil)

	var prover settlement.Prover = settlement.NewDevProver(engine, cfg.ProgramID)
	if cfg.ProverMode == "remote" {
		prover = settlement.NewHTTPProver(cfg.ProverURL)
	}
	identity := cfg.Identity
	if identity == "" {
		identity = cfg.IMAPUsername
	}

	archive := audit.NewArchive(cfg.ArchiveDir)
	defer archive.Close()

	pipeline := settlement.NewPipeline(st, settlement.NewHTTPLedger(cfg.LedgerURL), prover, settlement.DigestVerifier{}, settlement.Options{
		Contract:         cfg.ContractName,
		Identity:         identity,
		ProgramID:        cfg.ProgramID,
		ProofDir:         cfg.ProofDir,
		PublishTimeout:   time.Duration(cfg.PublishTimeoutSecs) * time.Second,
		ProveTimeout:     time.Duration(cfg.ProveTimeoutSecs) * time.Second,
		BroadcastTimeout: time.Duration(cfg.BroadcastTimeoutSecs) * time.Second,
		Retries:          cfg.CallRetries,
		Backoff:          time.Duration(cfg.CallBackoffMillis) * time.Millisecond,
		MaxAttempts:      cfg.SettleMaxAttempts,
	})
	pipeline.SetDeriver(referee)
	pipeline.SetArchive(archive)
	pipeline.SetRedis(rdb, time.Duration(cfg.SettleLockSecs)*time.Second)

	if err := pipeline.Replay(ctx, *gameID); err != nil {
		log.Fatalf("Replay of %s failed: %v", *gameID, err)
	}

	rec, err := st.LoadSettlement(ctx, *gameID)
	if err != nil {
		log.Fatalf("Failed to load settlement: %v", err)
	}
	log.Printf("✓ %s: %s (tx=%s attempts=%d)", *gameID, rec.Status, rec.TxHandle, rec.Attempts)
}
