package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/referee/internal/api"
	"github.com/playmatatu/referee/internal/audit"
	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/config"
	"github.com/playmatatu/referee/internal/database"
	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/migrations"
	"github.com/playmatatu/referee/internal/notify"
	"github.com/playmatatu/referee/internal/poller"
	"github.com/playmatatu/referee/internal/redis"
	"github.com/playmatatu/referee/internal/settlement"
	"github.com/playmatatu/referee/internal/store"
	"github.com/playmatatu/referee/internal/ws"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Refusing to start: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogJSON)
	defer logger.Sync()
	lg := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite databases are always migrated; they are local and disposable.
	if cfg.MigrateOnStart || cfg.DatabaseDriver == "sqlite" {
		lg.Infof("[MIGRATE] Running DB migrations on startup (%s)", cfg.DatabaseDriver)
		if err := migrations.RunMigrations(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

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
	} else {
		lg.Infof("[REDIS] REDIS_URL not set; using in-process locks, SQL watermark and local event feed")
	}

	st := store.New(db)
	engine := chess.NewRules()

	// Live event feed
	hub := ws.NewHub()
	go hub.Run(ctx.Done())
	ws.StartEventSubscriber(ctx, rdb, hub)
	events := ws.NewPublisher(rdb, hub)

	// Outbound mail
	sender := mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	dispatcher := notify.NewDispatcher(sender, cfg.BoardImageURL)

	referee := game.NewReferee(st, engine, dispatcher, nil)
	referee.SetPublisher(events)

	// Settlement
	var prover settlement.Prover
	switch cfg.ProverMode {
	case "remote":
		prover = settlement.NewHTTPProver(cfg.ProverURL)
		lg.Infof("[SETTLE] remote prover at %s", cfg.ProverURL)
	default:
		prover = settlement.NewDevProver(engine, cfg.ProgramID)
		lg.Warnf("[SETTLE] dev prover in use; receipts are not zero-knowledge proofs")
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
	pipeline.SetPublisher(events)
	pipeline.SetRedis(rdb, time.Duration(cfg.SettleLockSecs)*time.Second)

	pool := settlement.NewPool(pipeline, cfg.SettleWorkers, cfg.SettleQueueSize)
	pool.Start(ctx)
	referee.SetSettler(pool)
	go settlement.StartSweeper(ctx, st, pool, cfg.SettleSweepInterval())

	// Intake
	var cursor poller.Cursor = poller.NewSQLCursor(st)
	if rdb != nil {
		cursor = poller.NewRedisCursor(rdb)
	}
	fetcher := mail.NewIMAPFetcher(cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, cfg.IMAPPassword, cfg.IMAPMailbox)
	intake := poller.New(fetcher, referee, cursor, cfg.PollInterval(), cfg.PollBackfill)
	intake.SetDeadLetter(st, cfg.PollMaxFailures)
	go intake.Run(ctx)
	lg.Infof("[POLL] polling %s@%s every %s as %s", cfg.IMAPMailbox, cfg.IMAPHost, cfg.PollInterval(), identity)

	// Admin API
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, st, pipeline, pool, hub, cfg)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		lg.Infof("Starting checkmate referee on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	lg.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warnf("server shutdown: %v", err)
	}
	pool.Wait()
}
