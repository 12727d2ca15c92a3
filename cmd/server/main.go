package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"borgwarden/internal/api"
	"borgwarden/internal/auth"
	"borgwarden/internal/cloudsync"
	"borgwarden/internal/config"
	"borgwarden/internal/crypto"
	"borgwarden/internal/database"
	"borgwarden/internal/events"
	"borgwarden/internal/executor"
	"borgwarden/internal/jobs"
	"borgwarden/internal/logging"
	"borgwarden/internal/models"
	"borgwarden/internal/notify"
	"borgwarden/internal/output"
	"borgwarden/internal/recovery"
	"borgwarden/internal/scheduler"
	"borgwarden/internal/websocket"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Log.Level)

	if cfg.Server.EncryptionKey == "" {
		log.Fatal("BORGWARDEN_SERVER_ENCRYPTION_KEY must be set")
	}
	if cfg.Server.JWTSecret == "" {
		log.Fatal("BORGWARDEN_SERVER_JWT_SECRET must be set")
	}
	if cfg.Server.AdminPassword == "" {
		log.Fatal("BORGWARDEN_SERVER_ADMIN_PASSWORD must be set")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	box, err := crypto.NewBox(cfg.Server.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}
	if err := auth.EnsureAdminUser(db, cfg.Server.AdminUsername, cfg.Server.AdminPassword); err != nil {
		log.Fatalf("Failed to ensure admin user: %v", err)
	}

	dbm := database.NewManager(db, box, logger)
	exec := executor.New(logger)
	outputStore := output.NewStore(cfg.Jobs.MaxOutputLinesPerJob)
	broadcaster := events.NewBroadcaster(cfg.Jobs.EventQueueSize, cfg.Jobs.Keepalive(), logger)

	deps := &jobs.Deps{
		Executor: exec,
		DB:       dbm,
		Output:   outputStore,
		Events:   broadcaster,
		Cloud:    cloudsync.NewRcloneSyncer(exec, logger),
		Notifier: notify.NewPushoverSender("", logger),
		Procs:    jobs.NewProcessTable(),
		Logger:   logger,
	}
	jobManager := jobs.NewManager(jobs.Config{
		MaxConcurrentBackups: cfg.Jobs.MaxConcurrentBackups,
		MaxOutputLines:       cfg.Jobs.MaxOutputLinesPerJob,
		AutoCleanupDelay:     cfg.Jobs.AutoCleanupDelay(),
		GraceTimeout:         cfg.Jobs.GraceTimeout(),
	}, deps)

	// Reconcile the database with reality before accepting any work.
	rec := recovery.New(dbm, exec, cfg.Recovery.Staleness(), cfg.Recovery.LockBreakTimeout(), logger)
	recovered, err := rec.Run(context.Background())
	if err != nil {
		log.Fatalf("Recovery failed: %v", err)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted jobs", "count", recovered)
	}

	jobManager.Start()

	retention := time.Duration(cfg.Cleanup.RetentionDays) * 24 * time.Hour
	sched := scheduler.New(dbm, jobManager, retention, logger)
	if err := sched.Start(); err != nil {
		log.Fatalf("Scheduler failed to start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	go hub.Bridge(ctx, broadcaster)

	authsvc := auth.NewService(db, cfg.Server.JWTSecret)
	apiServer := api.NewServer(db, dbm, jobManager, sched, authsvc, box, hub, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: apiServer,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", fmt.Sprint(sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	sched.Stop()
	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("job manager shutdown failed", "error", err)
	}
	cancel()
	logger.Info("shutdown complete")
}
