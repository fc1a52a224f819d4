package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/pglitehub/adminapi"
	"github.com/tomyedwab/pglitehub/hub"
	"github.com/tomyedwab/pglitehub/hub/audit"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "Address for the admin API server")
	engineBin := flag.String("engine", "dist/bin/pglite-engine", "Path to the engine runner binary")
	wasmPath := flag.String("wasm", "dist/pglite/pglite.wasm", "Path to the compiled PGlite WASM image")
	auditDB := flag.String("auditDb", "pglitehub.db", "Path to the audit log database (empty disables auditing)")
	gracePeriod := flag.Duration("grace", 5*time.Second, "Engine subprocess shutdown grace period")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	logger.Info("Starting pglitehub", "engine", *engineBin, "wasm", *wasmPath)

	internalSecret := os.Getenv("INTERNAL_SECRET")
	tokenSecret := os.Getenv("ADMIN_TOKEN_SECRET")
	if internalSecret == "" && tokenSecret == "" {
		logger.Error("Neither INTERNAL_SECRET nor ADMIN_TOKEN_SECRET is set; refusing to run an unauthenticated admin API")
		os.Exit(1)
	}

	var auditLogger *audit.Logger
	if *auditDB != "" {
		db, err := sqlx.Connect("sqlite3", *auditDB)
		if err != nil {
			logger.Error("Failed to open audit database", "path", *auditDB, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		auditLogger, err = audit.NewLogger(db)
		if err != nil {
			logger.Error("Failed to initialize audit log", "error", err)
			os.Exit(1)
		}
	}

	manager := hub.NewManager(hub.Defaults{
		EngineExecutable: *engineBin,
		EngineWASMPath:   *wasmPath,
		GracePeriod:      *gracePeriod,
	}, auditLogger, logger)

	server := adminapi.NewServer(adminapi.Config{
		Manager:        manager,
		Audit:          auditLogger,
		InternalSecret: internalSecret,
		TokenSecret:    []byte(tokenSecret),
		Logger:         logger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping admin API server", "error", err)
		}
		manager.Shutdown()
	}()

	if err := server.Start(*listenAddr); err != nil {
		logger.Error("Admin API server failed", "error", err)
		manager.Shutdown()
		os.Exit(1)
	}
	logger.Info("pglitehub stopped")
}
