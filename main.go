package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger, err := NewLogger(cfg.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	db, err := OpenDB(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer db.Close()

	analytics := NewAnalytics(db, logger)
	defer analytics.Stop()

	auth := NewAuth(db, cfg.JWTSecret, logger)

	lobby := NewLobby(cfg.Room, RoomDeps{Store: db, Tracker: analytics, Logger: logger})
	defer lobby.CloseAll()

	hub := NewHub(HubDeps{Lobby: lobby, Verifier: auth, Tracker: analytics, Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	scheduler, err := StartScheduler(cfg, db, analytics, auth, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Stop()

	router := NewRouter(&Server{
		Hub:       hub,
		Lobby:     lobby,
		DB:        db,
		Auth:      auth,
		Analytics: analytics,
		Config:    cfg,
		Logger:    logger,
	})
	server := &http.Server{Addr: cfg.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
