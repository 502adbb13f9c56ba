package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gwi.com/chatcore/internal/api"
	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/core"
	"gwi.com/chatcore/internal/logging"
	"gwi.com/chatcore/internal/persist"
	"gwi.com/chatcore/internal/store"
	"gwi.com/chatcore/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file (overrides CHATCORE_CONFIG)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("CHATCORE_CONFIG", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("error", "text").Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("chatcore stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server exiting gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, cfg.DBPath, cfg.WorkerThreads, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine := persist.NewEngine(st, persist.Options{
		FlushWindow: cfg.FlushWindow.Duration,
		Logger:      logger,
		Registerer:  reg,
	})

	conv, err := core.Restore(ctx, engine, logger)
	if err != nil {
		engine.Shutdown(ctx)
		return err
	}

	// No client timeout: replies stream for as long as the bot talks.
	client := stream.NewClient(&http.Client{}, cfg.SSEBatchSize, logger)
	llm, err := core.NewLLMService(ctx, cfg.Bots, client, logger)
	if err != nil {
		engine.Shutdown(ctx)
		return fmt.Errorf("failed to initialize bots: %w", err)
	}
	chat := core.NewChatService(conv, llm, logger)

	router := api.NewRouter(api.NewAPIHandler(chat, logger), reg)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("could not listen on %s: %w", cfg.HTTPAddr, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Cancelled streams leave their contents as they are; the engine then
	// flushes whatever reached a terminal state.
	chat.Close()
	llm.Close()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to flush pending writes: %w", err))
	}
	return runErr
}
