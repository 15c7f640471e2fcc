package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voice-checkout/internal/checkout"
	"github.com/chadiek/voice-checkout/internal/config"
	httpserver "github.com/chadiek/voice-checkout/internal/httpserver"
	"github.com/chadiek/voice-checkout/internal/infra/storage"
	"github.com/chadiek/voice-checkout/internal/llm"
	"github.com/chadiek/voice-checkout/internal/logger"
	"github.com/chadiek/voice-checkout/internal/rtc"
	"github.com/chadiek/voice-checkout/internal/selection"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFile, cfg.LogJSON)
	defer func() { _ = log.Sync() }()

	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	var orders checkout.Storage
	if st, err := storage.NewSupabaseStorage(cfg.Storage); err != nil {
		if !errors.Is(err, storage.ErrNotConfigured) {
			log.Errorf("order storage disabled: %v", err)
		}
	} else {
		orders = st
	}

	selections := selection.NewStore(selection.DefaultTTL, log)
	deps := httpserver.Deps{
		Offers:     rtc.NewHandler(cfg, selections, log),
		Checkout:   checkout.NewService(orders, log),
		Selections: selections,
		Logger:     log,
	}
	if cfg.Chat.Endpoint != "" && cfg.Chat.APIKey != "" {
		deps.Chat = llm.NewAzureChatClient(cfg.Chat.Endpoint, cfg.Chat.APIKey, cfg.Chat.Deployment)
	}
	srv := httpserver.New(cfg, deps)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Infof("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
