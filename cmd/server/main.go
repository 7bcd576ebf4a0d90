package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"toll-backend/internal/app"
	"toll-backend/internal/config"
	"toll-backend/internal/db"
	"toll-backend/internal/handlers"
	"toll-backend/internal/router"

	"github.com/sirupsen/logrus"
)

func main() {
	// Load config
	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if config.IsProduction() {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize database
	db.InitDB()

	// Build services
	container, err := app.InitializeContainer()
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer container.Cleanup()

	// Wire HTTP layer
	authHandler := handlers.NewAuthHandler(container.UserRepo, logger)
	walletHandler := handlers.NewWalletHandler(container.WalletService, logger)
	tollHandler := handlers.NewTollHandler(
		container.WalletService,
		container.RateService,
		container.VehicleRepo,
		container.TransactionRepo,
		container.PlazaRepo,
		container.PushService,
		logger,
	)
	proofHandler := handlers.NewProofHandler(container.ProofVerifier, logger)

	r := router.SetupRouter(authHandler, walletHandler, tollHandler, proofHandler, container.PushService, logger)

	addr := fmt.Sprintf("%s:%d", config.AppConfig.Server.Host, config.AppConfig.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 Toll backend listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Block until SIGINT/SIGTERM, then drain
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
