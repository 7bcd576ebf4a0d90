package app

import (
	"fmt"
	"log"
	"sync"
	"time"

	"toll-backend/internal/clients"
	"toll-backend/internal/config"
	"toll-backend/internal/db"
	"toll-backend/internal/events"
	"toll-backend/internal/repository"
	"toll-backend/internal/services"

	"gorm.io/gorm"
)

// ServiceContainer holds every wired service, built once at startup
type ServiceContainer struct {
	// Database
	DB *gorm.DB

	// Repositories
	VehicleRepo     repository.VehicleRepository
	TransactionRepo repository.TransactionRepository
	UserRepo        repository.UserRepository
	PlazaRepo       repository.PlazaRepository

	// Ledger access
	Ledger    clients.LedgerClient
	MockStore *clients.MockWalletStore

	// Core Services
	RateService    *services.RateService
	ProofVerifier  *services.ProofVerifier
	WalletService  *services.WalletService
	EventIngestor  *services.LedgerEventIngestor
	TimeoutService *services.TransactionTimeoutService

	// Event & Push Services
	Publisher   *events.Publisher
	PushService *services.PushService
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container exactly once
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		container := &ServiceContainer{
			DB: db.DB,
		}

		container.initRepositories()

		if err := container.initLedgerClient(); err != nil {
			initErr = fmt.Errorf("failed to initialize ledger client: %w", err)
			return
		}

		container.initCoreServices()

		// Event publisher is optional, absence only disables fan-out
		if err := container.initEventServices(); err != nil {
			log.Printf("⚠️ Event services initialization skipped: %v", err)
		}

		container.initIngestor()

		Container = container
		log.Println("✅ Service Container initialized successfully")
	})

	return Container, initErr
}

func (c *ServiceContainer) initRepositories() {
	log.Println("📦 Initializing Repositories...")

	c.VehicleRepo = repository.NewVehicleRepository(c.DB)
	c.TransactionRepo = repository.NewTransactionRepository(c.DB)
	c.UserRepo = repository.NewUserRepository(c.DB)
	c.PlazaRepo = repository.NewPlazaRepository(c.DB)

	log.Println("✅ Repositories initialized")
}

// initLedgerClient selects the real JSON-RPC client or the in-memory mock
// per configuration. Mock mode in a production build is rejected earlier by
// config validation.
func (c *ServiceContainer) initLedgerClient() error {
	if config.AppConfig.Ledger.MockMode {
		log.Println("🧪 [ServiceContainer] Ledger mock mode enabled")
		c.MockStore = clients.NewMockWalletStore()
		c.Ledger = clients.NewMockLedger(c.MockStore)
		return nil
	}

	ledger, err := clients.NewEthLedgerClient(
		config.AppConfig.Ledger.RPCEndpoints,
		config.AppConfig.Ledger.TollContract,
		config.AppConfig.Ledger.FactoryContract,
		config.AppConfig.Ledger.Relayer,
		config.LedgerTimeout(),
	)
	if err != nil {
		return err
	}
	c.Ledger = ledger
	log.Printf("✅ [ServiceContainer] Ledger client connected: %d endpoint(s)", len(config.AppConfig.Ledger.RPCEndpoints))
	return nil
}

func (c *ServiceContainer) initCoreServices() {
	log.Println("🔧 Initializing Core Services...")

	if config.AppConfig.Push.Enabled {
		c.PushService = services.NewPushService()
	}

	c.RateService = services.NewRateService(c.PlazaRepo)
	c.ProofVerifier = services.NewProofVerifier(c.Ledger)

	c.WalletService = services.NewWalletService(
		c.Ledger,
		c.UserRepo,
		c.VehicleRepo,
		c.TransactionRepo,
		c.RateService,
		c.ProofVerifier,
		c.MockStore,
	)

	log.Println("✅ Core Services initialized")
}

func (c *ServiceContainer) initEventServices() error {
	if config.AppConfig == nil || config.AppConfig.NATS.URL == "" {
		return fmt.Errorf("NATS not configured")
	}

	log.Println("📡 Connecting to NATS...")
	publisher, err := events.NewPublisher(&config.AppConfig.NATS)
	if err != nil {
		return err
	}
	c.Publisher = publisher
	log.Println("✅ NATS publisher connected")
	return nil
}

func (c *ServiceContainer) initIngestor() {
	c.EventIngestor = services.NewLedgerEventIngestor(
		c.Ledger,
		c.VehicleRepo,
		c.TransactionRepo,
		c.Publisher,
		c.PushService,
		config.PollInterval(),
	)
	c.EventIngestor.Start()
	log.Printf("✅ [ServiceContainer] Ledger event ingestor started")

	c.TimeoutService = services.NewTransactionTimeoutService(
		c.TransactionRepo,
		c.PushService,
		30*time.Second,
		5*time.Minute,
	)
	c.TimeoutService.Start()
	log.Printf("✅ [ServiceContainer] Transaction timeout sweep started")
}

// Cleanup stops background services in dependency order
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")

	if c.TimeoutService != nil {
		c.TimeoutService.Stop()
	}
	if c.EventIngestor != nil {
		c.EventIngestor.Stop()
	}
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.PushService != nil {
		c.PushService.CloseAll()
	}

	log.Println("✅ Service Container cleanup complete")
}
