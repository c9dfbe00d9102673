package app

import (
	"fmt"
	"log"
	"sync"
	"time"

	"genmedia-backend/internal/config"
	"genmedia-backend/internal/db"
	"genmedia-backend/internal/events"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/repository"
	"genmedia-backend/internal/services"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ServiceContainer wires the engine together in dependency order
type ServiceContainer struct {
	DB *gorm.DB

	// Repositories
	TaskRepo  repository.TaskRepository
	QuotaRepo repository.QuotaRepository

	// Core services
	QuotaLedger services.QuotaLedger
	Artifacts   *services.ArtifactStore
	Runner      services.InferenceRunner
	WorkerPool  *services.WorkerPoolService
	TaskQueue   *services.TaskQueueService
	Dispatcher  *services.DispatcherService

	// Event fan-out
	Hub           *events.Hub
	NATSPublisher *events.NATSPublisher
	PushService   *services.WebSocketPushService

	redisClient *redis.Client
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds and wires all services (idempotent)
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		cfg := config.AppConfig
		if cfg == nil {
			initErr = fmt.Errorf("configuration not loaded")
			return
		}

		container := &ServiceContainer{DB: db.DB}

		container.initRepositories(cfg)
		if err := container.initCoreServices(cfg); err != nil {
			initErr = fmt.Errorf("failed to initialize core services: %w", err)
			return
		}
		container.initEventServices(cfg)

		Container = container
		log.Println("✅ Service Container initialized successfully")
	})

	return Container, initErr
}

// initRepositories picks GORM-backed or in-memory repositories depending on
// whether a database is connected
func (c *ServiceContainer) initRepositories(cfg *config.Config) {
	log.Println("📦 Initializing Repositories...")

	if c.DB != nil {
		c.TaskRepo = repository.NewTaskRepository(c.DB)
		c.QuotaRepo = repository.NewQuotaRepository(c.DB)
	} else {
		log.Println("⚠️ No database configured, using in-memory repositories")
		c.TaskRepo = repository.NewMemoryTaskRepository()
	}

	log.Println("✅ Repositories initialized")
}

func (c *ServiceContainer) initCoreServices(cfg *config.Config) error {
	log.Println("⚙️ Initializing Core Services...")

	// Quota ledger: Redis when configured, otherwise in-process with
	// write-through persistence.
	period := models.QuotaPeriod(cfg.Quota.Period)
	if cfg.Redis.Host != "" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.QuotaLedger = services.NewRedisQuotaLedger(c.redisClient, period, cfg.Quota.Limit)
		log.Printf("✅ Quota ledger: Redis (%s:%d)", cfg.Redis.Host, cfg.Redis.Port)
	} else {
		c.QuotaLedger = services.NewMemoryQuotaLedger(period, cfg.Quota.Limit, c.QuotaRepo)
		log.Println("✅ Quota ledger: in-process")
	}

	retention := time.Duration(cfg.Storage.RetentionHours) * time.Hour
	sweepEvery := time.Duration(cfg.Storage.SweepMinutes) * time.Minute

	artifacts, err := services.NewArtifactStore(cfg.Storage.ArtifactDir, c.TaskRepo, retention, sweepEvery)
	if err != nil {
		return err
	}
	c.Artifacts = artifacts

	c.Runner = services.NewProcessRunner(
		cfg.Workers.Command,
		cfg.Workers.ProbeCommand,
		cfg.Storage.WorkDir,
		time.Duration(cfg.Workers.ProbeTimeout)*time.Second,
	)

	c.WorkerPool = services.NewWorkerPoolService(
		cfg.Workers.MaxWorkers,
		cfg.Workers.GPUs,
		c.Runner,
		time.Duration(cfg.Workers.TaskTimeout)*time.Second,
		cfg.Workers.MaxRestartAttempts,
	)

	c.Hub = events.NewHub()
	c.TaskQueue = services.NewTaskQueueService(cfg, c.TaskRepo, c.QuotaLedger, c.Artifacts, c.Hub)
	c.Dispatcher = services.NewDispatcherService(c.TaskQueue, c.WorkerPool, c.Artifacts)

	log.Println("✅ Core Services initialized")
	return nil
}

// initEventServices wires optional external event fan-out
func (c *ServiceContainer) initEventServices(cfg *config.Config) {
	c.PushService = services.NewWebSocketPushService(c.Hub)

	if cfg.NATS.URL == "" {
		log.Println("NATS not configured, skipping event publisher")
		return
	}

	prefix := cfg.NATS.SubjectPrefix
	if prefix == "" {
		prefix = "genmedia"
	}

	publisher, err := events.NewNATSPublisher(cfg.NATS.URL, prefix, time.Duration(cfg.NATS.Timeout)*time.Second)
	if err != nil {
		log.Printf("⚠️ NATS publisher initialization failed: %v", err)
		return
	}
	publisher.Attach(c.Hub)
	c.NATSPublisher = publisher
}

// Start brings services up in dependency order
func (c *ServiceContainer) Start() error {
	c.Artifacts.Start()
	c.WorkerPool.Start()
	if err := c.TaskQueue.Start(); err != nil {
		return err
	}
	c.Dispatcher.Start()
	return nil
}

// Cleanup stops services in reverse dependency order
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")

	if c.Dispatcher != nil {
		c.Dispatcher.Stop()
	}
	if c.TaskQueue != nil {
		c.TaskQueue.Stop()
	}
	if c.WorkerPool != nil {
		c.WorkerPool.Stop()
	}
	if c.Artifacts != nil {
		c.Artifacts.Stop()
	}
	if c.PushService != nil {
		c.PushService.Stop()
	}
	if c.NATSPublisher != nil {
		c.NATSPublisher.Close()
	}
	if c.redisClient != nil {
		c.redisClient.Close()
	}

	log.Println("✅ Service Container cleaned up")
}
