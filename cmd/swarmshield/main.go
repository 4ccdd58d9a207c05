// SwarmShield gateway server — authenticated event ingestion, per-tenant
// policy evaluation and multi-model deliberation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmshield/swarmshield/pkg/api"
	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/config"
	"github.com/swarmshield/swarmshield/pkg/database"
	"github.com/swarmshield/swarmshield/pkg/deliberation"
	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/ghost"
	"github.com/swarmshield/swarmshield/pkg/llm"
	"github.com/swarmshield/swarmshield/pkg/policy"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema up to date")

	db := dbClient.DB()

	// PubSub.
	publisher := events.NewPublisher(db)
	listener := events.NewListener(dbClient.ConnString())
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start NOTIFY listener: %v", err)
	}
	defer listener.Stop(context.Background())

	// Services.
	workspaceService := services.NewWorkspaceService(db)
	agentService := services.NewAgentService(db, publisher)
	eventService := services.NewEventService(db)
	ruleService := services.NewRuleService(db, publisher)
	violationService := services.NewViolationService(db)
	sessionService := services.NewSessionService(db)
	workflowService := services.NewWorkflowService(db)
	auditService := services.NewAuditService(db)
	eventLogService := services.NewEventLogService(db)
	budgetStore := services.NewBudgetStore(db)
	slog.Info("Services initialized")

	// Caches.
	apiKeyCache := cache.NewApiKeyCache(agentService)
	if err := apiKeyCache.Start(ctx, listener); err != nil {
		log.Fatalf("Failed to start API key cache: %v", err)
	}
	policyCache := cache.NewPolicyCache(ruleService)
	policyCache.Start(listener)

	permissionService := services.NewPermissionService(db, publisher)
	authCache := cache.NewAuthCache(permissionService, cfg.AuthCache.TTLSeconds)
	if err := authCache.Start(ctx, listener); err != nil {
		log.Fatalf("Failed to start auth cache: %v", err)
	}

	keystoreKey, err := config.DecodeKeystoreKey(os.Getenv(cfg.Keystore.KeyEnv))
	var keyStore *cache.LLMKeyStore
	if err != nil {
		slog.Warn("Keystore key not configured; workspace LLM keys unavailable", "error", err)
	} else {
		keyStore, err = cache.NewLLMKeyStore(workspaceService, keystoreKey)
		if err != nil {
			log.Fatalf("Failed to create LLM key store: %v", err)
		}
		if err := keyStore.Start(ctx, listener); err != nil {
			log.Fatalf("Failed to start LLM key store: %v", err)
		}
	}
	slog.Info("Caches started")

	// Worker pool for hot-path side effects.
	pool := worker.NewPool(8, 1024)
	pool.Start(ctx)
	defer pool.Stop()

	// Policy engine.
	engine := policy.NewEngine(policyCache, policy.NewWindowCounters())
	go engine.Counters().RunSweeper(ctx)

	// LLM client with budget enforcement.
	budget := llm.NewBudget(budgetStore, workspaceService, cfg.LLM.BudgetDefaultCents)
	llmClient := llm.NewClient(os.Getenv(cfg.LLM.APIKeyEnv), llm.AnthropicBackend, budget, cfg.LLM.BaseBackoffMs)

	// Ghost protocol wipe engine.
	wipeEngine := ghost.NewEngine(db, sessionService, workflowService, publisher)

	// Deliberation orchestrator.
	orchestrator := deliberation.NewOrchestrator(deliberation.Deps{
		Sessions:  sessionService,
		Events:    eventService,
		Workflows: workflowService,
		Audit:     auditService,
		Publisher: publisher,
		LLM:       llmClient,
		Keys:      keyStore,
		Wipe:      wipeEngine,
		Pool:      pool,
		Config:    cfg,
	})
	defer orchestrator.Shutdown()

	// WebSocket fan-out.
	connManager := events.NewConnectionManager(eventLogService, 10*time.Second)
	connManager.SetListener(listener)
	listener.SetBroadcaster(connManager)

	// HTTP server.
	server := api.NewServer(api.Deps{
		Config:     cfg,
		APIKeys:    apiKeyCache,
		Engine:     engine,
		Pool:       pool,
		AdminToken: os.Getenv("SWARMSHIELD_ADMIN_TOKEN"),
		Workspaces: workspaceService,
		Agents:     agentService,
		Events:     eventService,
		Rules:      ruleService,
		Violations: violationService,
		Sessions:   sessionService,
		Audit:      auditService,
	})
	server.SetOrchestrator(orchestrator)
	server.SetConnectionManager(connManager)
	go server.Limiter().RunSweeper(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	slog.Info("HTTP server listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}
