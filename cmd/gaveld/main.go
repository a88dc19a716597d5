package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gavel/backend/internal/approval"
	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/config"
	"github.com/gavel/backend/internal/gateway"
	"github.com/gavel/backend/internal/identity"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/notify"
	"github.com/gavel/backend/internal/policy"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("GAVEL_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Println("🔨 Starting gavel governance gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit ledger: Postgres when configured, in-memory otherwise.
	var store ledger.Store
	if cfg.Ledger.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.Ledger.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		pg := ledger.NewPGStore(db)
		initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := pg.Ping(initCtx); err != nil {
			initCancel()
			log.Fatalf("postgres ping: %v", err)
		}
		if err := pg.EnsureSchema(initCtx); err != nil {
			initCancel()
			log.Fatalf("postgres schema: %v", err)
		}
		initCancel()
		store = pg
		log.Println("📜 Audit ledger: postgres")
	} else {
		store = ledger.NewMemStore()
		log.Println("⚠️ Audit ledger: in-memory (development only, events lost on restart)")
	}

	// Policy engine: compiled-in defaults unless a rule file is given.
	engine := policy.MustDefaultEngine()
	if cfg.Policy.Path != "" {
		rules, err := policy.LoadRuleSet(cfg.Policy.Path)
		if err != nil {
			log.Fatalf("policy rules: %v", err)
		}
		engine, err = policy.NewEngine(rules)
		if err != nil {
			log.Fatalf("policy engine: %v", err)
		}
	}
	log.Printf("⚖️ Policy engine: version %s", engine.Version())

	if err := bootstrapChain(ctx, store, engine.Version()); err != nil {
		log.Fatalf("ledger bootstrap: %v", err)
	}

	identities, err := identity.NewRegistry(cfg.Identity.Path, cfg.Server.HumanAPIKey)
	if err != nil {
		log.Fatalf("identity registry: %v", err)
	}
	if err := identities.Watch(ctx); err != nil {
		log.Printf("⚠️ Identity hot reload disabled: %v", err)
	}
	log.Printf("🪪 Identity allow-list: %d actors", identities.Len())

	approvals := approval.NewRegistry(store, approval.Config{
		TTL:           cfg.Approval.TTL(),
		InitialWindow: cfg.Approval.InitialWindow(),
		HardDeadline:  cfg.Approval.HardDeadline(),
	}, engine.Version())

	memBytes, err := blastbox.ParseMemory(cfg.Sandbox.Memory)
	if err != nil {
		log.Fatalf("sandbox memory limit: %v", err)
	}
	runtime := blastbox.NewDockerRuntime(blastbox.DockerConfig{
		Image:          cfg.Sandbox.Image,
		MemoryBytes:    memBytes,
		NanoCPUs:       cfg.Sandbox.NanoCPUs(),
		DefaultTimeout: cfg.Sandbox.Timeout(),
	})
	if runtime.Available(ctx) {
		log.Printf("📦 Blast Box: docker, image=%s", cfg.Sandbox.Image)
	} else {
		log.Println("⚠️ Blast Box: docker daemon unreachable, /execute will return 503")
	}

	var bus notify.Bus = notify.NoopBus{}
	if cfg.Notify.RedisURL != "" {
		redisBus, err := notify.NewRedisBus(cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix)
		if err != nil {
			log.Fatalf("redis notify bus: %v", err)
		}
		defer redisBus.Close()
		bus = redisBus
		log.Println("📣 Notifications: redis pub/sub")
	}

	srv := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Store:      store,
		Engine:     engine,
		Identities: identities,
		Approvals:  approvals,
		Runtime:    runtime,
		Bus:        bus,
		Registry:   prometheus.NewRegistry(),
	})
	go srv.RunSweeper(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Gateway listening on :%s", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// bootstrapChain writes the SYSTEM_BOOTSTRAP genesis event on first run.
func bootstrapChain(ctx context.Context, store ledger.Store, policyVersion string) error {
	_, err := store.AppendFunc(ctx, func(ctx context.Context, r ledger.Reader) (*ledger.Draft, error) {
		tip, err := r.Tip(ctx)
		if err != nil {
			return nil, err
		}
		if tip != nil {
			return nil, nil
		}
		return &ledger.Draft{
			ActorID:    "system:gateway",
			ActionType: ledger.TypeSystemBootstrap,
			IntentPayload: map[string]any{
				"service": "gavel-gateway",
				"reason":  "chain genesis",
			},
			PolicyVersion: policyVersion,
		}, nil
	})
	return err
}
