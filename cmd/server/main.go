package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelops/banhammer/internal/api"
	"github.com/sentinelops/banhammer/internal/classifier"
	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/enrich"
	"github.com/sentinelops/banhammer/internal/ingest"
	"github.com/sentinelops/banhammer/internal/notify"
	"github.com/sentinelops/banhammer/internal/panel"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
	"github.com/sentinelops/banhammer/internal/repository/postgres"
	"github.com/sentinelops/banhammer/internal/repository/redis"
	"github.com/sentinelops/banhammer/internal/sink"
	"github.com/sentinelops/banhammer/internal/tracker"
	"github.com/sentinelops/banhammer/internal/xray"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Banhammer detection engine (cmd/server/main.go)")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	// Pre-flight: both listening ports must be free
	if err := checkPortAvailable(cfg.API.Host, cfg.API.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	if err := checkPortAvailable(cfg.Ingest.Host, cfg.Ingest.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: ports %d (api) and %d (ingest) are available",
		cfg.API.Port, cfg.Ingest.Port)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	// Banlist persistence: Postgres when DATABASE_URL is set, Redis as the
	// lighter alternative, otherwise in-memory only.
	var persister sink.Persister
	var closePersist func() error
	switch {
	case cfg.Persist.DatabaseURL != "":
		repo, err := postgres.Open(startCtx, cfg.Persist.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open banlist database: %v", err)
		}
		persister = repo
		closePersist = repo.Close
		log.Println("[persist] PostgreSQL banlist store initialized")
	case cfg.Persist.RedisAddr != "":
		store, err := redis.Open(startCtx, cfg.Persist.RedisAddr, cfg.Persist.RedisDB)
		if err != nil {
			log.Fatalf("Failed to open Redis banlist store: %v", err)
		}
		persister = store
		closePersist = store.Close
		log.Println("[persist] Redis banlist store initialized")
	default:
		log.Println("[persist] no backend configured, banlist is in-memory only")
	}

	// Telegram notifications
	var notifier sink.Notifier
	var tg *notify.Telegram
	if cfg.Notify.Enabled() {
		tg = notify.NewTelegram(cfg.Notify)
		tg.Start()
		notifier = tg
		log.Println("[notify] Telegram notifier started")
	} else {
		log.Println("[notify] disabled (TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID not set)")
	}

	// ISP enrichment
	var enricher sink.Enricher
	if cfg.Enrich.Enabled {
		w, err := enrich.NewWhoisLookup(cfg.Enrich)
		if err != nil {
			log.Fatalf("Failed to initialize ISP lookup: %v", err)
		}
		enricher = w
		log.Println("[enrich] ISP lookup enabled")
	}

	sinks := sink.New(persister, notifier, enricher)

	// Core pipeline: tracker ← ingest, tracker → classifier
	tr := tracker.New(cfg.Detection.Retention(), cfg.Detection.RecentRequests)
	parser := &xray.Parser{SubnetGrouping: cfg.Detection.SubnetGrouping}

	rosterClient := panel.NewClient(cfg.Panel)
	roster := panel.NewCache(rosterClient, cfg.Panel)
	if err := roster.Start(startCtx); err != nil {
		log.Fatalf("Failed to start roster cache: %v", err)
	}
	if !roster.Loaded() {
		log.Println("[panel] WARNING: initial roster fetch failed, users are unclassified until it succeeds")
	}

	clf := classifier.New(cfg.Detection, tr, roster, sinks, cfg.Notify.Interval())
	if err := clf.Hydrate(startCtx); err != nil {
		log.Printf("Warning: banlist hydration failed: %v", err)
	}
	clf.Start()

	ingestServer := ingest.NewServer(cfg.Ingest, parser, tr)
	if err := ingestServer.Start(); err != nil {
		log.Fatalf("Failed to start ingest listener: %v", err)
	}

	handlers := api.NewHandlers(tr, clf, ingestServer, roster, sinks, cfg.Detection)
	server := api.NewServer(cfg.API, handlers)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API server on %s", cfg.API.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — engine is ready")

	<-done
	log.Println("Shutting down...")

	// Stop accepting new work first, then drain
	ingestServer.Stop()
	clf.Stop()
	roster.Stop()
	if tg != nil {
		tg.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if closePersist != nil {
		if err := closePersist(); err != nil {
			log.Printf("Persist close error: %v", err)
		}
	}

	log.Println("Engine stopped")
}
