package main

import (
	"RiskWatch/internal/engine"
	"RiskWatch/internal/ingestion"
	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/observability"
	"RiskWatch/internal/persistence"
	"RiskWatch/internal/quote"
	"RiskWatch/internal/risk"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Ledger service
	LedgerURL         string
	AccountID         string
	MutationTimeoutMS int

	// NATS push channel
	NATSURL string

	// Optional Postgres for violation snapshot persistence. Empty selects
	// the in-memory store.
	PostgresURL string

	// Reconciliation cadence
	SyncIntervalSec         int
	DegradedSyncIntervalSec int

	// Quote throttle
	QuoteThrottleMS int

	// Snapshot publishing
	FlushIntervalMS int

	// HTTP
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		LedgerURL:               envOrDefault("RISKWATCH_LEDGER_URL", "http://localhost:8080"),
		AccountID:               envOrDefault("RISKWATCH_ACCOUNT_ID", ""),
		MutationTimeoutMS:       envIntOrDefault("RISKWATCH_MUTATION_TIMEOUT_MS", 5000),
		NATSURL:                 envOrDefault("RISKWATCH_NATS_URL", "nats://localhost:4222"),
		PostgresURL:             envOrDefault("RISKWATCH_POSTGRES_DSN", ""),
		SyncIntervalSec:         envIntOrDefault("RISKWATCH_SYNC_INTERVAL_SEC", 30),
		DegradedSyncIntervalSec: envIntOrDefault("RISKWATCH_DEGRADED_SYNC_INTERVAL_SEC", 5),
		QuoteThrottleMS:         envIntOrDefault("RISKWATCH_QUOTE_THROTTLE_MS", 1000),
		FlushIntervalMS:         envIntOrDefault("RISKWATCH_FLUSH_INTERVAL_MS", 250),
		HTTPAddr:                envOrDefault("RISKWATCH_HTTP_ADDR", ":8081"),
		MetricsAddr:             envOrDefault("RISKWATCH_METRICS_ADDR", ":9092"),
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: RiskWatch starting...")

	cfg := DefaultConfig()
	if cfg.AccountID == "" {
		log.Fatal("FATAL: RISKWATCH_ACCOUNT_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewChannelHealth(0)

	// --- Violation snapshot store ---
	var store risk.SnapshotStore = risk.NewMemoryStore()
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Fatalf("FATAL: postgres open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("FATAL: postgres ping: %v", err)
		}
		pg := persistence.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("FATAL: ensure schema: %v", err)
		}
		store = pg
		log.Println("INFO: Postgres snapshot store ready")
	} else {
		log.Println("INFO: no Postgres DSN, using in-memory snapshot store")
	}

	// --- Ledger client ---
	ledger := ledgerapi.NewClient(
		cfg.LedgerURL,
		observability.NewLogger("ledgerapi"),
		ledgerapi.WithTimeout(time.Duration(cfg.MutationTimeoutMS)*time.Millisecond),
	)

	// --- NATS push channel ---
	nc, js, err := ingestion.Connect(cfg.NATSURL, observability.NewLogger("nats"), health)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	eventChan := make(chan ingestion.PushEvent, 4096)
	subscriber := ingestion.NewSubscriber(js, observability.NewLogger("ingestion"), health, eventChan)
	if err := subscriber.SubscribeQuotes(ctx); err != nil {
		log.Fatalf("FATAL: subscribe quotes: %v", err)
	}
	if err := subscriber.SubscribeAccount(ctx, cfg.AccountID); err != nil {
		log.Fatalf("FATAL: subscribe account events: %v", err)
	}
	defer subscriber.Stop()

	// --- Engine ---
	quotes := quote.NewCache(time.Duration(cfg.QuoteThrottleMS) * time.Millisecond)
	eng := engine.New(
		engine.Config{
			AccountID:            cfg.AccountID,
			MutationTimeout:      time.Duration(cfg.MutationTimeoutMS) * time.Millisecond,
			SyncInterval:         time.Duration(cfg.SyncIntervalSec) * time.Second,
			DegradedSyncInterval: time.Duration(cfg.DegradedSyncIntervalSec) * time.Second,
			FlushInterval:        time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
			OnAccountSelected: func(accountID string) {
				if err := subscriber.SubscribeAccount(ctx, accountID); err != nil {
					log.Printf("ERROR: subscribe account %s: %v", accountID, err)
				}
			},
		},
		observability.NewLogger("engine"),
		metrics,
		health,
		ledger,
		quotes,
		store,
		eventChan,
	)

	errChan := make(chan error, 4)

	go eng.Run(ctx)

	// Drain user-visible mutation failures to the log.
	go func() {
		for me := range eng.Errors() {
			log.Printf("WARN: %s mutation %s failed: %s", me.Kind, me.CorrelationID, me.Message)
		}
	}()

	// --- Snapshot HTTP endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
		mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(eng.Snapshot())
		})
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		log.Printf("INFO: HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- Prometheus metrics server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Printf("INFO: RiskWatch ready (account=%s, ledger=%s, http=%s, metrics=%s)",
		cfg.AccountID, cfg.LedgerURL, cfg.HTTPAddr, cfg.MetricsAddr)

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	cancel()
	subscriber.Stop()
	log.Println("INFO: RiskWatch shutdown complete")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("WARN: invalid %s=%q, using default %d", key, v, def)
	}
	return def
}
