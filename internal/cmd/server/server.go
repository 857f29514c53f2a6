// Package server parses server command flags and runs the engagement API.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventflowhq/eventflow/internal/api/httpapi"
	"github.com/eventflowhq/eventflow/internal/engagement/catalog"
	"github.com/eventflowhq/eventflow/internal/engagement/crowd"
	"github.com/eventflowhq/eventflow/internal/engagement/domain"
	"github.com/eventflowhq/eventflow/internal/engagement/fraud"
	"github.com/eventflowhq/eventflow/internal/engagement/metrics"
	"github.com/eventflowhq/eventflow/internal/engagement/rarity"
	"github.com/eventflowhq/eventflow/internal/engagement/service"
	"github.com/eventflowhq/eventflow/internal/engagement/storage"
	"github.com/eventflowhq/eventflow/internal/engagement/storage/bolt"
	"github.com/eventflowhq/eventflow/internal/engagement/storage/postgres"
	"github.com/eventflowhq/eventflow/internal/engagement/storage/sqlite"
	entrypoint "github.com/eventflowhq/eventflow/internal/platform/cmd"
)

const shutdownTimeout = 10 * time.Second

// Config holds server command configuration.
type Config struct {
	Port int `env:"EVENTFLOW_PORT" envDefault:"8080"`

	DBDriver string `env:"EVENTFLOW_DB_DRIVER" envDefault:"sqlite"`
	DBPath   string `env:"EVENTFLOW_DB_PATH" envDefault:"eventflow.db"`
	DBDSN    string `env:"EVENTFLOW_DB_DSN"`

	CatalogPath string `env:"EVENTFLOW_CATALOG_PATH"`

	CrowdWindow    time.Duration `env:"EVENTFLOW_CROWD_WINDOW" envDefault:"10m"`
	HeatWindow     time.Duration `env:"EVENTFLOW_HEAT_WINDOW" envDefault:"30m"`
	CrowdThreshold int           `env:"EVENTFLOW_CROWD_THRESHOLD" envDefault:"5"`
	RarePoints     int           `env:"EVENTFLOW_RARE_POINTS" envDefault:"50"`
	CommonPoints   int           `env:"EVENTFLOW_COMMON_POINTS" envDefault:"10"`
	SpawnTTL       time.Duration `env:"EVENTFLOW_SPAWN_TTL" envDefault:"1h"`

	FraudHistory    int           `env:"EVENTFLOW_FRAUD_HISTORY" envDefault:"5"`
	FraudMaxSpeed   float64       `env:"EVENTFLOW_FRAUD_MAX_SPEED" envDefault:"2.5"`
	FraudHighSpeed  float64       `env:"EVENTFLOW_FRAUD_HIGH_SPEED" envDefault:"10"`
	FraudBurstWin   time.Duration `env:"EVENTFLOW_FRAUD_BURST_WINDOW" envDefault:"60s"`
	FraudBurstLimit int           `env:"EVENTFLOW_FRAUD_BURST_LIMIT" envDefault:"3"`
	FraudQueueSize  int           `env:"EVENTFLOW_FRAUD_QUEUE" envDefault:"256"`
}

// ParseConfig parses environment and flags into a Config. A .env file in
// the working directory is loaded first when present.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The API server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Storage driver: sqlite, postgres, or bolt")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Postgres connection string")
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "Collectible catalog YAML path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engagement API service and blocks until ctx is canceled or
// the listener fails.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

type store interface {
	storage.Store
	Close() error
}

func openStore(cfg Config) (store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return sqlite.Open(cfg.DBPath)
	case "postgres":
		return postgres.Open(cfg.DBDSN)
	case "bolt":
		return bolt.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func run(ctx context.Context, cfg Config) error {
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	pools, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tracker := crowd.NewTracker(db)
	resolver := rarity.NewResolver(pools.CommonPool(), pools.RarePool())
	resolver.Threshold = cfg.CrowdThreshold
	resolver.RarePoints = cfg.RarePoints
	resolver.CommonPoints = cfg.CommonPoints

	detector := fraud.NewDetector(db, fraud.Config{
		HistoryLimit: cfg.FraudHistory,
		MaxSpeed:     cfg.FraudMaxSpeed,
		HighSpeed:    cfg.FraudHighSpeed,
		BurstWindow:  cfg.FraudBurstWin,
		BurstLimit:   cfg.FraudBurstLimit,
	})
	detector.OnAlert = func(alert domain.FraudAlert) {
		m.ObserveAlert(string(alert.Severity))
	}
	dispatcher := fraud.NewDispatcher(detector, cfg.FraudQueueSize)
	defer dispatcher.Close()

	scans := service.NewScanService(db, tracker, resolver, dispatcher, m).
		WithWindow(cfg.CrowdWindow).
		WithSpawnTTL(cfg.SpawnTTL)
	redemptions := service.NewRedemptionService(db, m)

	mux := http.NewServeMux()
	httpapi.New(scans, redemptions, db, tracker, registry).
		WithHeat(cfg.HeatWindow, cfg.CrowdThreshold).
		Register(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("engagement API listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
