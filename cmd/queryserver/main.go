// Command queryserver runs the differentially private aggregate query
// service: it wires configuration, logging, metrics, storage, the budget
// ledger, the mechanism engine and planner, and the admission gate behind
// an HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/privaudit/dpquery/applications/httpapi"
	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/infrastructure/ratelimit"
	"github.com/privaudit/dpquery/internal/app/core/service"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/gate"
	"github.com/privaudit/dpquery/internal/app/ledger"
	"github.com/privaudit/dpquery/internal/app/mechanism"
	"github.com/privaudit/dpquery/internal/app/planner"
	"github.com/privaudit/dpquery/internal/app/storage"
	"github.com/privaudit/dpquery/internal/app/storage/memory"
	"github.com/privaudit/dpquery/internal/app/storage/postgres"
	"github.com/privaudit/dpquery/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("dpquery", cfg.Logging.Level, cfg.Logging.Format)
	logging.InitDefault("dpquery", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.Init("dpquery")

	registry := columnRegistryFrom(cfg)

	var ledg ledger.Ledger
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		ledg = ledger.NewRedisLedger(client, "dpquery:ledger:")
		logger.Info(context.Background(), "using redis-backed ledger", map[string]interface{}{"addr": cfg.Redis.Addr})
	} else {
		ledg = ledger.NewMemoryLedger()
		logger.Info(context.Background(), "using in-memory ledger", nil)
	}

	sweeper, err := ledger.NewSweeper(ledg, logger, "*/15 * * * * *")
	if err != nil {
		logger.Fatal(context.Background(), "failed to build ledger sweeper", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// The row store is always an external dataset the operator wires in
	// (joins, real warehouses, and row-level access are explicitly out of
	// scope for this service); memory.RowStore stands in as the reference
	// implementation of that consumed interface until one is supplied.
	rows := memory.NewRowStore(nil)

	var audit storage.AuditSink
	var principals storage.PrincipalStore
	seedPrincipals := memory.NewPrincipalStore(
		domain.Principal{ID: "root", Role: domain.RoleAdmin, Active: true, CreatedAt: time.Now()},
	)

	if cfg.Database.DSN != "" || cfg.Database.Host != "" {
		dsn := cfg.Database.DSN
		if dsn == "" {
			dsn = cfg.Database.ConnectionString()
		}
		db, err := postgres.Open(dsn)
		if err != nil {
			logger.Fatal(context.Background(), "failed to open database", err)
		}
		store := postgres.New(db).WithMetrics(m)
		if err := store.EnsureSchema(context.Background()); err != nil {
			logger.Fatal(context.Background(), "failed to ensure database schema", err)
		}
		audit = store
		principals = store
		logger.Info(context.Background(), "using postgres-backed audit sink and principal store", nil)
	} else {
		memAudit := memory.NewAuditSink()
		audit = memAudit
		principals = seedPrincipals
		logger.Info(context.Background(), "using in-memory audit sink and principal store", nil)
	}

	ctx := context.Background()
	for _, p := range seedPrincipals.All() {
		_ = ledg.EnsurePrincipal(ctx, p.ID, cfg.Privacy.DefaultTotalBudget, cfg.Privacy.DefaultWarningThreshold)
	}

	engine := mechanism.NewEngine()
	plan := planner.New(engine, rows, registry, cfg.Privacy.ExponentialCandidates, cfg.Privacy.ExposeNoiseDelta, cfg.Privacy.EpsilonMax)

	reservationTTL := time.Duration(cfg.Privacy.ReservationTimeout) * time.Second
	g := gate.New(principals, ledg, plan, audit, logger, m, reservationTTL)
	g.WithHooks(service.ObservationHooks{
		OnComplete: func(ctx context.Context, meta map[string]string, err error, d time.Duration) {
			logger.LogPerformance(ctx, "gate.Handle", map[string]interface{}{
				"principal_id":  meta["principal_id"],
				"query_type":    meta["query_type"],
				"duration_ms":   d.Milliseconds(),
				"error_present": err != nil,
			})
		},
	})

	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	mux := httpapi.NewMux(g, principals, logger, m, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), "starting query server", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "server failed", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "graceful shutdown failed", err, nil)
	}
}

func columnRegistryFrom(cfg *config.Config) *domain.Registry {
	columns := make([]domain.ColumnDescriptor, 0, len(cfg.Privacy.Columns))
	for _, c := range cfg.Privacy.Columns {
		kind := domain.ColumnNumeric
		if c.Kind == string(domain.ColumnCategorical) {
			kind = domain.ColumnCategorical
		}
		columns = append(columns, domain.ColumnDescriptor{
			Name: c.Name,
			Kind: kind,
			Low:  c.Low,
			High: c.High,
		})
	}
	return domain.NewRegistry(columns)
}
