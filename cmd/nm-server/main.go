// Command nm-server is network-master's control plane: it accepts agent
// control connections, ingests trace rounds, detects route changes,
// evaluates alert rules, and fans live updates out to dashboard clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/courage2groww/network-master/internal/config"
	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/servercore/aggregator"
	"github.com/courage2groww/network-master/internal/servercore/alert"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
	"github.com/courage2groww/network-master/internal/servercore/ingest"
	"github.com/courage2groww/network-master/internal/servercore/registry"
	"github.com/courage2groww/network-master/internal/servercore/route"
	"github.com/courage2groww/network-master/internal/servercore/stats"
	"github.com/courage2groww/network-master/internal/servercore/store"
	"github.com/courage2groww/network-master/internal/servercore/updatewatch"
	"github.com/courage2groww/network-master/internal/servercore/wsagent"
	"github.com/courage2groww/network-master/internal/servercore/wsdash"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg := config.Load()

	obs, err := observability.NewObservability(observability.DefaultConfig(cfg.ServiceName))
	if err != nil {
		panic(fmt.Sprintf("nm-server: failed setting up observability: %v", err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.ErrorContext(shutdownCtx, "nm-server: observability shutdown failed", "error", err)
		}
	}()

	metrics, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		obs.Logger.ErrorContext(ctx, "nm-server: failed building metrics manager", "error", err)
		panic(err)
	}
	trace := observability.NewTraceManager(cfg.ServiceName)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		obs.Logger.ErrorContext(ctx, "nm-server: failed opening database", "error", err)
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxConnections)

	if err := store.AutoMigrate(db); err != nil {
		obs.Logger.ErrorContext(ctx, "nm-server: auto-migration failed", "error", err)
		panic(err)
	}
	st := store.New(db)

	statsStore := stats.New()
	routes := route.New(st)
	hubs := broadcast.NewHubs()
	alerts := alert.New(st, statsStore, hubs.Alerts, trace, metrics, obs.Logger)
	pipeline := ingest.New(st, statsStore, routes, alerts, hubs, trace, metrics, obs.Logger)
	reg := registry.New()

	agentHandler := wsagent.New(st, reg, pipeline, routes, hubs, metrics, trace, obs.Logger)
	dashHandler := wsdash.New(hubs, metrics, obs.Logger)

	if err := os.MkdirAll(cfg.UpdateDir, 0o755); err != nil {
		obs.Logger.WarnContext(ctx, "nm-server: failed creating update dir", "path", cfg.UpdateDir, "error", err)
	}
	watcher := updatewatch.New(cfg.ReleaseBinaryPath, cfg.VersionManifestPath, cfg.UpdateDir, reg, obs.Logger)
	go watcher.Run(ctx)

	agg := aggregator.New(st, time.Duration(cfg.StatsAggregationIntervalSecs)*time.Second, obs.Logger)
	go agg.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", agentHandler)
	mux.Handle("/ws/live", dashHandler)
	mux.Handle("/updates/", http.StripPrefix("/updates/", http.FileServer(http.Dir(cfg.UpdateDir))))

	healthServer := observability.NewHealthServer(cfg.MetricsPort, cfg.ServiceName, cfg.ServiceVersion)
	healthServer.AddChecker("database", observability.NewBasicHealthChecker("database", func(ctx context.Context) error {
		return sqlDB.PingContext(ctx)
	}))
	go func() {
		if err := healthServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			obs.Logger.ErrorContext(ctx, "nm-server: health/metrics server failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		obs.Logger.InfoContext(ctx, "nm-server: listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Logger.ErrorContext(ctx, "nm-server: http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	obs.Logger.InfoContext(context.Background(), "nm-server: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		obs.Logger.WarnContext(shutdownCtx, "nm-server: http shutdown error", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		obs.Logger.WarnContext(shutdownCtx, "nm-server: health server shutdown error", "error", err)
	}
}
