package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"research-confluence/src/aggregation"
	"research-confluence/src/config"
	"research-confluence/src/confluence"
	"research-confluence/src/extraction"
	"research-confluence/src/interfaces"
	"research-confluence/src/logger"
	"research-confluence/src/network"
	"research-confluence/src/pricefeed"
	"research-confluence/src/refresh"
	"research-confluence/src/server"
	"research-confluence/src/staleness"
	"research-confluence/src/storage"
	"research-confluence/src/symbols"
	"research-confluence/src/utils"
	"research-confluence/src/validation"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	config, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(config.LogLevel, config.Name)

	// 2. Storage
	var db interfaces.IDatabase
	var pgdb *storage.PostgresDB

	switch config.Storage.DBType {
	case "postgres":
		pgdb, err = storage.NewPostgresDB(config.MConfig, appLogger)
		db = pgdb
	default:
		// Default to SQLite
		db, err = storage.NewSQLiteDB(config.MConfig, appLogger)
	}

	if err != nil {
		appLogger.Critical("Failed to init db: %v", err)
	}
	if err := db.Initialize(); err != nil {
		appLogger.Critical("Failed to migrate db: %v", err)
	}
	defer db.Close()

	// 3. Core pipeline components
	normalizer := symbols.NewNormalizer(config.Symbols)
	tracked := config.TrackedTickers()

	// Advisory locks coordinate several worker processes on one Postgres;
	// a single process only needs the in-memory table.
	var locks interfaces.ISymbolLockTable
	if pgdb != nil {
		locks = storage.NewPostgresLockTable(pgdb.DB, tracked, appLogger)
	} else {
		locks = refresh.NewMemoryLockTable(tracked)
	}

	netMgr := network.NewAsyncNetworkManager(config.MConfig, appLogger)
	oracle := extraction.NewOracleClient(config.MConfig, netMgr, appLogger)
	orchestrator := extraction.NewOrchestrator(config.MConfig, oracle, normalizer, appLogger)
	validator := validation.NewValidator(normalizer, appLogger)
	calculator := confluence.NewCalculator(config.MConfig, appLogger)
	aggregator := aggregation.NewAggregator(config.MConfig, db, calculator, appLogger)

	// 4. Server and refresh controller (the server publishes state, the
	// controller feeds it; wired after construction to close the cycle)
	srv := server.NewAPIServer(config.MConfig, db, normalizer, locks, aggregator, appLogger)
	controller := refresh.NewController(config.MConfig, locks, db, orchestrator, validator, aggregator, srv, appLogger)
	srv.Controller = controller

	// 5. Seed the server snapshot from storage
	states, err := db.AllSymbolStates()
	if err != nil {
		appLogger.Warning("Failed to seed states: %v", err)
	} else {
		srv.SeedStates(states)
		appLogger.Info("Seeded %d symbol states", len(states))
	}

	// 6. Staleness monitor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feed interfaces.IPriceFeed
	if config.Staleness.PriceFeedEnabled {
		feed = pricefeed.NewYahooPriceFeed(config.MConfig, netMgr, appLogger)
	}
	scheduler := utils.NewSweepScheduler(tracked, appLogger)
	monitor := staleness.NewMonitor(config.MConfig, db, locks, aggregator, feed, scheduler, srv, config.SourceStaleness, appLogger)
	go monitor.Run(ctx)

	// 7. Start Server
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Critical("Server failed: %v", err)
		}
	}()

	appLogger.Info("Tracking %d symbols across %d sources", len(tracked), len(config.Sources))

	// 8. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	cancel()
	srv.Stop()
}
