package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/backend"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/db"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/homeassistant"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/httpapi"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	logger.Info("Starting ocpp-proxy")

	// Load configuration; an invalid configuration is fatal at startup.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("ocpp_version", cfg.Policy.OCPPVersion),
		zap.Bool("allow_shared_charging", cfg.Policy.AllowSharedCharging),
		zap.String("preferred_provider", cfg.Policy.PreferredProvider),
		zap.Int("ocpp_services", len(cfg.Policy.OCPPServices)),
	)

	// Open the session log database and bring the schema up to date.
	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error("Failed to close database", zap.Error(err))
		}
	}()
	if err := db.Migrate(database, cfg.DBDriver); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Core actors: event bus, charger manager, arbiter, registry, recorder.
	bus := events.NewBus()
	chargers := charger.NewManager(logger)

	var presence arbiter.PresenceSource
	var override *homeassistant.Override
	if cfg.HAURL != "" {
		ha := homeassistant.NewClient(cfg.HAURL, cfg.HAToken, logger)
		if cfg.Policy.PresenceSensor != "" {
			presence = homeassistant.NewPresence(ha, cfg.Policy.PresenceSensor)
		}
		if cfg.Policy.OverrideInputBoolean != "" {
			override = homeassistant.NewOverride(ha, cfg.Policy.OverrideInputBoolean)
		}
	}

	engine := arbiter.New(cfg.Policy, chargers, presence, logger)
	registry := backend.NewRegistry(engine, logger)
	store := sessionlog.NewStore(database)
	recorder := sessionlog.NewRecorder(store, engine.Holder, logger)

	go recorder.Run(bus.Subscribe("sessionlog", 256))
	go registry.Run(bus.Subscribe("registry", 256))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Poll the external override source; POST /override remains available
	// either way.
	if override != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					engine.SetOverride(override.IsActive())
				}
			}
		}()
	}

	// Outbound OCPP clients.
	supervisor := backend.NewSupervisor(cfg.Policy.OCPPServices, registry, engine, logger)
	supervisor.Start(runCtx)

	// HTTP/WebSocket surface.
	api := httpapi.New(cfg, store, engine, registry, chargers, bus, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("ocpp-proxy is running",
		zap.String("charger_endpoint", fmt.Sprintf("ws://localhost:%d/charger", cfg.Port)),
		zap.String("backend_endpoint", fmt.Sprintf("ws://localhost:%d/backend", cfg.Port)),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	chargers.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	supervisor.Wait()
	bus.Close()
	logger.Info("Server exited")
}
