package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/sensor/internal/api"
	"example.com/backstage/services/sensor/internal/core"
	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the sensor measurement API server",
	Long:  `Launches the HTTP server handling device ownership, measurement ingestion and alerts, plus the optional MQTT ingestion listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Sensor Measurement Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		logger.Warn("Cache unavailable, token resolution will hit the database")
		cache = nil
	} else {
		defer cache.Close()
	}

	var messaging *infrastructure.Messaging
	if cfg.Ingest.Mode == core.IngestModeQueued {
		logger.Info("Connecting to measurement queue...")
		messaging, err = infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			return fmt.Errorf("queued ingest mode requires the queue: %w", err)
		}
		defer messaging.Close()
	}

	// --- Service Layer Setup ---
	services, err := buildServices(db, cache, messaging)
	if err != nil {
		return err
	}

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services)
	api.SetupRoutes(router, handlers, services, logger)

	// --- Optional MQTT ingestion listener ---
	var listener *infrastructure.MQTTListener
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		listener, err = infrastructure.NewMQTTListener(*cfg.MQTT, mqttReadingHandler(services), logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT listener: %w", err)
		}
		if err := listener.Start(); err != nil {
			return fmt.Errorf("failed to start MQTT listener: %w", err)
		}
		defer listener.Stop()
	}

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Sensor Measurement API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Sensor Measurement Service shutdown complete")
	return nil
}

// buildServices wires the domain services the way both processes need them.
func buildServices(db *infrastructure.Database, cache *infrastructure.Cache, messaging *infrastructure.Messaging) (*core.ServiceRegistry, error) {
	store := core.NewDataStore(db.DB)

	rules, err := core.BuildRules(coreRuleConfigs())
	if err != nil {
		return nil, fmt.Errorf("failed to build alert rules: %w", err)
	}
	engine := core.NewRuleEngine(rules...)
	logger.Infof("Alert rule engine assembled with %d rules", len(rules))

	ownership := core.NewOwnershipService(store, cache, logger)
	alerts := core.NewAlertService(store, logger)

	var publisher core.Publisher
	if messaging != nil {
		publisher = messaging
	}

	ingestion := core.NewIngestionService(
		store, ownership, engine, alerts,
		publisher, cfg.ServiceBus.QueueName, cfg.Ingest.Mode, logger,
	)

	return &core.ServiceRegistry{
		Devices:      core.NewDeviceService(store, logger),
		Ownership:    ownership,
		Measurements: core.NewMeasurementService(store, logger),
		Alerts:       alerts,
		Ingestion:    ingestion,
		Engine:       engine,
	}, nil
}

func coreRuleConfigs() []core.RuleConfig {
	configs := make([]core.RuleConfig, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		configs = append(configs, core.RuleConfig{RuleType: rc.RuleType, Params: rc.Params})
	}
	return configs
}

// mqttReadingHandler bridges broker-published readings into the same
// token-authorized submit path the HTTP API uses.
func mqttReadingHandler(services *core.ServiceRegistry) infrastructure.ReadingHandler {
	return func(ctx context.Context, token string, payload []byte) error {
		var raw core.RawReading
		if err := json.Unmarshal(payload, &raw); err != nil {
			return core.ValidationError{Field: "payload", Reason: "malformed reading payload"}
		}
		_, _, err := services.Ingestion.SubmitWithToken(ctx, token, raw)
		return err
	}
}
