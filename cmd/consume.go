// services/sensor/cmd/consume.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/sensor/internal/consumer"
	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/spf13/cobra"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Runs the measurement queue consumer",
	Long:  `Drains queued reading envelopes, stores measurements, evaluates alert rules and dispatches alerts. Poison messages are parked in the dead-letter log after bounded redelivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsumer()
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}

func runConsumer() error {
	logger.Info("Initializing measurement consumer...")

	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		logger.Warn("Cache unavailable, token resolution will hit the database")
		cache = nil
	} else {
		defer cache.Close()
	}

	logger.Info("Connecting to measurement queue...")
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("queue connection failed: %w", err)
	}
	defer messaging.Close()

	services, err := buildServices(db, cache, messaging)
	if err != nil {
		return err
	}

	deadLetter, err := infrastructure.NewDeadLetterLog(cfg.Consumer.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer deadLetter.Close()

	c := consumer.New(messaging, services.Ingestion, deadLetter, cfg.Consumer.MaxDeliveries, cfg.ServiceBus.ReceiveTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownChan
		logger.Warn("Shutdown signal received, stopping consumer...")
		cancel()
	}()

	logger.Infof("Consuming measurements from queue %q", cfg.ServiceBus.QueueName)
	if err := c.Run(ctx); err != nil {
		return err
	}

	logger.Info("Consumer stopped")
	return nil
}
