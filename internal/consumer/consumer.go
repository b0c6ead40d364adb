package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"example.com/backstage/services/sensor/internal/core"
	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

const (
	receiveBatch          = 10
	defaultReceiveTimeout = 30 * time.Second
)

// Queue is the receive side of the measurement queue.
type Queue interface {
	Receive(ctx context.Context, max int, timeout time.Duration) ([]*infrastructure.QueueMessage, error)
	Complete(ctx context.Context, msg *infrastructure.QueueMessage) error
	Abandon(ctx context.Context, msg *infrastructure.QueueMessage) error
}

// Consumer drains the measurement queue and drives each message through the
// ingestion tail (store, evaluate, dispatch). One instance processes
// sequentially; ordering across concurrent instances is not guaranteed.
type Consumer struct {
	queue          Queue
	ingestion      *core.IngestionService
	deadLetter     *infrastructure.DeadLetterLog
	maxDeliveries  uint32
	receiveTimeout time.Duration
	logger         *logrus.Logger
}

func New(queue Queue, ingestion *core.IngestionService, deadLetter *infrastructure.DeadLetterLog, maxDeliveries int, receiveTimeout time.Duration, logger *logrus.Logger) *Consumer {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if receiveTimeout <= 0 {
		receiveTimeout = defaultReceiveTimeout
	}
	return &Consumer{
		queue:          queue,
		ingestion:      ingestion,
		deadLetter:     deadLetter,
		maxDeliveries:  uint32(maxDeliveries),
		receiveTimeout: receiveTimeout,
		logger:         logger,
	}
}

// Run receives until the context is cancelled. A failing message never halts
// the loop: it is either returned for redelivery or parked in the
// dead-letter log with its full payload.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Measurement consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Measurement consumer stopped")
			return nil
		default:
		}

		messages, err := c.queue.Receive(ctx, receiveBatch, c.receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Measurement consumer stopped")
				return nil
			}
			c.logger.WithError(err).Error("Failed to receive from queue")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *infrastructure.QueueMessage) {
	var envelope core.ReadingEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		c.park(ctx, msg, "malformed message body: "+err.Error())
		return
	}

	_, err := c.ingestion.Process(ctx, &envelope)
	if err == nil {
		if err := c.queue.Complete(ctx, msg); err != nil {
			c.logger.WithError(err).Error("Failed to settle processed message")
		}
		return
	}

	c.logger.WithError(err).WithFields(logrus.Fields{
		"payload":        string(msg.Body),
		"delivery_count": msg.DeliveryCount,
	}).Error("Failed to process queue message")

	// Validation failures and dangling device references never heal on
	// redelivery; park them immediately. Everything else gets redelivered
	// until the cap.
	if core.IsValidation(err) || errors.Is(err, core.ErrDeviceNotFound) {
		c.park(ctx, msg, err.Error())
		return
	}

	if msg.DeliveryCount >= c.maxDeliveries {
		c.park(ctx, msg, err.Error())
		return
	}

	if err := c.queue.Abandon(ctx, msg); err != nil {
		c.logger.WithError(err).Error("Failed to abandon message for redelivery")
	}
}

// park writes the message to the dead-letter log and settles it so the
// broker stops redelivering.
func (c *Consumer) park(ctx context.Context, msg *infrastructure.QueueMessage, reason string) {
	// A body that is not valid JSON is preserved as a JSON string so the
	// entry itself stays encodable.
	payload := json.RawMessage(msg.Body)
	if !json.Valid(msg.Body) {
		payload, _ = json.Marshal(string(msg.Body))
	}

	entry := infrastructure.DeadLetterEntry{
		Reason:        reason,
		DeliveryCount: msg.DeliveryCount,
		Payload:       payload,
	}

	if c.deadLetter != nil {
		if err := c.deadLetter.Append(entry); err != nil {
			c.logger.WithError(err).WithField("payload", string(msg.Body)).
				Error("Failed to write dead-letter entry")
		}
	} else {
		c.logger.WithFields(logrus.Fields{
			"payload": string(msg.Body),
			"reason":  reason,
		}).Error("Dropping message, no dead-letter log configured")
	}

	if err := c.queue.Complete(ctx, msg); err != nil {
		c.logger.WithError(err).Error("Failed to settle dead-lettered message")
	}
}
