package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/sensor/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Messaging is the queue transport for deferred measurement processing. It
// carries the publish side used by the API process and the receive side used
// by the consumer process.
type Messaging struct {
	client   *azservicebus.Client
	sender   *azservicebus.Sender
	receiver *azservicebus.Receiver
	queue    string
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client: client,
		sender: sender,
		queue:  cfg.QueueName,
	}, nil
}

// Publish serializes the message and sends it to the queue.
func (m *Messaging) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": time.Now().Unix(),
		},
	}

	return m.sender.SendMessage(ctx, msg, nil)
}

// QueueMessage is one received queue message with its broker bookkeeping.
type QueueMessage struct {
	Body          []byte
	DeliveryCount uint32

	raw *azservicebus.ReceivedMessage
}

// Receive blocks for up to the given timeout and returns at most max
// messages. An empty slice means the queue was idle.
func (m *Messaging) Receive(ctx context.Context, max int, timeout time.Duration) ([]*QueueMessage, error) {
	if err := m.ensureReceiver(); err != nil {
		return nil, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	received, err := m.receiver.ReceiveMessages(recvCtx, max, nil)
	if err != nil {
		// An expired receive window is normal on an idle queue.
		if recvCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]*QueueMessage, 0, len(received))
	for _, msg := range received {
		messages = append(messages, &QueueMessage{
			Body:          msg.Body,
			DeliveryCount: msg.DeliveryCount,
			raw:           msg,
		})
	}
	return messages, nil
}

// Complete settles a message as processed.
func (m *Messaging) Complete(ctx context.Context, msg *QueueMessage) error {
	return m.receiver.CompleteMessage(ctx, msg.raw, nil)
}

// Abandon returns a message to the queue for redelivery, incrementing its
// delivery count on the broker.
func (m *Messaging) Abandon(ctx context.Context, msg *QueueMessage) error {
	return m.receiver.AbandonMessage(ctx, msg.raw, nil)
}

func (m *Messaging) ensureReceiver() error {
	if m.receiver != nil {
		return nil
	}
	receiver, err := m.client.NewReceiverForQueue(m.queue, nil)
	if err != nil {
		return fmt.Errorf("failed to create receiver: %w", err)
	}
	m.receiver = receiver
	return nil
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.receiver != nil {
		if err := m.receiver.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}
