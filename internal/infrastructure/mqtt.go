// services/sensor/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/sensor/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ReadingHandler processes one device-published reading. The token is the
// attachment access token carried in the topic.
type ReadingHandler func(ctx context.Context, token string, payload []byte) error

// MQTTListener subscribes to the measurement topic and feeds readings into
// the ingestion coordinator. Devices publish to sensors/<token>/measurements.
type MQTTListener struct {
	cfg     config.MQTTConfig
	client  mqtt.Client
	logger  *logrus.Logger
	handler ReadingHandler
}

// NewMQTTListener creates a listener; Start connects and subscribes.
func NewMQTTListener(cfg config.MQTTConfig, handler ReadingHandler, logger *logrus.Logger) (*MQTTListener, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("sensor-service-%d", time.Now().UnixNano())
	}

	return &MQTTListener{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the configured topic.
func (l *MQTTListener) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.cfg.BrokerURL)
	opts.SetClientID(l.cfg.ClientID)

	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
	}
	if l.cfg.Password != "" {
		opts.SetPassword(l.cfg.Password)
	}

	opts.SetKeepAlive(l.cfg.KeepAlive)
	opts.SetConnectTimeout(l.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(l.cfg.MaxReconnectDelay)

	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)

	l.client = mqtt.NewClient(opts)

	if token := l.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	l.logger.WithField("topic", l.cfg.Topic).Info("MQTT listener started")
	return nil
}

// Stop disconnects from the broker.
func (l *MQTTListener) Stop() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Unsubscribe(l.cfg.Topic)
		l.client.Disconnect(250)
	}
	l.logger.Info("MQTT listener stopped")
}

func (l *MQTTListener) onConnect(client mqtt.Client) {
	token := client.Subscribe(l.cfg.Topic, l.cfg.QoS, l.onMessage)
	if token.Wait() && token.Error() != nil {
		l.logger.WithError(token.Error()).WithField("topic", l.cfg.Topic).
			Error("Failed to subscribe to measurement topic")
		return
	}
	l.logger.WithField("topic", l.cfg.Topic).Info("Subscribed to measurement topic")
}

func (l *MQTTListener) onConnectionLost(client mqtt.Client, err error) {
	l.logger.WithError(err).Warn("MQTT connection lost, reconnecting")
}

func (l *MQTTListener) onMessage(client mqtt.Client, msg mqtt.Message) {
	token := tokenFromTopic(msg.Topic())
	if token == "" {
		l.logger.WithField("topic", msg.Topic()).Warn("Ignoring message on unexpected topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.handler(ctx, token, msg.Payload()); err != nil {
		// Rejected readings are logged, never fatal to the listener.
		l.logger.WithError(err).WithField("topic", msg.Topic()).
			Error("Failed to process MQTT reading")
	}
}

// tokenFromTopic extracts the access token from sensors/<token>/measurements.
func tokenFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "measurements" {
		return ""
	}
	return parts[1]
}
