// Package notification announces submitted intake records on an MQTT topic
// so ward displays and other listeners can react to new arrivals.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/intake"
)

const (
	DefaultTopic    = "intake/records"
	DefaultClientID = "intake-server"
	DefaultQoS      = byte(1)
)

const publishTimeout = 10 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Client is the part of an MQTT connection the publisher needs.
type Client interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// pahoClient wraps a connected paho client.
type pahoClient struct {
	client mqtt.Client
}

// Dial connects to the broker with auto-reconnect enabled.
func Dial(cfg MQTTConfig) (Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(publishTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &pahoClient{client: client}, nil
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// Publisher sends each record as JSON to one topic. It implements
// intake.Sink.
type Publisher struct {
	client Client
	topic  string
	qos    byte
	logger zerolog.Logger
}

// NewPublisher creates a publisher on topic at QoS 1. An empty topic selects
// DefaultTopic.
func NewPublisher(client Client, topic string, logger zerolog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		client: client,
		topic:  topic,
		qos:    DefaultQoS,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}
}

// Topic returns the topic records are published on.
func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Accept(ctx context.Context, rec *intake.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := p.client.Publish(ctx, p.topic, p.qos, false, payload); err != nil {
		p.logger.Error().Err(err).Str("record_id", rec.ID.String()).Msg("record announcement failed")
		return err
	}
	p.logger.Debug().Str("record_id", rec.ID.String()).Str("topic", p.topic).Msg("record announced")
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect()
}
