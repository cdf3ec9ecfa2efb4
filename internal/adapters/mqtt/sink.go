// Package mqtt publishes pipeline progress events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aegis/internal/domain"
)

const DefaultTopic = "aegischain/pipeline"

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type Sink struct {
	client mqtt.Client
	cfg    Config
	logger *slog.Logger
}

// Connect dials the broker and returns a sink publishing to cfg.Topic.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if _, err := url.Parse(cfg.Broker); err != nil || cfg.Broker == "" {
		return nil, fmt.Errorf("invalid broker URL %q", cfg.Broker)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "aegischain"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) { logger.Info("connected to broker") })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to broker lost", "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.ConnectTimeout):
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return NewSink(client, cfg, logger), nil
}

// NewSink wraps an already connected client.
func NewSink(client mqtt.Client, cfg Config, logger *slog.Logger) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{client: client, cfg: cfg, logger: logger}
}

// Publish sends ev as JSON. It is shaped for events.Bus.Forward.
func (s *Sink) Publish(_ context.Context, ev domain.Event) error {
	if !s.client.IsConnected() {
		return errors.New("not connected to MQTT broker")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return errors.New("mqtt publish timeout")
	}
	return token.Error()
}

func (s *Sink) Disconnect() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
