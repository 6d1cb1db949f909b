package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
	Timeout     time.Duration
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink mirrors role broadcasts to <prefix>/<role>/notifications so shop
// floor displays that are not browsers can follow along.
type MQTTSink struct {
	client   mqtt.Client
	pub      mqttPublisher
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	s := newMQTTSink(client, cfg)
	s.client = client
	return s, nil
}

func newMQTTSink(pub mqttPublisher, cfg MQTTConfig) *MQTTSink {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "tpm"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{
		pub:      pub,
		prefix:   prefix,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  timeout,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(role roles.Role) string {
	return path.Join(s.prefix, string(role), "notifications")
}

func (s *MQTTSink) Publish(ctx context.Context, role roles.Role, msg message.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	tok := s.pub.Publish(s.Topic(role), s.qos, s.retained, b)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt: publish to %s timed out", s.Topic(role))
	}
}

func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
