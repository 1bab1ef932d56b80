package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by [MQTT.Ping] while the broker connection is
// down.
var ErrNotConnected = errors.New("notify: mqtt not connected")

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

// MQTTConfig configures [Connect].
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic is the publish topic. "{event}" and "{session}" are replaced per
	// message, e.g. "voxcap/{event}".
	Topic string

	QoS byte
}

// publisher is the subset of [mqtt.Client] used by [MQTT].
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTT is a [Notifier] publishing JSON events to an MQTT broker.
type MQTT struct {
	client publisher
	topic  string
	qos    byte
}

var _ Notifier = (*MQTT)(nil)

// Connect dials the broker and returns a connected notifier. The client
// reconnects automatically after the initial connection succeeds.
func Connect(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("notify: connect to %s: %w", cfg.Broker, err)
	}
	return newMQTT(client, cfg.Topic, cfg.QoS), nil
}

func newMQTT(client publisher, topic string, qos byte) *MQTT {
	return &MQTT{client: client, topic: topic, qos: qos}
}

// Notify implements [Notifier].
func (m *MQTT) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", ev.Event, err)
	}
	topic := m.formatTopic(ev)
	if err := wait(ctx, m.client.Publish(topic, m.qos, false, payload)); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", ev.Event, topic, err)
	}
	slog.Debug("published notification", "event", ev.Event, "topic", topic)
	return nil
}

// Ping reports whether the broker connection is up.
func (m *MQTT) Ping(context.Context) error {
	if !m.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close implements [Notifier].
func (m *MQTT) Close() {
	m.client.Disconnect(disconnectQuiesce)
}

func (m *MQTT) formatTopic(ev Event) string {
	return strings.NewReplacer("{event}", ev.Event, "{session}", ev.Session).Replace(m.topic)
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
