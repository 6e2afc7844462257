// Package publish pushes description records and mode changes to an MQTT
// broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/mode"
	"github.com/bdougie/scenewatch/internal/models"
)

// ErrNotConnected is returned when publishing while the broker is unreachable
var ErrNotConnected = errors.New("mqtt not connected")

// Topic suffixes under the configured prefix
const (
	TopicDescriptions = "descriptions"
	TopicMode         = "mode"
	TopicControl      = "control"
	TopicStatus       = "status"
)

const publishTimeout = 2 * time.Second

// Publisher receives every stored description record
type Publisher interface {
	Publish(ctx context.Context, rec models.DescriptionRecord) error
}

// ModeMessage is the payload published on the mode topic
type ModeMessage struct {
	Mode      int       `json:"mode"`
	Prompt    string    `json:"prompt"`
	Keyword   string    `json:"keyword,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTT publishes JSON payloads to <prefix>/descriptions and <prefix>/mode
type MQTT struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
	onConnect []func()
}

// NewMQTT creates an emitter; Connect must be called before publishing
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Topic joins the configured prefix and suffix
func Topic(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its
// own after a lost connection.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = e.handleConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// OnConnect registers fn to run after every successful connection,
// reconnects included. Subscriptions are not restored by the client, so
// subscribers re-register from here.
func (e *MQTT) OnConnect(fn func()) {
	e.mu.Lock()
	e.onConnect = append(e.onConnect, fn)
	e.mu.Unlock()
}

func (e *MQTT) handleConnect(mqtt.Client) {
	e.mu.Lock()
	e.connected = true
	hooks := append([]func(){}, e.onConnect...)
	e.mu.Unlock()

	e.logger.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	for _, fn := range hooks {
		fn()
	}
}

// Client exposes the underlying connection for the control handler
func (e *MQTT) Client() mqtt.Client { return e.client }

// Publish sends rec to the descriptions topic
func (e *MQTT) Publish(ctx context.Context, rec models.DescriptionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return e.send(ctx, Topic(e.cfg.TopicPrefix, TopicDescriptions), payload, false)
}

// PublishMode sends a retained mode message so late subscribers see the
// active prompt
func (e *MQTT) PublishMode(ch mode.Change) error {
	payload, err := json.Marshal(ModeMessage{
		Mode:      ch.Mode,
		Prompt:    ch.Prompt,
		Keyword:   ch.Keyword,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal mode: %w", err)
	}
	return e.send(context.Background(), Topic(e.cfg.TopicPrefix, TopicMode), payload, true)
}

// PublishRaw sends an already encoded payload to <prefix>/<suffix>
func (e *MQTT) PublishRaw(suffix string, payload []byte) error {
	return e.send(context.Background(), Topic(e.cfg.TopicPrefix, suffix), payload, false)
}

func (e *MQTT) send(ctx context.Context, topic string, payload []byte, retained bool) error {
	if e.client == nil || !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		e.countError()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		e.countError()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("mqtt message published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
