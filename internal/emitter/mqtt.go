// Package emitter publishes frame results to an MQTT broker.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes poses and health messages to the broker
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	client mqtt.Client // nil until Connect
	pub    Publisher

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	skipped   uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Skipped   uint64
	Errors    uint64
}

// NewMQTTEmitter creates an emitter; call Connect before publishing.
func NewMQTTEmitter(cfg *config.Config, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:        cfg.MQTT,
		instanceID: cfg.InstanceID,
		logger:     logger.With("component", "emitter"),
		published:  make(map[string]uint64),
	}
}

// NewWithPublisher creates an emitter over an already connected publisher.
func NewWithPublisher(cfg *config.Config, pub Publisher, logger *slog.Logger) *MQTTEmitter {
	e := NewMQTTEmitter(cfg, logger)
	e.pub = pub
	e.connected = true
	return e
}

// Connect establishes the broker connection. paho keeps reconnecting in the
// background once the first connection succeeded.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	client := mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.pub = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Client returns the underlying paho client, or nil before Connect.
func (e *MQTTEmitter) Client() mqtt.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// Run publishes results from ch until ctx is done or ch is closed.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan marker.FrameResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Publish(r); err != nil && !errors.Is(err, ErrNotConnected) {
				e.logger.Warn("failed to publish poses", "seq", r.Seq, "error", err)
			}
		}
	}
}

// Publish sends one frame result to the poses topic. Frames without markers
// are skipped, and with OnlyValid so are frames without a valid pose.
func (e *MQTTEmitter) Publish(r marker.FrameResult) error {
	msg := NewPosesMessage(e.instanceID, r)
	if len(msg.Markers) == 0 || (e.cfg.OnlyValid && msg.ValidCount() == 0) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return nil
	}

	payload, err := msg.ToJSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal poses: %w", err)
	}

	topic := e.cfg.Topics.Poses
	if err := e.send(topic, payload); err != nil {
		return err
	}

	e.logger.Debug("poses published",
		"topic", topic,
		"seq", r.Seq,
		"markers", len(msg.Markers),
		"valid", msg.ValidCount(),
		"size", len(payload))
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.send(e.cfg.Topics.Health, payload)
}

func (e *MQTTEmitter) send(topic string, payload []byte) error {
	e.mu.RLock()
	pub, connected := e.pub, e.connected
	e.mu.RUnlock()
	if pub == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	token := pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	e.mu.Lock()
	client := e.client
	e.connected = false
	e.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms grace period
		e.logger.Info("mqtt disconnected")
	}
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Skipped:   e.skipped,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
