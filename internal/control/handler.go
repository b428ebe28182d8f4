// Package control executes runtime commands received on the MQTT control
// topic: display geometry changes, pause/resume and status queries.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers its command with "not implemented".
type CommandCallbacks struct {
	OnGetStatus          func() map[string]interface{}
	OnPause              func() error
	OnResume             func() error
	OnSetDisplayRotation func(degrees int) error
	OnSetScreenSize      func(width, height int) error
	OnShutdown           func() error
}

// Client is the part of mqtt.Client the handler uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Handler handles control plane commands
type Handler struct {
	topics    config.MQTTTopics
	qos       byte
	client    Client
	callbacks CommandCallbacks
	logger    *slog.Logger
	commands  chan Command

	// shutdownDelay lets the shutdown ack leave before teardown starts.
	shutdownDelay time.Duration

	mu      sync.Mutex
	started bool
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client Client, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		topics:        cfg.MQTT.Topics,
		qos:           cfg.MQTT.QoS,
		client:        client,
		callbacks:     callbacks,
		logger:        logger.With("component", "control"),
		commands:      make(chan Command, 10),
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// done.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.topics.Control
	h.logger.Info("subscribing to control plane", "topic", topic, "qos", h.qos)

	token := h.client.Subscribe(topic, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	go h.processCommands(ctx)

	h.logger.Info("control plane handler started")
	return nil
}

// Stop unsubscribes from the control topic. Commands already queued are
// abandoned when the Start context ends.
func (h *Handler) Stop() error {
	h.mu.Lock()
	started := h.started
	h.started = false
	h.mu.Unlock()
	if !started {
		return nil
	}

	token := h.client.Unsubscribe(h.topics.Control)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Warn("control plane unsubscribe timeout")
	}

	h.logger.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.HandleMessage(msg.Payload())
}

// HandleMessage parses a raw control payload and queues it. Never blocks:
// with the queue full the command is dropped.
func (h *Handler) HandleMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp := h.Execute(cmd)
			h.sendResponse(resp)
			if cmd.Command == "shutdown" && resp.Status == "success" {
				go h.shutdown()
			}
		}
	}
}

// Execute runs one command and returns its response. shutdown is only
// acknowledged here; the callback runs after the ack is sent.
func (h *Handler) Execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if h.callbacks.OnPause == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnPause(); err != nil {
			return failed(resp, err)
		}
		resp.Status = "paused"
		resp.Data = map[string]interface{}{"detection_active": false}

	case "resume":
		if h.callbacks.OnResume == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnResume(); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"detection_active": true}

	case "set_display_rotation":
		if h.callbacks.OnSetDisplayRotation == nil {
			return notImplemented(resp)
		}
		deg, err := intParam(cmd.Params, "degrees")
		if err != nil {
			return failed(resp, err)
		}
		if err := h.callbacks.OnSetDisplayRotation(deg); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"display_rotation": deg,
			"message":          "display rotation updated (applied next frame)",
		}

	case "set_screen_size":
		if h.callbacks.OnSetScreenSize == nil {
			return notImplemented(resp)
		}
		width, err := intParam(cmd.Params, "width")
		if err != nil {
			return failed(resp, err)
		}
		height, err := intParam(cmd.Params, "height")
		if err != nil {
			return failed(resp, err)
		}
		if err := h.callbacks.OnSetScreenSize(width, height); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"width":   width,
			"height":  height,
			"message": "screen size updated (applied next frame)",
		}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return notImplemented(resp)
		}
		h.logger.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) shutdown() {
	time.Sleep(h.shutdownDelay)
	if err := h.callbacks.OnShutdown(); err != nil {
		h.logger.Error("shutdown callback failed", "error", err)
	}
}

// sendResponse publishes a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.topics.Health, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

func failed(resp Response, err error) Response {
	resp.Status = "error"
	resp.Error = err.Error()
	return resp
}

// intParam reads a whole-number parameter. JSON numbers decode as float64.
func intParam(params map[string]interface{}, name string) (int, error) {
	raw, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("missing '%s' parameter", name)
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid '%s' parameter (expected integer)", name)
	}
	return int(f), nil
}
