package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/publish"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response, published on <prefix>/status
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// StatusFunc reports runtime statistics for the status command
type StatusFunc func() map[string]any

// Handler executes JSON commands received on <prefix>/control
type Handler struct {
	cfg         config.MQTTConfig
	client      mqtt.Client
	modes       Modes
	status      StatusFunc
	logger      *slog.Logger
	commands    chan Command
	resubscribe chan struct{}
}

// NewHandler creates a control plane handler. status may be nil.
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, modes Modes, status StatusFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		client:   client,
		modes:    modes,
		status:   status,
		logger:      logger,
		commands:    make(chan Command, 10),
		resubscribe: make(chan struct{}, 1),
	}
}

// Resubscribe asks Run to subscribe to the control topic again. It never
// blocks; hook it to the emitter's OnConnect.
func (h *Handler) Resubscribe() {
	select {
	case h.resubscribe <- struct{}{}:
	default:
	}
}

// Run subscribes to the control topic and processes commands until ctx ends.
// A failed subscription is retried on the next Resubscribe.
func (h *Handler) Run(ctx context.Context) error {
	topic := publish.Topic(h.cfg.TopicPrefix, publish.TopicControl)
	if err := h.subscribe(ctx, topic); err != nil {
		h.logger.Warn("control plane not subscribed, waiting for broker", "topic", topic, "error", err)
	}

	defer func() {
		if h.client.IsConnected() {
			h.client.Unsubscribe(topic).WaitTimeout(time.Second)
		}
		h.logger.Info("control plane handler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.resubscribe:
			if err := h.subscribe(ctx, topic); err != nil {
				h.logger.Warn("control plane resubscribe failed", "topic", topic, "error", err)
			}
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, topic string) error {
	h.logger.Info("subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)
	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("control plane subscription timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	return nil
}

// messageHandler is called by the client for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err string) Response {
		resp.Status = "error"
		resp.Error = err
		return resp
	}

	switch cmd.Command {
	case "status":
		resp.Status = "success"
		resp.Data = h.statusData()

	case "select_mode":
		// JSON numbers decode as float64
		n, ok := cmd.Params["mode"].(float64)
		if !ok || n != float64(int(n)) {
			return fail("missing or invalid 'mode' parameter (expected integer)")
		}
		if err := h.modes.Select(int(n)); err != nil {
			return fail(err.Error())
		}
		active, prompt := h.modes.Current()
		resp.Status = "success"
		resp.Data = map[string]any{"mode": active, "prompt": prompt}

	case "set_keyword":
		kw, ok := cmd.Params["keyword"].(string)
		if !ok {
			return fail("missing or invalid 'keyword' parameter (expected string)")
		}
		if err := h.modes.SetKeyword(kw); err != nil {
			return fail(err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]any{"keyword": h.modes.Keyword(), "prompts": h.modes.Prompts()}

	case "quit":
		h.logger.Warn("quit command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]any{"shutdown_initiated": true}
		// acknowledge before the pipeline starts tearing down the client
		h.sendResponse(resp)
		h.modes.Select(0)
		return Response{}

	default:
		return fail(fmt.Sprintf("unknown command: %s", cmd.Command))
	}
	return resp
}

func (h *Handler) statusData() map[string]any {
	active, prompt := h.modes.Current()
	data := map[string]any{"mode": active, "prompt": prompt}
	if h.status != nil {
		for k, v := range h.status() {
			data[k] = v
		}
	}
	return data
}

// sendResponse publishes resp on the status topic; a zero Response is skipped
func (h *Handler) sendResponse(resp Response) {
	if resp.CommandAck == "" {
		return
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	topic := publish.Topic(h.cfg.TopicPrefix, publish.TopicStatus)
	token := h.client.Publish(topic, h.cfg.QoS, false, payload)
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
