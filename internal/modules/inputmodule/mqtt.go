package inputmodule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/signage/internal/events"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTOptions configures the remote control topic.
type MQTTOptions struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	ControlTopic string
	StatusTopic  string
	QoS          byte
}

// RemoteCommand is a control topic message. Plain-text payloads carrying
// just the command name are accepted too.
type RemoteCommand struct {
	Command string `json:"command"`
}

// StatusMessage is published on the status topic for every bus event.
type StatusMessage struct {
	Event     events.EventType `json:"event"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

// MQTTRemote feeds commands from an MQTT topic into the mapper and mirrors
// bus activity on a status topic. Pause and resume bypass the debouncer:
// they are not key presses.
type MQTTRemote struct {
	opts   MQTTOptions
	out    Dispatcher
	bus    events.EventBus
	logger hclog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
	sub       *events.Subscription

	mu        sync.RWMutex
	connected bool
	received  int64
	published int64
	errors    int64
}

func NewMQTTRemote(opts MQTTOptions, out Dispatcher, bus events.EventBus, logger hclog.Logger) *MQTTRemote {
	return &MQTTRemote{
		opts:      opts,
		out:       out,
		bus:       bus,
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

// Start connects, subscribes to the control topic and starts mirroring
// bus events to the status topic.
func (r *MQTTRemote) Start(ctx context.Context) error {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(r.opts.Broker)
	clientOpts.SetClientID(r.opts.ClientID)
	if r.opts.Username != "" {
		clientOpts.SetUsername(r.opts.Username)
		clientOpts.SetPassword(r.opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(2 * time.Second)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
		r.setConnected(true)
		r.logger.Info("mqtt connection established", "broker", r.opts.Broker, "client_id", r.opts.ClientID)
		// subscriptions do not survive a clean-session reconnect
		if err := r.subscribe(c); err != nil {
			r.logger.Error("mqtt control subscription failed", "topic", r.opts.ControlTopic, "error", err)
		}
	})
	clientOpts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		r.setConnected(false)
		r.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", r.opts.Broker, "error", err)
	})

	r.client = r.newClient(clientOpts)
	r.logger.Info("connecting to mqtt broker", "broker", r.opts.Broker)

	token := r.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	if r.opts.StatusTopic != "" {
		sub, err := r.bus.Subscribe(ctx, "mqtt-status", events.SchedulerEvents, r.publishStatus)
		if err != nil {
			return fmt.Errorf("mqtt status subscription: %w", err)
		}
		r.sub = sub
	}
	return nil
}

func (r *MQTTRemote) subscribe(c mqtt.Client) error {
	token := c.Subscribe(r.opts.ControlTopic, r.opts.QoS, r.onMessage)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("control subscription timeout")
	}
	return token.Error()
}

func (r *MQTTRemote) onMessage(_ mqtt.Client, msg mqtt.Message) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	command, err := parseRemoteCommand(msg.Payload())
	if err != nil {
		r.logger.Warn("invalid remote command", "topic", msg.Topic(), "error", err)
		return
	}

	ctx := context.Background()
	switch command {
	case "pause":
		err = r.bus.Publish(ctx, events.NewPauseEvent("mqtt"))
	case "resume":
		err = r.bus.Publish(ctx, events.NewResumeEvent("mqtt"))
	default:
		action, ok := events.ParseControlAction(command)
		if !ok {
			r.logger.Warn("unknown remote command", "command", command)
			return
		}
		_, err = r.out.Dispatch(ctx, Input{Action: action, Source: "mqtt"})
	}
	if err != nil {
		r.logger.Error("remote command failed", "command", command, "error", err)
	}
}

func parseRemoteCommand(payload []byte) (string, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", fmt.Errorf("empty payload")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return strings.ToLower(trimmed), nil
	}
	var cmd RemoteCommand
	if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return "", fmt.Errorf("missing command")
	}
	return strings.ToLower(strings.TrimSpace(cmd.Command)), nil
}

func (r *MQTTRemote) publishStatus(e events.Event) error {
	if !r.isConnected() {
		return nil
	}
	payload, err := json.Marshal(StatusMessage{Event: e.Type, Source: e.Source, Timestamp: e.Timestamp})
	if err != nil {
		return err
	}

	token := r.client.Publish(r.opts.StatusTopic, r.opts.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		r.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		r.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	r.mu.Lock()
	r.published++
	r.mu.Unlock()
	return nil
}

// Stop unsubscribes and disconnects.
func (r *MQTTRemote) Stop() {
	if r.sub != nil {
		_ = r.bus.Unsubscribe(r.sub.ID)
		r.sub = nil
	}
	if r.client != nil && r.client.IsConnected() {
		r.client.Unsubscribe(r.opts.ControlTopic).WaitTimeout(mqttPublishTimeout)
		r.client.Disconnect(250)
		r.logger.Info("mqtt disconnected")
	}
	r.setConnected(false)
}

// MQTTStats summarizes the remote's traffic.
type MQTTStats struct {
	Connected bool  `json:"connected"`
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

func (r *MQTTRemote) Stats() MQTTStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return MQTTStats{Connected: r.connected, Received: r.received, Published: r.published, Errors: r.errors}
}

func (r *MQTTRemote) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *MQTTRemote) isConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *MQTTRemote) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}
