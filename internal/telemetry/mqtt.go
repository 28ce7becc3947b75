// Package telemetry publishes node lifecycle and session activity to an
// MQTT broker for fleet monitoring.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/config"
	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/util"
)

// MQTT topic prefixes
const (
	TopicNodeAdmin   = "relaynode/admin"
	TopicNodeStatus  = "relaynode/status"
	TopicNodeSession = "relaynode/session"
	TopicNodeChat    = "relaynode/chat"
	TopicNodeCluster = "relaynode/cluster"
)

// statusInterval is how often the periodic status snapshot publishes.
const statusInterval = 60 * time.Second

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      *config.Config
	eventBus *events.Bus
	store    *session.Store
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.Bus, store *session.Store) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	// Build system metadata
	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"node_name":   cfg.GetNodeData().Name,
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": "1.0.0",
	}

	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		store:    store,
		metadata: metadata,
	}

	// Configure MQTT client
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("relaynode-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Connection callbacks
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to events, and publishes
// a periodic status snapshot until the context is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.GetApplicationData().MQTT.BrokerURL).
		Int("port", h.cfg.GetApplicationData().MQTT.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.publishStatus()
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		}
	}
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventSessionIdentified, "mqtt.sessionIdentified", h.onSessionIdentified)
	h.eventBus.Subscribe(events.EventSessionClosed, "mqtt.sessionClosed", h.onSessionClosed)
	h.eventBus.Subscribe(events.EventChatMessage, "mqtt.chatMessage", h.onChatMessage)
	h.eventBus.Subscribe(events.EventClusterMode, "mqtt.clusterMode", h.onClusterMode)
	h.eventBus.Subscribe(events.EventClusterLost, "mqtt.clusterLost", h.onClusterLost)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	// Merge metadata with payload
	msg := h.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})

	for k, v := range h.metadata {
		msg[k] = v
	}

	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// publishStatus pushes the periodic player count snapshot.
func (h *MQTTHandler) publishStatus() {
	h.publish(TopicNodeStatus, map[string]interface{}{
		"players": h.store.Count(),
	})
}

// Event handlers

func (h *MQTTHandler) onSessionIdentified(ctx context.Context, event events.Event) error {
	h.publish(TopicNodeSession, map[string]interface{}{
		"event":   "identified",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSessionClosed(ctx context.Context, event events.Event) error {
	h.publish(TopicNodeSession, map[string]interface{}{
		"event":   "closed",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onChatMessage(ctx context.Context, event events.Event) error {
	h.publish(TopicNodeChat, event.Payload)
	return nil
}

func (h *MQTTHandler) onClusterMode(ctx context.Context, event events.Event) error {
	h.publish(TopicNodeCluster, map[string]interface{}{
		"event":   "mode_negotiated",
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onClusterLost(ctx context.Context, event events.Event) error {
	h.publish(TopicNodeCluster, map[string]interface{}{
		"event": "parent_lost",
	})
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicNodeAdmin, map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
