// Package telemetry publishes relaycore bus events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/config"
	"github.com/relaycore-project/relaycore/internal/events"
	"github.com/relaycore-project/relaycore/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicLobby    = "lobby"
	TopicDelivery = "delivery"
	TopicGame     = "game"
	TopicAdmin    = "admin"
)

// publishFunc delivers one encoded message.
type publishFunc func(topic string, data []byte)

// MQTTHandler subscribes to the event bus and forwards events to MQTT.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	prefix string
	client mqtt.Client
	send   publishFunc
	logger zerolog.Logger

	// Metadata included in every message
	metadata map[string]any
}

// NewMQTTHandler builds a handler for cfg. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := newHandler(cfg, hostMetadata(sysInfo), nil)

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("relaycore-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.send = h.mqttPublish
	return h, nil
}

func newHandler(cfg config.MQTTConfig, metadata map[string]any, send publishFunc) *MQTTHandler {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "relaycore"
	}
	return &MQTTHandler{
		cfg:      cfg,
		prefix:   prefix,
		send:     send,
		metadata: metadata,
		logger:   util.ComponentLogger("telemetry"),
	}
}

func hostMetadata(info util.SystemInfo) map[string]any {
	return map[string]any{
		"hostname":   info.Hostname,
		"os":         info.OS,
		"arch":       info.Architecture,
		"cpu_model":  info.CPUModel,
		"cpu_cores":  info.CPUCores,
		"memory_mb":  info.TotalMemory,
		"go_version": info.GoVersion,
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker, subscribes to bus, and blocks until ctx is
// cancelled.
func (h *MQTTHandler) Start(ctx context.Context, bus *events.EventBus) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe(bus)

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Subscribe registers the bus handlers that forward events.
func (h *MQTTHandler) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventUserBound, "mqtt.lobby", h.onLobby)
	for _, typ := range events.LobbyEventTypes {
		bus.Subscribe(typ, "mqtt.lobby", h.onLobby)
	}
	bus.Subscribe(events.EventGameUpdate, "mqtt.game", h.onGame)
	bus.Subscribe(events.EventDeliveryFailed, "mqtt.delivery", h.onDelivery)
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) mqttPublish(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) publish(suffix string, event events.Event) {
	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(event))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	h.send(topic, data)
}

// buildMessage combines host metadata with the event.
func (h *MQTTHandler) buildMessage(event events.Event) map[string]any {
	msg := make(map[string]any, len(h.metadata)+4)
	for k, v := range h.metadata {
		msg[k] = v
	}

	msg["event"] = string(event.Type)
	msg["source"] = event.Source
	msg["payload"] = event.Payload

	at := event.Time
	if at.IsZero() {
		at = time.Now()
	}
	msg["timestamp"] = at.UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onLobby(_ context.Context, event events.Event) error {
	h.publish(TopicLobby, event)
	return nil
}

func (h *MQTTHandler) onGame(_ context.Context, event events.Event) error {
	h.publish(TopicGame, event)
	return nil
}

func (h *MQTTHandler) onDelivery(_ context.Context, event events.Event) error {
	h.publish(TopicDelivery, event)
	return nil
}

// PublishShutdown announces that this node is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, events.Event{Type: events.EventShutdown, Source: "relaycore"})
}
