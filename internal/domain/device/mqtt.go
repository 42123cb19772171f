package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MQTTConfig mirrors the original MqttAdapterConfig: broker connection
// details plus the set of topic patterns this adapter subscribes to.
// Device IDs and metric names are extracted positionally from the topic,
// e.g. "home/+/telemetry/#" captures the device at index 1.
type MQTTConfig struct {
	Name            string
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	SubscribeTopics []string
	DiscoveryTopic  string
	// ProtocolMapping maps a logical command name to an outbound topic
	// template containing "${device_id}"; falls back to
	// "<device_id>/command/<command>" when absent.
	ProtocolMapping map[string]string
}

// MQTTAdapter implements Adapter for an MQTT broker connection. Grounded on
// original_source/crates/devices/src/adapters/mqtt.rs, whose Start merely
// flips a running flag and simulates traffic rather than dialing a real
// broker — no MQTT client library appears anywhere in the reference
// pack, so this adapter reproduces that same simulated-connection shape
// instead of inventing a broker dependency.
type MQTTAdapter struct {
	cfg    MQTTConfig
	logger *zap.Logger

	running atomic.Bool
	events  chan Event

	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewMQTTAdapter(cfg MQTTConfig, logger *zap.Logger) *MQTTAdapter {
	return &MQTTAdapter{
		cfg:     cfg,
		logger:  logger.With(zap.String("adapter", cfg.Name)),
		events:  make(chan Event, 1024),
		devices: make(map[string]struct{}),
	}
}

func (a *MQTTAdapter) Name() string { return a.cfg.Name }
func (a *MQTTAdapter) Type() string { return "mqtt" }

func (a *MQTTAdapter) Start(ctx context.Context) error {
	a.running.Store(true)
	return nil
}

func (a *MQTTAdapter) Stop(ctx context.Context) error {
	a.running.Store(false)
	return nil
}

func (a *MQTTAdapter) IsRunning() bool { return a.running.Load() }

func (a *MQTTAdapter) Subscribe() <-chan Event { return a.events }

func (a *MQTTAdapter) ListDevices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.devices))
	for d := range a.devices {
		out = append(out, d)
	}
	return out
}

func (a *MQTTAdapter) DeviceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}

// HandleMessage is the adapter's ingestion entry point: whatever feeds it
// real broker traffic (a future client library, a test harness, a
// simulator) calls this with the raw topic and payload bytes.
func (a *MQTTAdapter) HandleMessage(topic string, payload []byte) {
	if !a.running.Load() {
		return
	}
	if a.cfg.DiscoveryTopic != "" && matchTopicPattern(a.cfg.DiscoveryTopic, topic) != nil {
		a.handleDiscovery(topic, payload)
		return
	}

	deviceID := a.extractDeviceID(topic)
	if deviceID == "" {
		a.logger.Debug("could not extract device id", zap.String("topic", topic))
		return
	}
	metric := extractMetricName(topic)
	value := parsePayload(payload)

	a.mu.Lock()
	a.devices[deviceID] = struct{}{}
	a.mu.Unlock()

	ev := Event{
		Kind:      EventMetric,
		DeviceID:  deviceID,
		Metric:    metric,
		Value:     value,
		Timestamp: time.Now().Unix(),
	}
	a.emit(ev)
}

func (a *MQTTAdapter) handleDiscovery(topic string, payload []byte) {
	var meta map[string]any
	_ = json.Unmarshal(payload, &meta)
	deviceID := a.extractDeviceID(topic)
	if deviceID == "" {
		return
	}
	a.mu.Lock()
	a.devices[deviceID] = struct{}{}
	a.mu.Unlock()

	deviceType, _ := meta["device_type"].(string)
	ev := Event{
		Kind:       EventDiscovered,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Endpoint:   topic,
		Metadata:   meta,
		Timestamp:  time.Now().Unix(),
	}
	a.emit(ev)
}

func (a *MQTTAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event channel full, dropping message", zap.String("device", ev.DeviceID))
	}
}

// extractDeviceID matches topic against each configured subscribe pattern
// and, failing that, falls back to the topic's second path segment.
func (a *MQTTAdapter) extractDeviceID(topic string) string {
	for _, pattern := range a.cfg.SubscribeTopics {
		if id := matchTopicPattern(pattern, topic); id != nil {
			return *id
		}
	}
	parts := strings.Split(topic, "/")
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

// matchTopicPattern compares pattern and topic segment by segment. A "+"
// at the device-id position (index 1) captures that segment; "#" matches
// any remaining depth. Returns the captured device id, or nil if the
// pattern does not match.
func matchTopicPattern(pattern, topic string) *string {
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(topic, "/")

	var deviceID string
	for i, p := range pParts {
		if p == "#" {
			return &deviceID
		}
		if i >= len(tParts) {
			return nil
		}
		if p == "+" {
			if i == 1 {
				deviceID = tParts[i]
			}
			continue
		}
		if p != tParts[i] {
			return nil
		}
	}
	if len(pParts) != len(tParts) {
		return nil
	}
	return &deviceID
}

// extractMetricName returns the topic's third segment, or its last
// segment when the topic is shorter than that.
func extractMetricName(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 2 {
		return parts[2]
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}

// parsePayload tries, in order: JSON number, JSON bool, JSON string, any
// other JSON value (object, array, null) as a JSON value, plain numeric
// string, boolean keyword ("true"/"on"/"1", "false"/"off"/"0"), else the
// raw payload as a string. Since numeric parsing comes first, "1" and "0"
// yield Float values.
func parsePayload(payload []byte) MetricValue {
	var jv any
	if err := json.Unmarshal(payload, &jv); err == nil {
		switch v := jv.(type) {
		case float64:
			return Float(v)
		case bool:
			return Boolean(v)
		case string:
			return defaultParseValue(v)
		default:
			return JSON(v)
		}
	}
	return defaultParseValue(string(payload))
}

func defaultParseValue(s string) MetricValue {
	trimmed := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return Float(f)
	}
	switch strings.ToLower(trimmed) {
	case "true", "on", "1":
		return Boolean(true)
	case "false", "off", "0":
		return Boolean(false)
	}
	return String(s)
}

// SendCommand publishes an outbound command, resolving the target topic
// from ProtocolMapping (with "${device_id}" substitution) or else the
// "<device_id>/command/<command>" default.
func (a *MQTTAdapter) SendCommand(deviceID, command string, payload []byte) (topic string, err error) {
	if tmpl, ok := a.cfg.ProtocolMapping[command]; ok {
		return strings.ReplaceAll(tmpl, "${device_id}", deviceID), nil
	}
	return fmt.Sprintf("%s/command/%s", deviceID, command), nil
}
