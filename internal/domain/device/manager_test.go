package device

import (
	"context"
	"testing"
	"time"

	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"github.com/edgeplane/sentinel/pkg/errors"
)

func newTestManager(t *testing.T) (*Manager, *eventbus.InMemoryBus) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(testLogger(), 100)
	mgr := NewManager(DefaultManagerConfig(), bus, testLogger())
	return mgr, bus
}

func TestManagerRegisterDuplicateRejected(t *testing.T) {
	mgr, bus := newTestManager(t)
	defer bus.Close()

	a := NewMQTTAdapter(MQTTConfig{Name: "mqtt-1"}, testLogger())
	if err := mgr.Register(context.Background(), a); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := mgr.Register(context.Background(), NewMQTTAdapter(MQTTConfig{Name: "mqtt-1"}, testLogger()))
	if err == nil || !errors.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestManagerStartStopLifecycle(t *testing.T) {
	mgr, bus := newTestManager(t)
	defer bus.Close()

	a := NewMQTTAdapter(MQTTConfig{Name: "mqtt-1"}, testLogger())
	if err := mgr.Register(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.StartAdapter(context.Background(), "mqtt-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !mgr.HealthCheck("mqtt-1") {
		t.Fatal("expected adapter to be healthy after start")
	}
	if err := mgr.StopAdapter(context.Background(), "mqtt-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if mgr.HealthCheck("mqtt-1") {
		t.Fatal("expected adapter unhealthy after stop")
	}
}

func TestManagerForwardsDeviceEventsTagged(t *testing.T) {
	mgr, bus := newTestManager(t)
	defer bus.Close()

	recv := bus.SubscribeFiltered(eventbus.MatchType(eventbus.EventTypeDeviceMetric))
	defer recv.Close()

	a := NewMQTTAdapter(MQTTConfig{Name: "mqtt-1", SubscribeTopics: []string{"home/+/telemetry"}}, testLogger())
	if err := mgr.Register(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.StartAdapter(context.Background(), "mqtt-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.HandleMessage("home/sensor-1/telemetry", []byte("21.4"))

	select {
	case env := <-recv.C():
		if env.Metadata.Source != "adapter:mqtt:sensor-1" {
			t.Errorf("expected tagged source, got %q", env.Metadata.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for forwarded event")
	}
}

func TestManagerFindAdapterForDeviceDedup(t *testing.T) {
	mgr, bus := newTestManager(t)
	defer bus.Close()

	a := NewMQTTAdapter(MQTTConfig{Name: "mqtt-1", SubscribeTopics: []string{"home/+/telemetry"}}, testLogger())
	_ = mgr.Register(context.Background(), a)
	_ = mgr.StartAdapter(context.Background(), "mqtt-1")
	a.HandleMessage("home/sensor-1/telemetry", []byte("1"))
	time.Sleep(20 * time.Millisecond)

	found, ok := mgr.FindAdapterForDevice("sensor-1")
	if !ok || found.Name() != "mqtt-1" {
		t.Fatalf("expected to find sensor-1 on mqtt-1, got %v ok=%v", found, ok)
	}

	devices := mgr.ListAllDevices()
	count := 0
	for _, d := range devices {
		if d == "sensor-1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected sensor-1 exactly once, got %d", count)
	}
}
