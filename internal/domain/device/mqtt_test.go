package device

import (
	"context"
	"testing"
)

func TestMatchTopicPattern(t *testing.T) {
	cases := []struct {
		pattern, topic string
		wantID         string
		wantMatch      bool
	}{
		{"home/+/telemetry", "home/sensor-1/telemetry", "sensor-1", true},
		{"home/+/telemetry/#", "home/sensor-1/telemetry/temperature", "sensor-1", true},
		{"home/+/telemetry", "home/sensor-1/other", "", false},
		{"home/+/telemetry", "home/sensor-1/telemetry/extra", "", false},
	}
	for _, c := range cases {
		got := matchTopicPattern(c.pattern, c.topic)
		if c.wantMatch {
			if got == nil {
				t.Fatalf("pattern %q topic %q: expected match", c.pattern, c.topic)
			}
			if *got != c.wantID {
				t.Errorf("pattern %q topic %q: got id %q want %q", c.pattern, c.topic, *got, c.wantID)
			}
		} else if got != nil {
			t.Errorf("pattern %q topic %q: expected no match, got %q", c.pattern, c.topic, *got)
		}
	}
}

func TestExtractMetricName(t *testing.T) {
	if got := extractMetricName("home/sensor-1/temperature"); got != "temperature" {
		t.Errorf("got %q", got)
	}
	if got := extractMetricName("home/sensor-1"); got != "sensor-1" {
		t.Errorf("got %q", got)
	}
}

func TestDefaultParseValue(t *testing.T) {
	cases := map[string]ValueKind{
		"42.5":  KindFloat,
		"true":  KindBoolean,
		"on":    KindBoolean,
		"0":     KindFloat,
		"hello": KindString,
	}
	for input, wantKind := range cases {
		v := defaultParseValue(input)
		if v.Kind != wantKind {
			t.Errorf("input %q: got kind %v want %v", input, v.Kind, wantKind)
		}
	}
}

func TestParsePayloadJSON(t *testing.T) {
	v := parsePayload([]byte(`23.7`))
	f, ok := v.AsFloat()
	if !ok || f != 23.7 {
		t.Errorf("got %+v", v)
	}

	v = parsePayload([]byte(`true`))
	if v.Kind != KindBoolean || !v.B {
		t.Errorf("got %+v", v)
	}

	v = parsePayload([]byte(`"on"`))
	if v.Kind != KindBoolean || !v.B {
		t.Errorf("expected string payload 'on' to parse as boolean, got %+v", v)
	}
}

func TestMQTTAdapterHandleMessage(t *testing.T) {
	cfg := MQTTConfig{
		Name:            "test-mqtt",
		SubscribeTopics: []string{"home/+/telemetry"},
	}
	a := NewMQTTAdapter(cfg, testLogger())
	_ = a.Start(context.Background())

	a.HandleMessage("home/sensor-1/telemetry", []byte("23.5"))

	select {
	case ev := <-a.Subscribe():
		if ev.DeviceID != "sensor-1" {
			t.Errorf("got device %q", ev.DeviceID)
		}
		if f, ok := ev.Value.AsFloat(); !ok || f != 23.5 {
			t.Errorf("got value %+v", ev.Value)
		}
	default:
		t.Fatal("expected event to be emitted")
	}

	if a.DeviceCount() != 1 {
		t.Errorf("expected 1 device, got %d", a.DeviceCount())
	}
}
