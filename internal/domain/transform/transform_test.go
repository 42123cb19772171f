package transform

import (
	"testing"

	"go.uber.org/zap"
)

func heatIndex(st *State) (float64, bool) {
	temp, ok := st.Values["temperature"]
	if !ok {
		return 0, false
	}
	humidity, ok := st.Values["humidity"]
	if !ok {
		return 0, false
	}
	return temp + 0.05*humidity, true
}

func TestEngineIngestUpdatesState(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest("sensor-1", "temperature", 20.0, 100)
	st := e.states["sensor-1"]
	if st == nil || st.Values["temperature"] != 20.0 {
		t.Fatalf("expected state recorded, got %+v", st)
	}
	if st.Timestamp != 100 {
		t.Errorf("timestamp: got %d", st.Timestamp)
	}
}

func TestTransformProducesOutputWhenInputsComplete(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.RegisterTransform(&Transform{
		Name: "heat_index", OutputMetric: "heat_index", Enabled: true, Eval: heatIndex,
	})

	if out := e.Ingest("sensor-1", "temperature", 30.0, 1); len(out) != 0 {
		t.Fatalf("expected no output before humidity known, got %+v", out)
	}
	out := e.Ingest("sensor-1", "humidity", 40.0, 2)
	if len(out) != 1 {
		t.Fatalf("expected one derived metric, got %d", len(out))
	}
	if out[0].Metric != "heat_index" || out[0].DeviceID != "sensor-1" {
		t.Errorf("got %+v", out[0])
	}
	want := 30.0 + 0.05*40.0
	if out[0].Value != want {
		t.Errorf("value: got %v want %v", out[0].Value, want)
	}
}

func TestDisabledTransformProducesNoOutput(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.RegisterTransform(&Transform{Name: "heat_index", OutputMetric: "heat_index", Enabled: false, Eval: heatIndex})
	e.Ingest("sensor-1", "temperature", 30.0, 1)
	out := e.Ingest("sensor-1", "humidity", 40.0, 2)
	if len(out) != 0 {
		t.Fatalf("expected disabled transform to produce nothing, got %+v", out)
	}
}

func TestTransformDeviceTypeFilter(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.RegisterDeviceType("sensor-1", "thermostat")
	e.RegisterTransform(&Transform{
		Name: "heat_index", DeviceType: "hvac", OutputMetric: "heat_index", Enabled: true, Eval: heatIndex,
	})
	e.Ingest("sensor-1", "temperature", 30.0, 1)
	out := e.Ingest("sensor-1", "humidity", 40.0, 2)
	if len(out) != 0 {
		t.Fatalf("expected type mismatch to suppress output, got %+v", out)
	}
}

func TestTransformPanicIsRecoveredAndLogged(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.RegisterTransform(&Transform{
		Name: "boom", OutputMetric: "boom", Enabled: true,
		Eval: func(st *State) (float64, bool) { panic("evaluation exploded") },
	})
	out := e.Ingest("sensor-1", "temperature", 1.0, 1)
	if len(out) != 0 {
		t.Fatalf("expected panic to be swallowed with no output, got %+v", out)
	}
}
