package device

import (
	"context"
	"testing"
)

func TestRegisterTypeWritable(t *testing.T) {
	if !Coil.Writable() {
		t.Error("Coil should be writable")
	}
	if !HoldingRegister.Writable() {
		t.Error("HoldingRegister should be writable")
	}
	if DiscreteInput.Writable() {
		t.Error("DiscreteInput should not be writable")
	}
	if InputRegister.Writable() {
		t.Error("InputRegister should not be writable")
	}
}

func TestModbusAdapterAppliesScale(t *testing.T) {
	regs := []RegisterDefinition{
		InputRegisterDef("temperature", 0).WithScale(0.1).WithUnit("C"),
	}
	cfg := DefaultModbusConfig("weather-station", "192.168.1.100")
	a := NewModbusAdapter(cfg, regs, testLogger())

	ctx := context.Background()
	a.pollOnce(ctx)

	select {
	case ev := <-a.Subscribe():
		f, ok := ev.Value.AsFloat()
		if !ok || f != 10.0 {
			t.Errorf("expected scaled value 10.0, got %+v", ev.Value)
		}
	default:
		t.Fatal("expected a metric event from pollOnce")
	}
}

func TestModbusAdapterRejectsWriteToReadOnlyRegister(t *testing.T) {
	regs := []RegisterDefinition{InputRegisterDef("temperature", 0)}
	cfg := DefaultModbusConfig("weather-station", "192.168.1.100")
	a := NewModbusAdapter(cfg, regs, testLogger())

	if err := a.WriteRegister(context.Background(), "temperature", 42); err == nil {
		t.Fatal("expected write to read-only register to fail")
	}
}

func TestModbusAdapterWritesHoldingRegister(t *testing.T) {
	regs := []RegisterDefinition{HoldingRegisterDef("setpoint", 1)}
	cfg := DefaultModbusConfig("thermostat", "192.168.1.101")
	a := NewModbusAdapter(cfg, regs, testLogger())

	if err := a.WriteRegister(context.Background(), "setpoint", 72); err != nil {
		t.Fatalf("expected write to holding register to succeed, got %v", err)
	}
}
