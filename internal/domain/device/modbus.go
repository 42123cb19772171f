package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/pkg/errors"
	"github.com/edgeplane/sentinel/pkg/safego"
)

// RegisterType is the Modbus register class, grounded on
// original_source/crates/devices/src/modbus.rs's RegisterType.
type RegisterType int

const (
	Coil RegisterType = iota
	DiscreteInput
	InputRegister
	HoldingRegister
)

// Writable reports whether the register type accepts writes: Coil and
// HoldingRegister are read-write, DiscreteInput and InputRegister are
// read-only.
func (t RegisterType) Writable() bool {
	return t == Coil || t == HoldingRegister
}

// RegisterDefinition maps a logical metric name to a Modbus address, with
// an optional scaling factor applied to raw integer reads.
type RegisterDefinition struct {
	Name        string
	Description string
	Address     uint16
	Type        RegisterType
	Scale       *float64
	Unit        string
	Count       uint16
}

func CoilRegister(name string, address uint16) RegisterDefinition {
	return RegisterDefinition{Name: name, Address: address, Type: Coil, Count: 1}
}

func InputRegisterDef(name string, address uint16) RegisterDefinition {
	return RegisterDefinition{Name: name, Address: address, Type: InputRegister, Count: 1}
}

func HoldingRegisterDef(name string, address uint16) RegisterDefinition {
	return RegisterDefinition{Name: name, Address: address, Type: HoldingRegister, Count: 1}
}

func (r RegisterDefinition) WithScale(scale float64) RegisterDefinition {
	r.Scale = &scale
	return r
}

func (r RegisterDefinition) WithUnit(unit string) RegisterDefinition {
	r.Unit = unit
	return r
}

// ModbusConfig mirrors the original ModbusConfig: host/port/slave ID plus
// the polling cadence used to turn a request/response protocol into the
// push-event shape every Adapter presents.
type ModbusConfig struct {
	Name           string
	Host           string
	Port           uint16
	SlaveID        uint8
	Timeout        time.Duration
	PollInterval   time.Duration
}

func DefaultModbusConfig(name, host string) ModbusConfig {
	return ModbusConfig{
		Name:         name,
		Host:         host,
		Port:         502,
		SlaveID:      1,
		Timeout:      5 * time.Second,
		PollInterval: time.Second,
	}
}

func (c ModbusConfig) FullAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModbusTransport abstracts the wire read/write a real client library
// would perform. No Modbus client appears anywhere in the reference pack
// (the original itself simulates register access), so the default
// transport below reproduces that same simulated behavior; a real
// deployment supplies its own ModbusTransport implementation.
type ModbusTransport interface {
	ReadRegister(ctx context.Context, reg RegisterDefinition) (int64, error)
	WriteRegister(ctx context.Context, reg RegisterDefinition, value int64) error
}

// simulatedTransport reproduces the original's placeholder behavior:
// reads always return 100, writes succeed with a small simulated delay.
type simulatedTransport struct{}

func (simulatedTransport) ReadRegister(ctx context.Context, reg RegisterDefinition) (int64, error) {
	return 100, nil
}

func (simulatedTransport) WriteRegister(ctx context.Context, reg RegisterDefinition, value int64) error {
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ModbusAdapter polls a fixed set of registers on an interval and emits a
// Metric event per successful read, applying each register's scale factor.
type ModbusAdapter struct {
	cfg       ModbusConfig
	registers map[string]RegisterDefinition
	transport ModbusTransport
	logger    *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	events  chan Event

	mu     sync.RWMutex
	cached map[string]MetricValue
}

func NewModbusAdapter(cfg ModbusConfig, registers []RegisterDefinition, logger *zap.Logger) *ModbusAdapter {
	regMap := make(map[string]RegisterDefinition, len(registers))
	for _, r := range registers {
		regMap[r.Name] = r
	}
	return &ModbusAdapter{
		cfg:       cfg,
		registers: regMap,
		transport: simulatedTransport{},
		logger:    logger.With(zap.String("adapter", cfg.Name)),
		events:    make(chan Event, 256),
		cached:    make(map[string]MetricValue),
	}
}

// WithTransport overrides the simulated transport, e.g. in tests.
func (a *ModbusAdapter) WithTransport(t ModbusTransport) *ModbusAdapter {
	a.transport = t
	return a
}

func (a *ModbusAdapter) Name() string { return a.cfg.Name }
func (a *ModbusAdapter) Type() string { return "modbus" }

func (a *ModbusAdapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running.Store(true)

	safego.Go(a.logger, "modbus-poll:"+a.cfg.Name, func() {
		a.pollLoop(pollCtx)
	})
	return nil
}

func (a *ModbusAdapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.running.Store(false)
	return nil
}

func (a *ModbusAdapter) IsRunning() bool { return a.running.Load() }

func (a *ModbusAdapter) Subscribe() <-chan Event { return a.events }

func (a *ModbusAdapter) ListDevices() []string {
	// A Modbus adapter instance represents a single device addressed by
	// host:port; the slave device IS the adapter's device ID.
	return []string{a.cfg.FullAddress()}
}

func (a *ModbusAdapter) DeviceCount() int { return 1 }

func (a *ModbusAdapter) pollLoop(ctx context.Context) {
	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *ModbusAdapter) pollOnce(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	deviceID := a.cfg.FullAddress()
	for _, reg := range a.registers {
		value, err := a.readRegister(readCtx, reg)
		if err != nil {
			a.logger.Debug("register read failed", zap.String("register", reg.Name), zap.Error(err))
			continue
		}
		a.mu.Lock()
		a.cached[reg.Name] = value
		a.mu.Unlock()

		select {
		case a.events <- NewMetricEvent(deviceID, reg.Name, value):
		default:
			a.logger.Warn("event channel full, dropping reading", zap.String("register", reg.Name))
		}
	}
}

func (a *ModbusAdapter) readRegister(ctx context.Context, reg RegisterDefinition) (MetricValue, error) {
	switch reg.Type {
	case Coil, DiscreteInput:
		raw, err := a.transport.ReadRegister(ctx, reg)
		if err != nil {
			return MetricValue{}, err
		}
		return Boolean(raw != 0), nil
	default:
		raw, err := a.transport.ReadRegister(ctx, reg)
		if err != nil {
			return MetricValue{}, err
		}
		if reg.Scale != nil {
			return Float(float64(raw) * *reg.Scale), nil
		}
		return Integer(raw), nil
	}
}

// WriteRegister writes value to the named register, rejecting writes to
// read-only register types (DiscreteInput, InputRegister).
func (a *ModbusAdapter) WriteRegister(ctx context.Context, name string, value int64) error {
	reg, ok := a.registers[name]
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("unknown register %q", name))
	}
	if !reg.Type.Writable() {
		return errors.NewInvalidInputError(fmt.Sprintf("register %q is read-only", name))
	}
	return a.transport.WriteRegister(ctx, reg, value)
}
