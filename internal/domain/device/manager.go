package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"github.com/edgeplane/sentinel/pkg/errors"
	"github.com/edgeplane/sentinel/pkg/safego"
)

// ManagerConfig controls lifecycle orchestration, grounded on
// original_source/crates/devices/src/adapter_manager.rs's
// AdapterManagerConfig (auto_start, stop_timeout_secs, restart_on_error,
// max_restart_attempts).
type ManagerConfig struct {
	AutoStart          bool
	StopTimeout        time.Duration
	RestartOnError     bool
	MaxRestartAttempts int
	RestartCooldown    time.Duration
}

// DefaultManagerConfig matches the Rust original's defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AutoStart:          false,
		StopTimeout:        30 * time.Second,
		RestartOnError:     false,
		MaxRestartAttempts: 3,
		RestartCooldown:    5 * time.Second,
	}
}

// ManagerEventKind tags the events the manager itself emits on the bus,
// distinct from device events forwarded from adapters.
type ManagerEventKind int

const (
	ManagerAdapterStarted ManagerEventKind = iota
	ManagerAdapterStopped
	ManagerAdapterError
)

type ManagerEvent struct {
	Kind      ManagerEventKind
	Name      string
	ErrorText string
}

type adapterState struct {
	adapter      Adapter
	status       State
	errorMsg     string
	startedAt    time.Time
	lastActivity int64
	cancel       context.CancelFunc
	restarts     int
}

// Manager owns and supervises a named set of adapters, fanning their
// device events onto the shared bus tagged "adapter:<type>:<device>".
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*adapterState
	config   ManagerConfig
	bus      eventbus.Bus
	logger   *zap.Logger
	running  bool
}

// NewManager constructs a Manager publishing forwarded device events and
// manager events onto bus.
func NewManager(cfg ManagerConfig, bus eventbus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		adapters: make(map[string]*adapterState),
		config:   cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Register adds an adapter under its unique name. Duplicate names are
// rejected with a Conflict error.
func (m *Manager) Register(ctx context.Context, a Adapter) error {
	m.mu.Lock()
	if _, exists := m.adapters[a.Name()]; exists {
		m.mu.Unlock()
		return errors.NewConflictError(fmt.Sprintf("adapter %q already registered", a.Name()))
	}
	m.adapters[a.Name()] = &adapterState{adapter: a, status: StateStopped}
	autoStart := m.config.AutoStart
	m.mu.Unlock()

	if autoStart {
		return m.StartAdapter(ctx, a.Name())
	}
	return nil
}

// Unregister stops the adapter (if running) and removes it.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	st, exists := m.adapters[name]
	m.mu.Unlock()
	if !exists {
		return errors.NewNotFoundError(fmt.Sprintf("adapter %q not found", name))
	}
	if st.status == StateRunning {
		if err := m.StopAdapter(ctx, name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.adapters, name)
	m.mu.Unlock()
	return nil
}

// StartAdapter transitions name to Starting, spawns its forwarding task,
// and starts the underlying adapter, settling on Running or Error.
func (m *Manager) StartAdapter(ctx context.Context, name string) error {
	m.mu.Lock()
	st, exists := m.adapters[name]
	if !exists {
		m.mu.Unlock()
		return errors.NewNotFoundError(fmt.Sprintf("adapter %q not found", name))
	}
	if st.status == StateRunning || st.status == StateStarting {
		m.mu.Unlock()
		return nil
	}
	st.status = StateStarting
	fwdCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	m.mu.Unlock()

	safego.Go(m.logger, "adapter-forward:"+name, func() {
		m.forward(fwdCtx, st)
	})

	startCtx, done := context.WithTimeout(ctx, 30*time.Second)
	defer done()
	if err := st.adapter.Start(startCtx); err != nil {
		m.mu.Lock()
		st.status = StateError
		st.errorMsg = err.Error()
		m.mu.Unlock()
		cancel()
		m.publishManagerEvent(ManagerEvent{Kind: ManagerAdapterError, Name: name, ErrorText: err.Error()})
		m.maybeRestart(ctx, name)
		return err
	}

	m.mu.Lock()
	st.status = StateRunning
	st.startedAt = time.Now()
	m.running = true
	m.mu.Unlock()
	m.publishManagerEvent(ManagerEvent{Kind: ManagerAdapterStarted, Name: name})
	return nil
}

// maybeRestart implements the restart_on_error/max_restart_attempts/cooldown
// policy the Rust original declares in config but never wires up (see
// SPEC_FULL.md). Intentionally fire-and-forget: a restart failure simply
// leaves the adapter in Error, consistent with "adapter event loops never
// crash the manager".
func (m *Manager) maybeRestart(ctx context.Context, name string) {
	if !m.config.RestartOnError {
		return
	}
	m.mu.Lock()
	st, exists := m.adapters[name]
	if !exists || st.restarts >= m.config.MaxRestartAttempts {
		m.mu.Unlock()
		return
	}
	st.restarts++
	attempt := st.restarts
	m.mu.Unlock()

	safego.Go(m.logger, "adapter-restart:"+name, func() {
		time.Sleep(m.config.RestartCooldown)
		m.logger.Info("restarting adapter after error",
			zap.String("adapter", name), zap.Int("attempt", attempt))
		_ = m.StartAdapter(ctx, name)
	})
}

// forward translates adapter-local events to bus events tagged
// "adapter:<type>:<device>", updating last-activity as it goes.
func (m *Manager) forward(ctx context.Context, st *adapterState) {
	source := fmt.Sprintf("adapter:%s", st.adapter.Type())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-st.adapter.Subscribe():
			if !ok {
				return
			}
			m.mu.Lock()
			st.lastActivity = time.Now().Unix()
			m.mu.Unlock()

			tagged := fmt.Sprintf("%s:%s", source, ev.DeviceIDOrUnknown())
			m.bus.PublishWithSource(ctx, toBusEvent(ev), tagged)
		}
	}
}

func toBusEvent(ev Event) eventbus.Event {
	var t string
	switch ev.Kind {
	case EventMetric:
		t = eventbus.EventTypeDeviceMetric
	case EventOnline:
		t = eventbus.EventTypeDeviceOnline
	case EventOffline:
		t = eventbus.EventTypeDeviceOffline
	case EventCommandResult:
		t = eventbus.EventTypeDeviceCommandResult
	case EventDiscovered:
		t = eventbus.EventTypeDeviceDiscovered
	}
	return eventbus.NewEvent(t, ev)
}

// StopAdapter transitions to Stopping, cancels the forwarding task, stops
// the underlying adapter, and settles on Stopped.
func (m *Manager) StopAdapter(ctx context.Context, name string) error {
	m.mu.Lock()
	st, exists := m.adapters[name]
	if !exists {
		m.mu.Unlock()
		return errors.NewNotFoundError(fmt.Sprintf("adapter %q not found", name))
	}
	st.status = StateStopping
	cancel := st.cancel
	m.mu.Unlock()

	stopCtx, done := context.WithTimeout(ctx, m.config.StopTimeout)
	defer done()
	err := st.adapter.Stop(stopCtx)
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	st.status = StateStopped
	m.mu.Unlock()
	m.publishManagerEvent(ManagerEvent{Kind: ManagerAdapterStopped, Name: name})
	return err
}

// RestartAdapter stops then starts the named adapter.
func (m *Manager) RestartAdapter(ctx context.Context, name string) error {
	if err := m.StopAdapter(ctx, name); err != nil {
		return err
	}
	return m.StartAdapter(ctx, name)
}

// StartAll starts every registered adapter; individual failures are
// recorded but do not stop the sweep.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.adapterNames() {
		if err := m.StartAdapter(ctx, name); err != nil {
			m.logger.Warn("adapter failed to start", zap.String("adapter", name), zap.Error(err))
		}
	}
	return nil
}

// StopAll stops every registered adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, name := range m.adapterNames() {
		if err := m.StopAdapter(ctx, name); err != nil {
			m.logger.Warn("adapter failed to stop", zap.String("adapter", name), zap.Error(err))
		}
	}
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *Manager) adapterNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for n := range m.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FindAdapterForDevice queries each adapter's live device list and returns
// the first adapter reporting ownership of id.
func (m *Manager) FindAdapterForDevice(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.sortedNamesLocked() {
		st := m.adapters[name]
		for _, d := range st.adapter.ListDevices() {
			if d == id {
				return st.adapter, true
			}
		}
	}
	return nil, false
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.adapters))
	for n := range m.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListAllDevices flattens all adapters' devices, sorted and deduplicated —
// a device visible through more than one adapter appears once.
func (m *Manager) ListAllDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, st := range m.adapters {
		for _, d := range st.adapter.ListDevices() {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// HealthCheck reports true only for adapters in the Running state.
func (m *Manager) HealthCheck(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, exists := m.adapters[name]
	return exists && st.status == StateRunning
}

// GetAdapterInfo returns the current Info snapshot for name.
func (m *Manager) GetAdapterInfo(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, exists := m.adapters[name]
	if !exists {
		return Info{}, false
	}
	info := Info{
		Name:        name,
		AdapterType: st.adapter.Type(),
		Status:      st.status,
		ErrorMsg:    st.errorMsg,
		DeviceCount: st.adapter.DeviceCount(),
		LastActivity: st.lastActivity,
	}
	if st.status == StateRunning {
		uptime := int64(time.Since(st.startedAt).Seconds())
		info.UptimeSecs = &uptime
	}
	return info, true
}

// ListAdapters returns an Info snapshot per registered adapter, sorted by name.
func (m *Manager) ListAdapters() []Info {
	names := m.adapterNames()
	infos := make([]Info, 0, len(names))
	for _, n := range names {
		if info, ok := m.GetAdapterInfo(n); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (m *Manager) publishManagerEvent(ev ManagerEvent) {
	m.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeManagerEvent, ev))
}
