package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
	"github.com/edgeplane/sentinel/internal/domain/extension"
	"github.com/edgeplane/sentinel/internal/domain/rule"
	"github.com/edgeplane/sentinel/internal/domain/telemetry"
	"github.com/edgeplane/sentinel/internal/domain/transform"
	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"github.com/edgeplane/sentinel/pkg/safego"
)

// initGatewayDomain wires the six edge-resident subsystems (bus, device
// adapters, telemetry, rules, command pipeline, extension host) into one
// running pipeline: adapters publish metrics onto the bus, a subscriber
// persists them to the telemetry store and feeds the rule engine, fired
// rules submit Execute actions to the command pipeline, and a background
// loop drains the pipeline's retry queue and sweeps telemetry retention.
func (app *App) initGatewayDomain() error {
	app.logger.Info("Initializing gateway domain")

	app.eventBus = eventbus.NewInMemoryBus(app.logger, 1024)

	deviceCfg := app.config.Devices
	mgrCfg := device.DefaultManagerConfig()
	mgrCfg.AutoStart = deviceCfg.AutoStart
	mgrCfg.RestartOnError = deviceCfg.RestartOnError
	app.deviceManager = device.NewManager(mgrCfg, app.eventBus, app.logger)

	ctx := context.Background()
	for _, m := range deviceCfg.MQTT {
		a := device.NewMQTTAdapter(device.MQTTConfig{
			Name:            m.Name,
			BrokerURL:       m.BrokerURL,
			ClientID:        m.ClientID,
			Username:        m.Username,
			Password:        m.Password,
			SubscribeTopics: m.SubscribeTopics,
			DiscoveryTopic:  m.DiscoveryTopic,
		}, app.logger)
		if err := app.deviceManager.Register(ctx, a); err != nil {
			app.logger.Warn("Failed to register MQTT adapter", zap.String("name", m.Name), zap.Error(err))
		}
	}
	for _, m := range deviceCfg.Modbus {
		cfg := device.DefaultModbusConfig(m.Name, m.Host)
		if m.Port != 0 {
			cfg.Port = m.Port
		}
		if m.SlaveID != 0 {
			cfg.SlaveID = m.SlaveID
		}
		if m.PollInterval > 0 {
			cfg.PollInterval = time.Duration(m.PollInterval) * time.Second
		}
		registers := make([]device.RegisterDefinition, 0, len(m.Registers))
		for _, r := range m.Registers {
			def := device.RegisterDefinition{
				Name: r.Name, Address: r.Address, Scale: r.Scale, Unit: r.Unit,
			}
			switch r.Type {
			case "coil":
				def.Type = device.Coil
			case "discrete_input":
				def.Type = device.DiscreteInput
			case "holding_register":
				def.Type = device.HoldingRegister
			default:
				def.Type = device.InputRegister
			}
			registers = append(registers, def)
		}
		a := device.NewModbusAdapter(cfg, registers, app.logger)
		if err := app.deviceManager.Register(ctx, a); err != nil {
			app.logger.Warn("Failed to register Modbus adapter", zap.String("name", m.Name), zap.Error(err))
		}
	}

	// Telemetry Store
	telCfg := telemetry.DefaultConfig()
	if app.config.Telemetry.RetentionHours > 0 {
		telCfg.Retention.DefaultHours = &app.config.Telemetry.RetentionHours
	}
	store, err := telemetry.Open(app.config.Telemetry.StorePath, telCfg)
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}
	app.telemetryStore = store

	// Rule Engine
	app.ruleEngine = rule.NewEngine()
	app.ruleFiles = make(map[string]string)
	app.loadRuleFiles(app.config.Rules.Dirs)

	// Transform Engine — per-device rolling state feeding derived metrics
	// back through the same metric pipeline.
	app.transformEngine = transform.NewEngine(app.logger)

	// Command Pipeline — dispatches through whichever adapter owns the
	// target device.
	app.commandPipeline = command.NewPipeline(&adapterDispatcher{manager: app.deviceManager}, app.logger)

	// Extension Host — native/WASM loaders bridged to the telemetry store
	// and command pipeline, discovering from the configured directories.
	app.extensionRegistry = extension.NewRegistry(app.eventBus, app.logger)
	bridge := &gatewayBridge{store: app.telemetryStore, pipeline: app.commandPipeline}
	loaders := extension.Loaders{Native: extension.NewNativeLoader()}
	wasmLoader, err := extension.NewWasmLoader(ctx, bridge, &httpBridge{}, bridge, app.logger)
	if err != nil {
		app.logger.Warn("WASM extension loader unavailable, native extensions only", zap.Error(err))
	} else {
		loaders.Wasm = wasmLoader
	}
	if dirs := app.config.Extensions.Dirs; len(dirs) > 0 {
		if _, errs := app.extensionRegistry.Discover(ctx, loaders, dirs, nil); len(errs) > 0 {
			for _, e := range errs {
				app.logger.Debug("Extension discovery skipped an entry", zap.Error(e))
			}
		}
	}

	// Wire the metric pipeline: every published device metric is persisted
	// and evaluated against the loaded rules; rules that fire submit their
	// Execute actions back onto the command pipeline.
	app.eventBus.Subscribe(eventbus.EventTypeDeviceMetric, app.handleDeviceMetric)
	app.eventBus.Subscribe(eventbus.EventTypeDeviceDiscovered, app.handleDeviceDiscovered)

	return nil
}

// handleDeviceDiscovered records a newly-seen device's type so
// device-type-scoped transforms can match it.
func (app *App) handleDeviceDiscovered(ctx context.Context, ev eventbus.Event) {
	de, ok := ev.Payload().(device.Event)
	if !ok || de.DeviceType == "" {
		return
	}
	app.transformEngine.RegisterDeviceType(de.DeviceID, de.DeviceType)
}

// handleDeviceMetric persists an incoming metric and runs it through the
// rule engine, submitting any Execute actions from newly fired rules.
func (app *App) handleDeviceMetric(ctx context.Context, ev eventbus.Event) {
	de, ok := ev.Payload().(device.Event)
	if !ok {
		return
	}
	f, numeric := de.Value.AsFloat()

	point := telemetry.DataPoint{Timestamp: de.Timestamp, Value: de.Value.Any(), Quality: de.Quality}
	if err := app.telemetryStore.Write(de.DeviceID, de.Metric, point); err != nil {
		app.logger.Warn("Failed to persist telemetry point",
			zap.String("device", de.DeviceID), zap.String("metric", de.Metric), zap.Error(err))
	}

	if !numeric {
		return
	}

	fired := app.ruleEngine.Evaluate(de.DeviceID, de.Metric, f, time.Unix(de.Timestamp, 0))
	for _, fr := range fired {
		app.applyFiredRule(ctx, fr)
	}

	for _, out := range app.transformEngine.Ingest(de.DeviceID, de.Metric, f, de.Timestamp) {
		derived := device.Event{
			Kind:      device.EventMetric,
			DeviceID:  out.DeviceID,
			Metric:    out.Metric,
			Value:     device.Float(out.Value),
			Timestamp: de.Timestamp,
		}
		app.eventBus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeDeviceMetric, derived))
	}
}

func (app *App) applyFiredRule(ctx context.Context, fr rule.Fired) {
	for _, action := range fr.Rule.Actions {
		switch action.Kind {
		case rule.ActionExecute:
			if _, _, err := app.commandPipeline.Submit(
				"rule:"+fr.Rule.Name, action.DeviceID, action.Command, action.Params, 3, 30*time.Second,
			); err != nil {
				app.logger.Warn("Rule action submit failed",
					zap.String("rule", fr.Rule.Name), zap.Error(err))
			}
		case rule.ActionLog:
			app.logger.Info("Rule fired",
				zap.String("rule", fr.Rule.Name),
				zap.String("device", fr.DeviceID),
				zap.String("metric", fr.Metric),
				zap.Float64("value", fr.Value),
				zap.String("level", action.Level.String()))
		case rule.ActionNotify:
			app.eventBus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeManagerEvent, action))
		}
	}
}

// gatewayWorkerLoop periodically drains the command pipeline's retry
// queue and sweeps telemetry retention. Grounded on the ticker shape the
// teacher used for its own periodic maintenance loop.
func (app *App) gatewayWorkerLoop(ctx context.Context) {
	dispatchTicker := time.NewTicker(2 * time.Second)
	defer dispatchTicker.Stop()

	sweepEvery := time.Duration(app.config.Telemetry.RetentionSweepMins) * time.Minute
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}
	retentionTicker := time.NewTicker(sweepEvery)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			spanCtx, span := app.tracer.StartSpan(ctx, "command.dispatch_next")
			app.commandPipeline.DispatchNext(spanCtx)
			app.tracer.EndSpan(span, nil)
		case <-retentionTicker.C:
			_, span := app.tracer.StartSpan(ctx, "telemetry.apply_retention")
			removed, _, err := app.telemetryStore.ApplyRetention()
			app.tracer.EndSpan(span, err)
			if err != nil {
				app.logger.Warn("Telemetry retention sweep failed", zap.Error(err))
			} else if removed > 0 {
				app.logger.Info("Telemetry retention swept", zap.Uint64("removed", removed))
			}
		}
	}
}

// adapterDispatcher implements command.Dispatcher over the device
// manager, resolving the owning adapter and calling its concrete
// command-send method.
type adapterDispatcher struct {
	manager *device.Manager
}

func (d *adapterDispatcher) Dispatch(ctx context.Context, deviceID, name string, args map[string]any) error {
	a, ok := d.manager.FindAdapterForDevice(deviceID)
	if !ok {
		return fmt.Errorf("no adapter owns device %q", deviceID)
	}
	switch impl := a.(type) {
	case *device.MQTTAdapter:
		payload, _ := args["payload"].([]byte)
		_, err := impl.SendCommand(deviceID, name, payload)
		return err
	case *device.ModbusAdapter:
		value, _ := args["value"].(int64)
		return impl.WriteRegister(ctx, name, value)
	default:
		return fmt.Errorf("adapter %q does not support command dispatch", a.Name())
	}
}

// gatewayBridge exposes the telemetry store and command pipeline to
// sandboxed extensions as extension.DeviceBridge and extension.MetricSink.
type gatewayBridge struct {
	store    *telemetry.Store
	pipeline *command.Pipeline
}

func (b *gatewayBridge) ReadMetric(ctx context.Context, deviceID, metric string) (string, error) {
	point, err := b.store.QueryLatest(deviceID, metric)
	if err != nil {
		return "", err
	}
	if point == nil {
		return "null", nil
	}
	return fmt.Sprintf("%v", point.Value), nil
}

func (b *gatewayBridge) WriteCommand(ctx context.Context, deviceID, cmd, paramsJSON string) (string, error) {
	id, _, err := b.pipeline.Submit("extension", deviceID, cmd, map[string]any{"raw": paramsJSON}, 1, 10*time.Second)
	return id, err
}

func (b *gatewayBridge) StoreMetric(extensionID, name, valueJSON string) {
	_ = b.store.Write(extensionID, name, telemetry.NewStringDataPoint(time.Now().Unix(), valueJSON))
}

// httpBridge performs an extension's outbound host_http_request call
// with a short, fixed timeout — sandboxed extensions don't get to hang
// the host on a slow peer.
type httpBridge struct{}

func (httpBridge) Do(ctx context.Context, method, url string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Status, nil
}

// startGatewayDomain brings up the device adapters and the background
// maintenance loop. Safe to call even when no adapters are configured.
func (app *App) startGatewayDomain(ctx context.Context) {
	if app.deviceManager == nil {
		return
	}
	if err := app.deviceManager.StartAll(ctx); err != nil {
		app.logger.Warn("Some device adapters failed to start", zap.Error(err))
	}
	if app.config.Rules.HotReload {
		app.startRuleWatcher(app.config.Rules.Dirs)
	}
	safego.Go(app.logger, "gateway-worker-loop", func() {
		app.gatewayWorkerLoop(ctx)
	})
}

func (app *App) stopGatewayDomain(ctx context.Context) {
	app.stopRuleWatcher()
	if app.deviceManager != nil {
		if err := app.deviceManager.StopAll(ctx); err != nil {
			app.logger.Warn("Error stopping device adapters", zap.Error(err))
		}
	}
	if app.eventBus != nil {
		app.eventBus.Close()
	}
	if app.telemetryStore != nil {
		if err := app.telemetryStore.Close(); err != nil {
			app.logger.Warn("Error closing telemetry store", zap.Error(err))
		}
	}
}
