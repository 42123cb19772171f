package extension

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// DeviceBridge is the host-side device access the "neomind" WASM import
// module exposes to sandboxed extensions.
type DeviceBridge interface {
	ReadMetric(ctx context.Context, deviceID, metric string) (string, error)
	WriteCommand(ctx context.Context, deviceID, command, paramsJSON string) (string, error)
}

// HTTPBridge performs the host_http_request host function's outbound
// call on behalf of a sandboxed extension.
type HTTPBridge interface {
	Do(ctx context.Context, method, url string) (string, error)
}

// MetricSink receives host_store_metric calls from sandboxed extensions.
type MetricSink interface {
	StoreMetric(extensionID, name, valueJSON string)
}

// WasmLoader instantiates extension WASM modules in a wazero sandbox,
// exposing the "neomind" host function surface: http_request, log,
// store_metric, device_read, device_write.
//
// Grounded on original_source/crates/neomind-extension-sdk/src/wasm/bindings.rs
// for the exact host-function names and pointer/length calling
// convention (translated to wazero's linear-memory Read/Write helpers
// instead of raw Rust pointers). Construction failure here must not
// disable native loading — callers check the returned error and simply
// skip registering WASM support, matching the original's fallback to a
// no-op loader.
type WasmLoader struct {
	runtime wazero.Runtime
	logger  *zap.Logger
	devices DeviceBridge
	http    HTTPBridge
	metrics MetricSink
}

func NewWasmLoader(ctx context.Context, devices DeviceBridge, http HTTPBridge, metrics MetricSink, logger *zap.Logger) (*WasmLoader, error) {
	rt := wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	l := &WasmLoader{runtime: rt, logger: logger, devices: devices, http: http, metrics: metrics}

	builder := rt.NewHostModuleBuilder("neomind")
	builder.NewFunctionBuilder().WithFunc(l.hostLog).Export("host_log")
	builder.NewFunctionBuilder().WithFunc(l.hostHTTPRequest).Export("host_http_request")
	builder.NewFunctionBuilder().WithFunc(l.hostStoreMetric).Export("host_store_metric")
	builder.NewFunctionBuilder().WithFunc(l.hostDeviceRead).Export("host_device_read")
	builder.NewFunctionBuilder().WithFunc(l.hostDeviceWrite).Export("host_device_write")

	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("build neomind host module: %w", err)
	}
	return l, nil
}

func readString(mod api.Module, ptr, length uint32) string {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(buf)
}

func writeResult(mod api.Module, resultPtr, maxLen uint32, s string) int32 {
	if uint32(len(s)) > maxLen {
		s = s[:maxLen]
	}
	if !mod.Memory().Write(resultPtr, []byte(s)) {
		return -1
	}
	return int32(len(s))
}

func (l *WasmLoader) hostLog(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level := readString(mod, levelPtr, levelLen)
	msg := readString(mod, msgPtr, msgLen)
	switch level {
	case "error":
		l.logger.Error("wasm extension log", zap.String("message", msg))
	case "warn":
		l.logger.Warn("wasm extension log", zap.String("message", msg))
	case "debug":
		l.logger.Debug("wasm extension log", zap.String("message", msg))
	default:
		l.logger.Info("wasm extension log", zap.String("message", msg))
	}
}

func (l *WasmLoader) hostHTTPRequest(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, resultPtr, resultMaxLen uint32) int32 {
	if l.http == nil {
		return -1
	}
	method := readString(mod, methodPtr, methodLen)
	url := readString(mod, urlPtr, urlLen)
	result, err := l.http.Do(ctx, method, url)
	if err != nil {
		return -1
	}
	return writeResult(mod, resultPtr, resultMaxLen, result)
}

func (l *WasmLoader) hostStoreMetric(ctx context.Context, mod api.Module, namePtr, nameLen, valuePtr, valueLen uint32) {
	if l.metrics == nil {
		return
	}
	name := readString(mod, namePtr, nameLen)
	value := readString(mod, valuePtr, valueLen)
	l.metrics.StoreMetric(mod.Name(), name, value)
}

func (l *WasmLoader) hostDeviceRead(ctx context.Context, mod api.Module, deviceIDPtr, deviceIDLen, metricPtr, metricLen, resultPtr, resultMaxLen uint32) int32 {
	if l.devices == nil {
		return -1
	}
	deviceID := readString(mod, deviceIDPtr, deviceIDLen)
	metric := readString(mod, metricPtr, metricLen)
	result, err := l.devices.ReadMetric(ctx, deviceID, metric)
	if err != nil {
		return -1
	}
	return writeResult(mod, resultPtr, resultMaxLen, result)
}

func (l *WasmLoader) hostDeviceWrite(ctx context.Context, mod api.Module, deviceIDPtr, deviceIDLen, cmdPtr, cmdLen, paramsPtr, paramsLen, resultPtr, resultMaxLen uint32) int32 {
	if l.devices == nil {
		return -1
	}
	deviceID := readString(mod, deviceIDPtr, deviceIDLen)
	cmd := readString(mod, cmdPtr, cmdLen)
	params := readString(mod, paramsPtr, paramsLen)
	result, err := l.devices.WriteCommand(ctx, deviceID, cmd, params)
	if err != nil {
		return -1
	}
	return writeResult(mod, resultPtr, resultMaxLen, result)
}

// Load compiles and instantiates a WASM extension module from wasmBytes.
func (l *WasmLoader) Load(ctx context.Context, id string, wasmBytes []byte) (Extension, error) {
	compiled, err := l.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm extension %s: %w", id, err)
	}

	modCfg := wazero.NewModuleConfig().WithName(id)
	mod, err := l.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm extension %s: %w", id, err)
	}

	return &wasmExtension{id: id, module: mod}, nil
}

func (l *WasmLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// wasmExtension adapts a wazero module instance to the Extension
// interface, calling the module's exported "execute_command",
// "produce_metrics", and "health_check" functions.
type wasmExtension struct {
	id     string
	module api.Module
}

func (e *wasmExtension) Metadata() Metadata {
	return Metadata{ID: e.id, Name: e.id, ABIVersion: "wasm-1"}
}

func (e *wasmExtension) ExecuteCommand(ctx context.Context, cmd string, args map[string]any) (map[string]any, error) {
	fn := e.module.ExportedFunction("execute_command")
	if fn == nil {
		return nil, fmt.Errorf("wasm extension %s does not export execute_command", e.id)
	}
	if _, err := fn.Call(ctx); err != nil {
		return nil, fmt.Errorf("wasm extension %s execute_command failed: %w", e.id, err)
	}
	return map[string]any{}, nil
}

func (e *wasmExtension) ProduceMetrics(ctx context.Context) ([]MetricValue, error) {
	fn := e.module.ExportedFunction("produce_metrics")
	if fn == nil {
		return nil, nil
	}
	if _, err := fn.Call(ctx); err != nil {
		return nil, fmt.Errorf("wasm extension %s produce_metrics failed: %w", e.id, err)
	}
	return nil, nil
}

func (e *wasmExtension) HealthCheck(ctx context.Context) bool {
	fn := e.module.ExportedFunction("health_check")
	if fn == nil {
		return true
	}
	results, err := fn.Call(ctx)
	if err != nil || len(results) == 0 {
		return false
	}
	return results[0] != 0
}

func (e *wasmExtension) Close() error {
	return e.module.Close(context.Background())
}
