package extension

import (
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

// runScriptedExtension runs a fake extension process loop over the
// host-facing ends of the pipes: reads each incoming frame and replies
// with a fixed script.
func runScriptedExtension(t *testing.T, extReader io.Reader, extWriter io.Writer, script map[string]ipcResponse) {
	t.Helper()
	go func() {
		for {
			var msg ipcMessage
			if err := readFrame(extReader, &msg); err != nil {
				return
			}
			resp, ok := script[msg.Type]
			if !ok {
				resp = ipcResponse{Type: "error", Error: "unscripted message: " + msg.Type}
			}
			resp.RequestID = msg.RequestID
			if err := writeFrame(extWriter, resp); err != nil {
				return
			}
		}
	}()
}

func newTestProcessExtension(t *testing.T, script map[string]ipcResponse) *ProcessExtension {
	t.Helper()
	hostToExtR, hostToExtW := io.Pipe()
	extToHostR, extToHostW := io.Pipe()

	cfg := DefaultProcessConfig("fake-binary")
	cfg.StartupTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.RestartOnCrash = false

	e := &ProcessExtension{cfg: cfg, logger: zap.NewNop(), id: "test-ext"}
	e.spawn = func() (ProcessCommander, error) {
		return &fakeCommander{stdin: hostToExtW, stdout: extToHostR}, nil
	}

	runScriptedExtension(t, hostToExtR, extToHostW, script)
	return e
}

type fakeCommander struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *fakeCommander) Start() error          { return nil }
func (c *fakeCommander) Wait() error            { return nil }
func (c *fakeCommander) Stdin() io.WriteCloser  { return c.stdin }
func (c *fakeCommander) Stdout() io.ReadCloser  { return c.stdout }
func (c *fakeCommander) Kill() error            { return nil }

func TestProcessExtensionStartHandshake(t *testing.T) {
	e := newTestProcessExtension(t, map[string]ipcResponse{
		"init": {Type: "ready", Metadata: Metadata{ID: "test-ext", Name: "Fake", ABIVersion: "1"}},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.Metadata().Name != "Fake" {
		t.Errorf("expected metadata propagated, got %+v", e.Metadata())
	}
}

func TestProcessExtensionExecuteCommand(t *testing.T) {
	e := newTestProcessExtension(t, map[string]ipcResponse{
		"init":             {Type: "ready", Metadata: Metadata{ID: "test-ext"}},
		"execute_command":  {Type: "success", Data: map[string]any{"ok": true}},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := e.ExecuteCommand(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ok, _ := result["ok"].(bool); !ok {
		t.Errorf("expected ok=true, got %+v", result)
	}
}

func TestProcessExtensionProduceMetrics(t *testing.T) {
	e := newTestProcessExtension(t, map[string]ipcResponse{
		"init":            {Type: "ready", Metadata: Metadata{ID: "test-ext"}},
		"produce_metrics": {Type: "metrics", Metrics: []MetricValue{{Name: "temp", Value: 21.5}}},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	metrics, err := e.ProduceMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Name != "temp" {
		t.Fatalf("got %+v", metrics)
	}
}

func TestProcessExtensionErrorResponse(t *testing.T) {
	e := newTestProcessExtension(t, map[string]ipcResponse{
		"init":            {Type: "ready", Metadata: Metadata{ID: "test-ext"}},
		"execute_command": {Type: "error", Error: "command not found"},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.ExecuteCommand(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error response to surface as Go error")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_ = writeFrame(pw, ipcMessage{Type: "execute_command", Command: "ping", RequestID: 7})
		pw.Close()
	}()
	var msg ipcMessage
	if err := readFrame(pr, &msg); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if msg.Type != "execute_command" || msg.Command != "ping" || msg.RequestID != 7 {
		t.Fatalf("got %+v", msg)
	}
}
