package extension

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProcessConfig configures a process-isolated extension.
//
// Grounded on original_source/crates/neomind-core/src/extension/isolated/process.rs's
// IsolatedExtensionConfig.
type ProcessConfig struct {
	BinaryPath          string
	Args                []string
	StartupTimeout      time.Duration
	CommandTimeout      time.Duration
	RestartOnCrash      bool
	MaxRestartAttempts  int
	RestartCooldown     time.Duration
}

func DefaultProcessConfig(binaryPath string) ProcessConfig {
	return ProcessConfig{
		BinaryPath:         binaryPath,
		Args:               []string{"--isolated-mode"},
		StartupTimeout:     30 * time.Second,
		CommandTimeout:     30 * time.Second,
		RestartOnCrash:     true,
		MaxRestartAttempts: 3,
		RestartCooldown:    5 * time.Second,
	}
}

// ipcMessage is a host-to-extension frame body.
type ipcMessage struct {
	Type      string         `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	Command   string         `json:"command,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	RequestID uint64         `json:"request_id,omitempty"`
}

// ipcResponse is an extension-to-host frame body.
type ipcResponse struct {
	Type      string         `json:"type"`
	RequestID uint64         `json:"request_id,omitempty"`
	Metadata  Metadata       `json:"metadata,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metrics   []MetricValue  `json:"metrics,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// writeFrame writes a u32-little-endian length prefix followed by the
// JSON-encoded payload, matching the original's IpcFrame::encode.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame and unmarshals it into v.
func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// ProcessCommander is the subset of exec.Cmd the ProcessExtension
// drives; abstracted so tests can substitute in-memory pipes instead of
// spawning a real child process.
type ProcessCommander interface {
	Start() error
	Wait() error
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Kill() error
}

type execCommander struct {
	cmd       *exec.Cmd
	stdinPipe io.WriteCloser
	stdoutPipe io.ReadCloser
}

func newExecCommander(path string, args []string) (*execCommander, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	return &execCommander{cmd: cmd, stdinPipe: stdin, stdoutPipe: stdout}, nil
}

func (c *execCommander) Start() error           { return c.cmd.Start() }
func (c *execCommander) Wait() error            { return c.cmd.Wait() }
func (c *execCommander) Stdin() io.WriteCloser  { return c.stdinPipe }
func (c *execCommander) Stdout() io.ReadCloser  { return c.stdoutPipe }
func (c *execCommander) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// ProcessExtension wraps a child-process extension communicating over
// length-prefixed JSON IPC frames on stdio, with restart-on-crash.
type ProcessExtension struct {
	id     string
	cfg    ProcessConfig
	logger *zap.Logger
	spawn  func() (ProcessCommander, error)

	mu        sync.Mutex
	proc      ProcessCommander
	stdout    *bufio.Reader
	requestID atomic.Uint64
	metadata  Metadata
	running   atomic.Bool
	restarts  int
	lastStart time.Time
}

func NewProcessExtension(id string, cfg ProcessConfig, logger *zap.Logger) *ProcessExtension {
	e := &ProcessExtension{id: id, cfg: cfg, logger: logger}
	e.spawn = func() (ProcessCommander, error) {
		return newExecCommander(cfg.BinaryPath, cfg.Args)
	}
	return e
}

// Start spawns the child process and performs the Init/Ready handshake.
func (e *ProcessExtension) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *ProcessExtension) startLocked(ctx context.Context) error {
	proc, err := e.spawn()
	if err != nil {
		return fmt.Errorf("spawn extension %s: %w", e.id, err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start extension %s: %w", e.id, err)
	}

	e.proc = proc
	e.stdout = bufio.NewReader(proc.Stdout())
	e.running.Store(true)
	e.lastStart = time.Now()

	if err := writeFrame(proc.Stdin(), ipcMessage{Type: "init", Config: map[string]any{}}); err != nil {
		e.killLocked()
		return err
	}

	var resp ipcResponse
	done := make(chan error, 1)
	go func() { done <- readFrame(e.stdout, &resp) }()
	select {
	case err := <-done:
		if err != nil {
			e.killLocked()
			return err
		}
	case <-time.After(e.cfg.StartupTimeout):
		e.killLocked()
		return fmt.Errorf("extension %s did not become ready within %s", e.id, e.cfg.StartupTimeout)
	}

	if resp.Type != "ready" {
		e.killLocked()
		return fmt.Errorf("extension %s returned unexpected response %q during startup", e.id, resp.Type)
	}
	e.metadata = resp.Metadata
	return nil
}

func (e *ProcessExtension) killLocked() {
	if e.proc != nil {
		_ = e.proc.Kill()
		_ = e.proc.Wait()
	}
	e.running.Store(false)
}

// Metadata returns the metadata reported at startup.
func (e *ProcessExtension) Metadata() Metadata { return e.metadata }

func (e *ProcessExtension) exchange(ctx context.Context, msg ipcMessage) (ipcResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		e.maybeRestartLocked(ctx)
		if !e.running.Load() {
			return ipcResponse{}, fmt.Errorf("extension %s is not running", e.id)
		}
	}

	if err := writeFrame(e.proc.Stdin(), msg); err != nil {
		e.handleCrashLocked(ctx)
		return ipcResponse{}, err
	}

	var resp ipcResponse
	done := make(chan error, 1)
	go func() { done <- readFrame(e.stdout, &resp) }()
	select {
	case err := <-done:
		if err != nil {
			e.handleCrashLocked(ctx)
			return ipcResponse{}, err
		}
	case <-time.After(e.cfg.CommandTimeout):
		return ipcResponse{}, fmt.Errorf("extension %s timed out after %s", e.id, e.cfg.CommandTimeout)
	}
	return resp, nil
}

func (e *ProcessExtension) handleCrashLocked(ctx context.Context) {
	e.running.Store(false)
	if e.proc != nil {
		_ = e.proc.Kill()
	}
	e.maybeRestartLocked(ctx)
}

func (e *ProcessExtension) maybeRestartLocked(ctx context.Context) {
	if !e.cfg.RestartOnCrash || e.restarts >= e.cfg.MaxRestartAttempts {
		return
	}
	if time.Since(e.lastStart) < e.cfg.RestartCooldown {
		return
	}
	e.restarts++
	e.logger.Warn("restarting crashed extension", zap.String("id", e.id), zap.Int("attempt", e.restarts))
	if err := e.startLocked(ctx); err != nil {
		e.logger.Error("extension restart failed", zap.String("id", e.id), zap.Error(err))
	}
}

// ExecuteCommand sends an execute_command IPC message and returns its result.
func (e *ProcessExtension) ExecuteCommand(ctx context.Context, cmd string, args map[string]any) (map[string]any, error) {
	reqID := e.requestID.Add(1)
	resp, err := e.exchange(ctx, ipcMessage{Type: "execute_command", Command: cmd, Args: args, RequestID: reqID})
	if err != nil {
		return nil, err
	}
	if resp.Type == "error" {
		return nil, fmt.Errorf("extension %s command %q failed: %s", e.id, cmd, resp.Error)
	}
	return resp.Data, nil
}

// ProduceMetrics sends a produce_metrics IPC message.
func (e *ProcessExtension) ProduceMetrics(ctx context.Context) ([]MetricValue, error) {
	reqID := e.requestID.Add(1)
	resp, err := e.exchange(ctx, ipcMessage{Type: "produce_metrics", RequestID: reqID})
	if err != nil {
		return nil, err
	}
	if resp.Type == "error" {
		return nil, fmt.Errorf("extension %s metrics failed: %s", e.id, resp.Error)
	}
	return resp.Metrics, nil
}

// HealthCheck reports whether the process is currently running.
func (e *ProcessExtension) HealthCheck(ctx context.Context) bool {
	return e.running.Load()
}

// Close sends a shutdown message and waits for the child to exit.
func (e *ProcessExtension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return nil
	}
	_ = writeFrame(e.proc.Stdin(), ipcMessage{Type: "shutdown"})
	err := e.proc.Wait()
	e.running.Store(false)
	return err
}
