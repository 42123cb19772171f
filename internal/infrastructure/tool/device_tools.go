package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
)

// ListDevicesTool reports every device seen by any registered adapter,
// plus the adapters themselves and their lifecycle state.
type ListDevicesTool struct {
	manager *device.Manager
	logger  *zap.Logger
}

func NewListDevicesTool(manager *device.Manager, logger *zap.Logger) *ListDevicesTool {
	return &ListDevicesTool{manager: manager, logger: logger}
}

func (t *ListDevicesTool) Name() string { return "list_devices" }

func (t *ListDevicesTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListDevicesTool) Description() string {
	return `List every device discovered across all registered adapters, and the adapters themselves with their lifecycle status (starting, running, errored, stopped).`
}

func (t *ListDevicesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListDevicesTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.manager == nil {
		return &Result{Success: false, Error: "device manager not configured"}, nil
	}
	out := struct {
		Devices  []string      `json:"devices"`
		Adapters []device.Info `json:"adapters"`
	}{
		Devices:  t.manager.ListAllDevices(),
		Adapters: t.manager.ListAdapters(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}

// SendCommandTool submits a command to a device through the command
// pipeline. It returns the command ID immediately — delivery and retry
// happen asynchronously in the background dispatch loop.
type SendCommandTool struct {
	pipeline *command.Pipeline
	logger   *zap.Logger
}

func NewSendCommandTool(pipeline *command.Pipeline, logger *zap.Logger) *SendCommandTool {
	return &SendCommandTool{pipeline: pipeline, logger: logger}
}

func (t *SendCommandTool) Name() string { return "send_command" }

func (t *SendCommandTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SendCommandTool) Description() string {
	return `Submit a command to a device by ID. Returns a command ID immediately; the command is delivered and retried asynchronously. Use get_command_status to check the outcome.`
}

func (t *SendCommandTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"device_id": map[string]interface{}{
				"type":        "string",
				"description": "Target device ID",
			},
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command name understood by the device's adapter",
			},
			"args": map[string]interface{}{
				"type":        "object",
				"description": "Command arguments, adapter-specific",
			},
			"timeout_secs": map[string]interface{}{
				"type":        "integer",
				"description": "Per-attempt delivery timeout in seconds (default 10)",
			},
			"max_retries": map[string]interface{}{
				"type":        "integer",
				"description": "Max delivery retries on a transient error (default 3)",
			},
		},
		"required": []string{"device_id", "command"},
	}
}

func (t *SendCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.pipeline == nil {
		return &Result{Success: false, Error: "command pipeline not configured"}, nil
	}
	deviceID, _ := args["device_id"].(string)
	cmdName, _ := args["command"].(string)
	if deviceID == "" || cmdName == "" {
		return &Result{Success: false, Error: "device_id and command are required"}, fmt.Errorf("device_id and command are required")
	}
	cmdArgs, _ := args["args"].(map[string]interface{})
	maxRetries := 3
	if v, ok := args["max_retries"].(float64); ok {
		maxRetries = int(v)
	}
	timeout := 10 * time.Second
	if v, ok := args["timeout_secs"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Second
	}

	id, accepted, err := t.pipeline.Submit("agent", deviceID, cmdName, cmdArgs, maxRetries, timeout)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{
		Success:  true,
		Output:   fmt.Sprintf("submitted command %q to %q as %s (accepted=%v)", cmdName, deviceID, id, accepted),
		Metadata: map[string]interface{}{"command_id": id, "accepted": accepted},
	}, nil
}

// GetCommandStatusTool reads back a previously submitted command's
// current state from the pipeline's in-memory cache.
type GetCommandStatusTool struct {
	pipeline *command.Pipeline
	logger   *zap.Logger
}

func NewGetCommandStatusTool(pipeline *command.Pipeline, logger *zap.Logger) *GetCommandStatusTool {
	return &GetCommandStatusTool{pipeline: pipeline, logger: logger}
}

func (t *GetCommandStatusTool) Name() string { return "get_command_status" }

func (t *GetCommandStatusTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *GetCommandStatusTool) Description() string {
	return `Look up the current status of a command previously submitted with send_command, by its command ID.`
}

func (t *GetCommandStatusTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command_id": map[string]interface{}{
				"type":        "string",
				"description": "The command ID returned by send_command",
			},
		},
		"required": []string{"command_id"},
	}
}

func (t *GetCommandStatusTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.pipeline == nil {
		return &Result{Success: false, Error: "command pipeline not configured"}, nil
	}
	id, _ := args["command_id"].(string)
	if id == "" {
		return &Result{Success: false, Error: "command_id is required"}, fmt.Errorf("command_id is required")
	}
	cmd, ok := t.pipeline.Get(id)
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("no such command %q", id)}, nil
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}
