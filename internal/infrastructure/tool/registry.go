package tool

import (
	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"github.com/edgeplane/sentinel/internal/infrastructure/sandbox"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
	"github.com/edgeplane/sentinel/internal/domain/extension"
	"github.com/edgeplane/sentinel/internal/domain/rule"
	"github.com/edgeplane/sentinel/internal/domain/telemetry"
)

// ToolLayerDeps aggregates all external dependencies needed by the tool layer.
// This is the single configuration point for the entire tool subsystem.
type ToolLayerDeps struct {
	// Required
	Registry domaintool.Registry
	Logger   *zap.Logger

	// Infrastructure
	Sandbox *sandbox.ProcessSandbox // nil = file tools run unsandboxed

	// Gateway domain (nil = corresponding tool group is not registered)
	DeviceManager     *device.Manager
	CommandPipeline   *command.Pipeline
	TelemetryStore    *telemetry.Store
	RuleEngine        *rule.Engine
	ExtensionRegistry *extension.Registry
}

// RegisterAllTools registers all tools in one place. This is the ONLY
// tool registration entry point. Adding a new tool? Add it here.
//
// Registration order:
//  1. Core file operations (bash, read, write, edit, list, grep, glob)
//  2. Advanced (apply_patch, web_fetch)
//  3. Agent capabilities (save_memory, update_plan)
//  4. Device operations (list_devices, send_command, get_command_status)
//  5. Telemetry (query_telemetry, list_metrics)
//  6. Rules (list_rules, create_rule, delete_rule)
//  7. Extensions (list_extensions)
func RegisterAllTools(deps ToolLayerDeps) int {
	var tools []domaintool.Tool

	// ── 1. Core File Operations ──
	tools = append(tools,
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(deps.Sandbox, deps.Logger),
		NewWriteFileTool(deps.Sandbox, deps.Logger),
		NewEditFileTool(deps.Sandbox, deps.Logger),
		NewListDirTool(deps.Sandbox, deps.Logger),
		NewSearchTool(deps.Sandbox, deps.Logger),
		NewGlobTool(deps.Sandbox, deps.Logger),
	)

	// ── 2. Advanced ──
	tools = append(tools,
		NewApplyPatchTool(deps.Sandbox, deps.Logger),
		NewWebFetchTool(deps.Sandbox, deps.Logger),
	)

	// ── 3. Agent Capabilities ──
	tools = append(tools,
		NewSaveMemoryTool(deps.Logger),
		NewUpdatePlanTool(deps.Logger),
	)

	// ── 4. Device Operations ──
	if deps.DeviceManager != nil {
		tools = append(tools, NewListDevicesTool(deps.DeviceManager, deps.Logger))
	}
	if deps.CommandPipeline != nil {
		tools = append(tools,
			NewSendCommandTool(deps.CommandPipeline, deps.Logger),
			NewGetCommandStatusTool(deps.CommandPipeline, deps.Logger),
		)
	}

	// ── 5. Telemetry ──
	if deps.TelemetryStore != nil {
		tools = append(tools,
			NewQueryTelemetryTool(deps.TelemetryStore, deps.Logger),
			NewListMetricsTool(deps.TelemetryStore, deps.Logger),
		)
	}

	// ── 6. Rules ──
	if deps.RuleEngine != nil {
		tools = append(tools,
			NewListRulesTool(deps.RuleEngine, deps.Logger),
			NewCreateRuleTool(deps.RuleEngine, deps.Logger),
			NewDeleteRuleTool(deps.RuleEngine, deps.Logger),
		)
	}

	// ── 7. Extensions ──
	if deps.ExtensionRegistry != nil {
		tools = append(tools, NewListExtensionsTool(deps.ExtensionRegistry, deps.Logger))
	}

	// ── Register everything ──
	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			deps.Logger.Info("Registered tool", zap.String("tool", t.Name()))
			registered++
		}
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)

	return registered
}
