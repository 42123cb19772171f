package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "sentinel"

// WorkspaceDirName is the directory name used for workspace-level config.
// Place .sentinel/ in a project root for project-specific overrides.
const WorkspaceDirName = "." + AppName

// HomeDir returns the user's Sentinel configuration home: ~/.sentinel
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.sentinel directory exists with all default content.
// Called once at startup. Safe to call multiple times — only creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	// Directory tree
	dirs := []string{
		root,
		filepath.Join(root, "prompts"),
		filepath.Join(root, "prompts", "variants"),
		filepath.Join(root, "skills"),
		filepath.Join(root, "modules"),
		filepath.Join(root, "memory"),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):                       defaultConfig,
		filepath.Join(root, "soul.md"):                            defaultSoul,
		filepath.Join(root, "prompts", "rules.md"):                defaultRules,
		filepath.Join(root, "prompts", "capabilities.md"):         defaultCapabilities,
		filepath.Join(root, "prompts", "device_ops.md"):           defaultDeviceOps,
		filepath.Join(root, "prompts", "telemetry.md"):            defaultTelemetry,
		filepath.Join(root, "prompts", "variants", "qwen.md"):     defaultVariantQwen,
		filepath.Join(root, "prompts", "variants", "default.md"):  defaultVariantDefault,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Sentinel bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Sentinel home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# Sentinel Configuration / Sentinel 配置文件
# Auto-generated on first launch — feel free to edit
# 首次启动自动生成 — 可自由编辑
# Docs: https://github.com/edgeplane/sentinel/blob/main/docs/USER_MANUAL.md
# ═══════════════════════════════════════════════════════════════

# ─── Gateway Server / 网关服务 ────────────────────────────────
# HTTP API server settings.
# HTTP API 服务监听地址。
gateway:
  host: 0.0.0.0
  port: 18790
  mode: local                  # local | production

# ─── Database / 数据库 ───────────────────────────────────────
# Conversation history storage.
# 会话历史存储。
database:
  type: sqlite                 # sqlite | postgres
  dsn: sentinel.db              # File path (sqlite) or connection string (postgres)

# ─── Logging / 日志 ──────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: console              # console | json

# ─── Agent Core / Agent 核心 ─────────────────────────────────
# Main agent behavior settings.
# Agent 主要行为配置。
agent:
  default_model: ""            # e.g. "openai/gpt-4o" / 格式: "provider/model"
  workspace: ""                # Default workspace dir / 默认工作目录 (空=当前目录)
  max_iterations: 50           # Max ReAct loop steps / 最大循环步数

  # ─── LLM Providers / LLM 服务商 ──────────────────────────
  # Add one or more providers. Lower priority = preferred.
  # 添加一个或多个 Provider。priority 越小越优先。
  # Supports: OpenAI, Anthropic, Google, Bailian, MiniMax, etc.
  providers: []
  # Example / 示例:
  # providers:
  #   - name: openai
  #     base_url: "https://api.openai.com/v1"
  #     api_key: "sk-..."
  #     models:
  #       - "openai/gpt-4o"
  #       - "openai/gpt-4o-mini"
  #     priority: 1
  #
  #   - name: anthropic
  #     base_url: "https://api.anthropic.com/v1"
  #     api_key: "sk-ant-..."
  #     api_type: "anthropic"
  #     models:
  #       - "anthropic/claude-sonnet-4-20250514"
  #     priority: 2

  # ─── Runtime Limits / 运行时限制 ──────────────────────────
  # Timeout and resource constraints for tool execution.
  # 工具执行的超时和资源约束。
  runtime:
    tool_timeout: 60s          # Single tool timeout / 单次工具超时
    run_timeout: 10m           # Total agent run timeout / 总运行超时
    sub_agent_timeout: 3m      # Sub-agent timeout / 子 Agent 超时
    sub_agent_max_steps: 25    # Sub-agent max steps / 子 Agent 最大步数
    max_token_budget: 180000   # Token budget per run / 单次 Token 预算
    concurrent_tools: true     # Allow parallel tool calls / 允许并行工具调用
    max_retries: 3             # Auto-retry on failure / 失败自动重试次数
    retry_base_wait: 2s        # Retry backoff base / 重试等待基数

  # ─── Guardrails / 安全护栏 ────────────────────────────────
  # Context window management and loop detection.
  # 上下文窗口管理和循环检测。
  guardrails:
    context_max_tokens: 180000 # Max context window / 最大上下文窗口
    context_warn_ratio: 0.7    # Warn at 70% usage / 70% 时警告
    context_hard_ratio: 0.85   # Force compaction at 85% / 85% 时强制压缩
    loop_detect_threshold: 5   # Identical calls threshold / 相同调用阈值

  # ─── Context Compaction / 上下文压缩 ──────────────────────
  # Automatic conversation summarization when context grows large.
  # 上下文过大时自动摘要压缩。
  compaction:
    message_threshold: 30      # Trigger after N messages / N 条消息后触发
    keep_recent: 10            # Keep last N messages / 保留最近 N 条
    summary_max_tokens: 1000   # Summary budget / 摘要 Token 上限

# ─── Device Adapters / 设备适配器 ─────────────────────────────
# MQTT brokers and Modbus units to bring up on launch.
# 启动时接入的 MQTT broker 与 Modbus 从站。
devices:
  auto_start: false           # Start every registered adapter automatically / 自动启动所有已注册适配器
  restart_on_error: true      # Restart a crashed adapter after its cooldown / 适配器出错后按冷却时间重启
  mqtt: []
  # mqtt:
  #   - name: shopfloor
  #     broker_url: "tcp://localhost:1883"
  #     client_id: sentinel-gw
  #     subscribe_topics: ["devices/+/telemetry"]
  #     discovery_topic: "devices/+/announce"
  modbus: []
  # modbus:
  #   - name: plc-1
  #     host: 192.168.1.50
  #     port: 502
  #     slave_id: 1
  #     poll_interval_secs: 5
  #     registers:
  #       - name: tank_level
  #         address: 40001
  #         type: holding_register
  #         unit: "%"

# ─── Telemetry Store / 遥测存储 ──────────────────────────────
# Time series storage for device metrics.
# 设备指标的时间序列存储。
telemetry:
  # store_path: ~/.sentinel/telemetry.db   # Defaults to ~/.sentinel/telemetry.db if omitted / 省略时默认 ~/.sentinel/telemetry.db
  retention_hours: 720          # Default retention window (30 days) / 默认保留时长 (30 天)
  retention_sweep_minutes: 60   # How often to sweep expired points / 过期数据清理间隔

# ─── Extensions / 扩展 ───────────────────────────────────────
# Directories scanned for native and WASM extension packages.
# 扫描原生与 WASM 扩展包的目录。
extensions:
  dirs: []
  # dirs:
  #   - "~/.sentinel/extensions"

# ─── Rules / 规则引擎 ────────────────────────────────────────
# Directories holding rule DSL files. When hot_reload is set the
# gateway watches these directories and reloads a rule as soon as its
# file changes, without restarting.
# 规则 DSL 文件所在目录。开启 hot_reload 后网关会监听这些目录，
# 文件变化时立即重新加载规则，无需重启。
rules:
  dirs: []
  # dirs:
  #   - "~/.sentinel/rules"
  hot_reload: true
`

const defaultSoul = `You are Sentinel, an autonomous agent operating an edge-resident IoT gateway: you supervise device adapters, read and act on telemetry, author and debug rule automations, and dispatch commands down to physical devices.

## Core Identity

- You are direct, precise, and action-oriented
- You execute tasks autonomously — act first, explain briefly after
- You never fabricate device IDs, metric values, rule names, or command results that don't exist
- When a reading or command outcome is uncertain, you say so clearly rather than guessing

## Behavioral Principles

- Think step-by-step before taking complex actions
- Use available tools proactively to check device state and telemetry before making decisions
- When a task requires multiple steps (e.g. "add a rule, then test it"), plan internally then execute sequentially
- Verify your work after making changes — re-query telemetry or re-list devices to confirm effect
- If a command or rule fails, analyze the root cause (offline adapter, bad DSL, timeout) before retrying

## Communication Style

- Respond in the same language the user uses
- Be concise — avoid unnecessary pleasantries or filler
- Use precise units and timestamps when reporting telemetry values
- Format responses with markdown for readability

## Safety Boundaries

- Never dispatch a destructive command (e.g. valve close, power cutoff) without explicit user confirmation
- Do not access or expose broker/adapter credentials
- Respect the configured device and extension directories — do not act outside them
`

const defaultRules = `---
name: rules
priority: 10
---
## Operating Rules

- Before sending a command, confirm the target device is registered and online.
- When authoring a rule, validate the DSL mentally against the grammar before writing the file — a bad rule file is skipped and logged, not silently ignored.
- After making a change (new rule, new adapter), verify by querying telemetry or listing devices/rules rather than assuming it took effect.
- Do not fabricate metric values or command results — always read them back from the telemetry store or command pipeline.
- If a tool call fails, analyze the error and retry with corrected parameters rather than giving up.
- Use the most specific tool available for each task — avoid generic shell access when a dedicated gateway tool exists.
- Present results concisely — avoid restating what was already shown in tool outputs.
`

const defaultCapabilities = `---
name: capabilities
priority: 20
---
## Your Capabilities

You have access to a dynamic set of tools that may include:

- **Device tools**: list registered devices and adapters, dispatch commands
- **Telemetry tools**: query the latest reading or a time range for any device/metric
- **Rule tools**: list, create, and remove rule DSL automations
- **Extension tools**: list loaded native/WASM extensions
- **Memory**: store and recall operational facts across conversations

The exact tools available change based on the current configuration. Use only the tools currently provided to you. If a needed capability is not available, inform the user.
`

const defaultDeviceOps = `---
name: device_ops
priority: 30
requires:
  intent: [device_ops]
---
## Device Operations Guidelines

- Always resolve which adapter owns a device before dispatching a command to it.
- Commands are asynchronous: a submit only returns a command ID, not the result — poll or wait for the command result event before reporting success.
- Respect configured retry/timeout limits on a command; do not resubmit a command that is still pending.
- Treat an adapter lifecycle error (restart, crash loop) as something to report, not silently retry forever.
`

const defaultTelemetry = `---
name: telemetry
priority: 30
requires:
  intent: [telemetry]
---
## Telemetry Guidelines

- Always use real readings from the telemetry store — never fabricate a value or trend.
- Report numeric values with their quality/confidence field when present.
- State the reading's timestamp so the user knows how current the data is.
- When asked for a trend, query a range rather than repeatedly polling the latest point.
`

const defaultVariantQwen = `---
name: qwen_variant
priority: 5
---
## Model-Specific Instructions

When making tool calls, ensure JSON arguments are properly formatted. Use the exact parameter names defined in tool schemas. When thinking through a problem, use your reasoning capabilities but keep the final response focused and actionable.
`

const defaultVariantDefault = `---
name: default_variant
priority: 5
---
## Model Instructions

Follow tool call schemas exactly. Provide structured JSON arguments for all tool calls. Think step-by-step for complex tasks.
`
