package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edgeplane/sentinel/internal/application/usecase"
	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
	"github.com/edgeplane/sentinel/internal/domain/entity"
	"github.com/edgeplane/sentinel/internal/domain/extension"
	"github.com/edgeplane/sentinel/internal/domain/repository"
	"github.com/edgeplane/sentinel/internal/domain/rule"
	"github.com/edgeplane/sentinel/internal/domain/service"
	"github.com/edgeplane/sentinel/internal/domain/telemetry"
	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"github.com/edgeplane/sentinel/internal/domain/transform"
	"github.com/edgeplane/sentinel/internal/domain/valueobject"
	"github.com/edgeplane/sentinel/internal/infrastructure/config"
	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"github.com/edgeplane/sentinel/internal/infrastructure/llm"
	_ "github.com/edgeplane/sentinel/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/edgeplane/sentinel/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/edgeplane/sentinel/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/edgeplane/sentinel/internal/infrastructure/monitoring"
	"github.com/edgeplane/sentinel/internal/infrastructure/persistence"
	"github.com/edgeplane/sentinel/internal/infrastructure/prompt"
	"github.com/edgeplane/sentinel/internal/infrastructure/sandbox"
	toolpkg "github.com/edgeplane/sentinel/internal/infrastructure/tool"
	"github.com/edgeplane/sentinel/internal/interfaces/agentgrpc"
	httpServer "github.com/edgeplane/sentinel/internal/interfaces/http"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	agentRepo   repository.AgentRepository
	messageRepo repository.MessageRepository

	// 领域服务
	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	// 应用服务
	processMessageUseCase *usecase.ProcessMessageUseCase

	// 基础设施
	toolRegistry    domaintool.Registry
	toolExecutor    *toolpkg.Executor
	llmRouter       *llm.Router
	agentLoop       *service.AgentLoop
	securityHook    *service.SecurityHook
	grpcAgentSrv    *agentgrpc.Server
	httpServer      *httpServer.Server
	heartbeatService *service.HeartbeatService
	monitor          *monitoring.Monitor
	tracer           *monitoring.Tracer

	// 网关领域 (事件总线、设备适配器、遥测、规则引擎、命令管道、扩展宿主)
	eventBus          eventbus.Bus
	deviceManager     *device.Manager
	telemetryStore    *telemetry.Store
	ruleEngine        *rule.Engine
	transformEngine   *transform.Engine
	commandPipeline   *command.Pipeline
	extensionRegistry *extension.Registry
	ruleFiles         map[string]string // rule file path -> rule name, for watcher-driven removal
	ruleWatcher       *fsnotify.Watcher

	// Prompt 引擎
	promptEngine   *prompt.PromptEngine
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.sentinel/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initGatewayDomain(); err != nil {
		return nil, fmt.Errorf("failed to init gateway domain: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	// 初始化默认数据
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Only initializes: DB (silent), gateway domain, Tools, LLM Router, AgentLoop, PromptEngine.
// Skips: HTTP server, gRPC, seed data.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initGatewayDomain(); err != nil {
		return nil, fmt.Errorf("failed to init gateway domain: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No initInterfaces (HTTP/TG/gRPC) — CLI doesn't need servers
	// No seedData — avoid noisy DB writes on every CLI launch
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	// 初始化 GORM 仓储
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 代理选择器
	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)

	// 消息路由器
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool Registry + Executor
	app.toolRegistry = domaintool.NewInMemoryRegistry()

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// Executor (只负责执行，不再负责注册)
	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, app.logger,
	)

	// LLM Router (modular provider factory with failover)
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// ── Unified Tool Registration (single entry point) ──
	// Gateway domain components are wired in initGatewayDomain, which runs
	// before this step, so the device/telemetry/rule/extension tool groups
	// are live from the first registration.
	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:          app.toolRegistry,
		Sandbox:           sbx,
		DeviceManager:     app.deviceManager,
		CommandPipeline:   app.commandPipeline,
		TelemetryStore:    app.telemetryStore,
		RuleEngine:        app.ruleEngine,
		ExtensionRegistry: app.extensionRegistry,
		Logger:            app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase (legacy HTTP/REPL path — uses llmRouter directly)
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.messageRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry}


	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.LoopDetectThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Compaction config from config.yaml
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}


	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Create SecurityHook and attach to agent loop
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil, // approvalFunc is set in initInterfaces
		app.logger,
	)

	// Metrics — every LLM call, tool call, and error the loop produces
	// also increments the process-wide Monitor, exposed at /metrics.
	app.monitor = monitoring.NewMonitor(app.logger)
	metricsHook := monitoring.NewMetricsHook(app.monitor)
	app.agentLoop.SetHooks(service.NewHookChain(app.securityHook, metricsHook))
	app.tracer = monitoring.NewTracer("gateway", app.logger)

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts (201 entries in memory.json)
		// that polluted the system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	// Heartbeat — periodically feeds standing instructions from a
	// maintenance file (HEARTBEAT.md) through the same agent path a
	// regular user message takes, so the operator can park recurring
	// checks (device health, rule hygiene) without an external cron.
	hbCfg := app.config.Heartbeat
	app.heartbeatService = service.NewHeartbeatService(service.HeartbeatConfig{
		FilePath: hbCfg.FilePath,
		Interval: time.Duration(hbCfg.Interval) * time.Minute,
		ChatID:   hbCfg.ChatID,
		Enabled:  hbCfg.Enabled,
	}, app.logger)
	app.heartbeatService.SetExecutor(app.executeHeartbeatCommand)

	return nil
}

// executeHeartbeatCommand runs a single HEARTBEAT.md line through the
// legacy message-processing use case, using the heartbeat's configured
// chat ID as the conversation ID.
func (app *App) executeHeartbeatCommand(ctx context.Context, chatID int64, command string) (string, error) {
	conversationID := fmt.Sprintf("heartbeat:%d", chatID)
	sender := valueobject.NewUser("heartbeat", "heartbeat", "system")
	content := valueobject.NewMessageContent(command, valueobject.ContentTypeText)
	msg, err := entity.NewMessage(fmt.Sprintf("hb-%d", time.Now().UnixNano()), conversationID, content, sender)
	if err != nil {
		return "", err
	}
	reply, err := app.processMessageUseCase.Execute(ctx, msg)
	if err != nil {
		return "", err
	}
	return reply.Content().Text(), nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	// HTTP服务器
	loopToolsBridge := &toolBridge{registry: app.toolRegistry}
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.processMessageUseCase,
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		httpServer.GatewayDeps{
			TelemetryStore:  app.telemetryStore,
			RuleEngine:      app.ruleEngine,
			CommandPipeline: app.commandPipeline,
			DeviceManager:   app.deviceManager,
			Extensions:      app.extensionRegistry,
			MetricsHandler:  app.monitor.PrometheusHandler(),
		},
		app.logger,
	)

	// SecurityHook approval auto-approves when no interactive front-end
	// (HTTP/gRPC) has wired a context-bound approval channel.
	if app.securityHook != nil {
		app.securityHook.SetApprovalFunc(func(ctx context.Context, toolName string, args map[string]interface{}) (bool, error) {
			return true, nil
		})
	}

	// gRPC Agent Server (for VS Code Extension / SDK)
	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	loopTools := &toolBridge{registry: app.toolRegistry}
	app.grpcAgentSrv = agentgrpc.NewServer(app.agentLoop, loopTools, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	return nil

}



// seedData 初始化默认数据
func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	// 创建默认代理
	defaultAgent, err := entity.NewAgent(
		"default",
		"默认助手",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	// 保存默认代理
	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	// 启动网关领域 (设备适配器 + 命令调度/遥测保留后台循环)
	app.startGatewayDomain(ctx)

	// 启动心跳服务 (HEARTBEAT.md 驱动的周期性维护任务)
	if err := app.heartbeatService.Start(); err != nil {
		app.logger.Warn("Heartbeat service failed to start", zap.Error(err))
	}

	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 启动 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	// 停止心跳服务
	if app.heartbeatService != nil {
		app.heartbeatService.Stop()
	}

	// 停止 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	// 停止HTTP服务器
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	// 停止网关领域
	app.stopGatewayDomain(ctx)


	// 关闭数据库连接
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the message processing usecase (used by REPL)
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// TelemetryStore returns the time series store (used by the gateway HTTP API)
func (app *App) TelemetryStore() *telemetry.Store {
	return app.telemetryStore
}

// RuleEngine returns the rule/transform engine (used by the gateway HTTP API)
func (app *App) RuleEngine() *rule.Engine {
	return app.ruleEngine
}

// CommandPipeline returns the command dispatch pipeline (used by the gateway HTTP API)
func (app *App) CommandPipeline() *command.Pipeline {
	return app.commandPipeline
}

// ExtensionRegistry returns the extension host (used by the gateway HTTP API)
func (app *App) ExtensionRegistry() *extension.Registry {
	return app.extensionRegistry
}

// DeviceManager returns the device adapter manager (used by the gateway HTTP API)
func (app *App) DeviceManager() *device.Manager {
	return app.deviceManager
}
