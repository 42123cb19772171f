package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
	"github.com/edgeplane/sentinel/internal/domain/extension"
	"github.com/edgeplane/sentinel/internal/domain/rule"
	"github.com/edgeplane/sentinel/internal/domain/telemetry"
)

// GatewayHandler exposes the edge gateway domain — telemetry queries,
// rule management, command submission, device adapter status, and
// extension host inspection — over HTTP.
type GatewayHandler struct {
	telemetryStore  *telemetry.Store
	ruleEngine      *rule.Engine
	commandPipeline *command.Pipeline
	deviceManager   *device.Manager
	extensions      *extension.Registry
	logger          *zap.Logger
}

func NewGatewayHandler(store *telemetry.Store, engine *rule.Engine, pipeline *command.Pipeline, manager *device.Manager, extensions *extension.Registry, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		telemetryStore:  store,
		ruleEngine:      engine,
		commandPipeline: pipeline,
		deviceManager:   manager,
		extensions:      extensions,
		logger:          logger.With(zap.String("handler", "gateway")),
	}
}

// QueryTelemetry handles GET /api/v1/telemetry/:device/:metric?start=&end=
func (h *GatewayHandler) QueryTelemetry(c *gin.Context) {
	deviceID := c.Param("device")
	metric := c.Param("metric")

	start, _ := strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	end, _ := strconv.ParseInt(c.DefaultQuery("end", "0"), 10, 64)
	if end == 0 {
		end = time.Now().Unix()
	}

	result, err := h.telemetryStore.QueryRange(deviceID, metric, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// QueryLatestTelemetry handles GET /api/v1/telemetry/:device/:metric/latest
func (h *GatewayHandler) QueryLatestTelemetry(c *gin.Context) {
	point, err := h.telemetryStore.QueryLatest(c.Param("device"), c.Param("metric"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if point == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data points"})
		return
	}
	c.JSON(http.StatusOK, point)
}

// ListRules handles GET /api/v1/rules
func (h *GatewayHandler) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.ruleEngine.Rules())
}

// CreateRule handles POST /api/v1/rules — body is the rule DSL text.
func (h *GatewayHandler) CreateRule(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := rule.Parse(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ruleEngine.LoadRule(r)
	c.JSON(http.StatusCreated, r)
}

// DeleteRule handles DELETE /api/v1/rules/:name
func (h *GatewayHandler) DeleteRule(c *gin.Context) {
	h.ruleEngine.RemoveRule(c.Param("name"))
	c.JSON(http.StatusNoContent, nil)
}

// SubmitCommandRequest is the JSON body for POST /api/v1/commands
type SubmitCommandRequest struct {
	DeviceID   string         `json:"device_id" binding:"required"`
	Name       string         `json:"name" binding:"required"`
	Args       map[string]any `json:"args"`
	MaxRetries int            `json:"max_retries"`
	TimeoutSec int            `json:"timeout_sec"`
}

// SubmitCommand handles POST /api/v1/commands
func (h *GatewayHandler) SubmitCommand(c *gin.Context) {
	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	id, dedup, err := h.commandPipeline.Submit("api", req.DeviceID, req.Name, req.Args, maxRetries, timeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "deduplicated": dedup})
}

// GetCommand handles GET /api/v1/commands/:id
func (h *GatewayHandler) GetCommand(c *gin.Context) {
	cmd, ok := h.commandPipeline.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// ListAdapters handles GET /api/v1/devices/adapters
func (h *GatewayHandler) ListAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, h.deviceManager.ListAdapters())
}

// ListDevices handles GET /api/v1/devices
func (h *GatewayHandler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, h.deviceManager.ListAllDevices())
}

// ListExtensions handles GET /api/v1/extensions
func (h *GatewayHandler) ListExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, h.extensions.List())
}
