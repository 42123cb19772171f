package tool

import (
	"context"
	"encoding/json"
	"fmt"

	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/telemetry"
)

// QueryTelemetryTool reads either the latest point or a time range for
// one device/metric pair from the telemetry store.
type QueryTelemetryTool struct {
	store  *telemetry.Store
	logger *zap.Logger
}

func NewQueryTelemetryTool(store *telemetry.Store, logger *zap.Logger) *QueryTelemetryTool {
	return &QueryTelemetryTool{store: store, logger: logger}
}

func (t *QueryTelemetryTool) Name() string { return "query_telemetry" }

func (t *QueryTelemetryTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *QueryTelemetryTool) Description() string {
	return `Query the telemetry store for a device/metric pair. Omit start/end to get only the latest reading; provide both (unix seconds) to get every point in that range.`
}

func (t *QueryTelemetryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"device_id": map[string]interface{}{
				"type":        "string",
				"description": "Device ID",
			},
			"metric": map[string]interface{}{
				"type":        "string",
				"description": "Metric name",
			},
			"start": map[string]interface{}{
				"type":        "integer",
				"description": "Range start, unix seconds (omit for latest-only)",
			},
			"end": map[string]interface{}{
				"type":        "integer",
				"description": "Range end, unix seconds (omit for latest-only)",
			},
		},
		"required": []string{"device_id", "metric"},
	}
}

func (t *QueryTelemetryTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.store == nil {
		return &Result{Success: false, Error: "telemetry store not configured"}, nil
	}
	deviceID, _ := args["device_id"].(string)
	metric, _ := args["metric"].(string)
	if deviceID == "" || metric == "" {
		return &Result{Success: false, Error: "device_id and metric are required"}, fmt.Errorf("device_id and metric are required")
	}

	startF, hasStart := args["start"].(float64)
	endF, hasEnd := args["end"].(float64)
	if !hasStart || !hasEnd {
		point, err := t.store.QueryLatest(deviceID, metric)
		if err != nil {
			return &Result{Success: false, Error: err.Error()}, err
		}
		if point == nil {
			return &Result{Success: true, Output: "no data points for this device/metric"}, nil
		}
		data, err := json.Marshal(point)
		if err != nil {
			return &Result{Success: false, Error: err.Error()}, err
		}
		return &Result{Success: true, Output: string(data)}, nil
	}

	result, err := t.store.QueryRange(deviceID, metric, int64(startF), int64(endF))
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}

// ListMetricsTool lists every metric name a device has ever reported.
type ListMetricsTool struct {
	store  *telemetry.Store
	logger *zap.Logger
}

func NewListMetricsTool(store *telemetry.Store, logger *zap.Logger) *ListMetricsTool {
	return &ListMetricsTool{store: store, logger: logger}
}

func (t *ListMetricsTool) Name() string { return "list_metrics" }

func (t *ListMetricsTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListMetricsTool) Description() string {
	return `List every metric name a device has ever reported to the telemetry store.`
}

func (t *ListMetricsTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"device_id": map[string]interface{}{
				"type":        "string",
				"description": "Device ID",
			},
		},
		"required": []string{"device_id"},
	}
}

func (t *ListMetricsTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.store == nil {
		return &Result{Success: false, Error: "telemetry store not configured"}, nil
	}
	deviceID, _ := args["device_id"].(string)
	if deviceID == "" {
		return &Result{Success: false, Error: "device_id is required"}, fmt.Errorf("device_id is required")
	}
	metrics, err := t.store.ListMetrics(deviceID)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}
