package tool

import (
	"context"
	"encoding/json"

	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/extension"
)

// ListExtensionsTool reports every native/WASM extension the host has
// discovered and registered.
type ListExtensionsTool struct {
	registry *extension.Registry
	logger   *zap.Logger
}

func NewListExtensionsTool(registry *extension.Registry, logger *zap.Logger) *ListExtensionsTool {
	return &ListExtensionsTool{registry: registry, logger: logger}
}

func (t *ListExtensionsTool) Name() string { return "list_extensions" }

func (t *ListExtensionsTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListExtensionsTool) Description() string {
	return `List every extension (native or WASM) the extension host has discovered and registered, with its ABI version and source file.`
}

func (t *ListExtensionsTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListExtensionsTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.registry == nil {
		return &Result{Success: false, Error: "extension registry not configured"}, nil
	}
	data, err := json.Marshal(t.registry.List())
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}
