package tool

import (
	"context"
	"encoding/json"
	"fmt"

	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"

	"github.com/edgeplane/sentinel/internal/domain/rule"
)

// ListRulesTool reports every rule currently loaded into the engine.
type ListRulesTool struct {
	engine *rule.Engine
	logger *zap.Logger
}

func NewListRulesTool(engine *rule.Engine, logger *zap.Logger) *ListRulesTool {
	return &ListRulesTool{engine: engine, logger: logger}
}

func (t *ListRulesTool) Name() string { return "list_rules" }

func (t *ListRulesTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListRulesTool) Description() string {
	return `List every rule currently loaded into the rule engine, with its condition and actions.`
}

func (t *ListRulesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListRulesTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.engine == nil {
		return &Result{Success: false, Error: "rule engine not configured"}, nil
	}
	data, err := json.Marshal(t.engine.Rules())
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	return &Result{Success: true, Output: string(data)}, nil
}

// CreateRuleTool parses a rule DSL block and loads it into the engine.
// It does not persist the rule to disk — a rule created this way lives
// only as long as the process, unless the operator also writes it to a
// watched rules directory.
type CreateRuleTool struct {
	engine *rule.Engine
	logger *zap.Logger
}

func NewCreateRuleTool(engine *rule.Engine, logger *zap.Logger) *CreateRuleTool {
	return &CreateRuleTool{engine: engine, logger: logger}
}

func (t *CreateRuleTool) Name() string { return "create_rule" }

func (t *CreateRuleTool) Kind() domaintool.Kind { return domaintool.KindEdit }

func (t *CreateRuleTool) Description() string {
	return `Parse a rule DSL block (RULE ... WHEN ... FOR ... DO ...) and load it into the rule engine. Loading a rule with the same name as an existing one replaces it. This does not persist across a restart unless also written to a watched rules directory.`
}

func (t *CreateRuleTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dsl": map[string]interface{}{
				"type":        "string",
				"description": "The full rule DSL block",
			},
		},
		"required": []string{"dsl"},
	}
}

func (t *CreateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.engine == nil {
		return &Result{Success: false, Error: "rule engine not configured"}, nil
	}
	dsl, _ := args["dsl"].(string)
	if dsl == "" {
		return &Result{Success: false, Error: "dsl is required"}, fmt.Errorf("dsl is required")
	}
	r, err := rule.Parse(dsl)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}
	t.engine.LoadRule(r)
	return &Result{Success: true, Output: fmt.Sprintf("loaded rule %q", r.Name)}, nil
}

// DeleteRuleTool removes a rule from the engine by name.
type DeleteRuleTool struct {
	engine *rule.Engine
	logger *zap.Logger
}

func NewDeleteRuleTool(engine *rule.Engine, logger *zap.Logger) *DeleteRuleTool {
	return &DeleteRuleTool{engine: engine, logger: logger}
}

func (t *DeleteRuleTool) Name() string { return "delete_rule" }

func (t *DeleteRuleTool) Kind() domaintool.Kind { return domaintool.KindDelete }

func (t *DeleteRuleTool) Description() string {
	return `Remove a rule from the engine by name. Does not affect a copy of the same rule on disk in a watched rules directory.`
}

func (t *DeleteRuleTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the rule to remove",
			},
		},
		"required": []string{"name"},
	}
}

func (t *DeleteRuleTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if t.engine == nil {
		return &Result{Success: false, Error: "rule engine not configured"}, nil
	}
	name, _ := args["name"].(string)
	if name == "" {
		return &Result{Success: false, Error: "name is required"}, fmt.Errorf("name is required")
	}
	t.engine.RemoveRule(name)
	return &Result{Success: true, Output: fmt.Sprintf("removed rule %q", name)}, nil
}
