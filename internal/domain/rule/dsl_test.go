package rule

import (
	"testing"
	"time"
)

func TestParseSimpleRule(t *testing.T) {
	dsl := `
RULE "High Temperature"
WHEN sensor.temperature > 50
DO
    NOTIFY "Temperature is high"
END
`
	r, err := Parse(dsl)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Name != "High Temperature" {
		t.Errorf("name: got %q", r.Name)
	}
	if r.Condition.DeviceID != "sensor" || r.Condition.Metric != "temperature" {
		t.Errorf("condition: got %+v", r.Condition)
	}
	if r.Condition.Operator != GreaterThan || r.Condition.Threshold != 50.0 {
		t.Errorf("condition: got %+v", r.Condition)
	}
	if len(r.Actions) != 1 || r.Actions[0].Kind != ActionNotify {
		t.Errorf("actions: got %+v", r.Actions)
	}
}

func TestParseRuleWithDuration(t *testing.T) {
	dsl := `
RULE "Test"
WHEN sensor.temperature > 50
FOR 5 minutes
DO
    NOTIFY "High"
END
`
	r, err := Parse(dsl)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.ForDuration != 5*time.Minute {
		t.Errorf("got %v", r.ForDuration)
	}
}

func TestParseExecuteAction(t *testing.T) {
	dsl := `
RULE "Test"
WHEN sensor.temperature > 50
DO
    EXECUTE device.fan(speed=100)
END
`
	r, err := Parse(dsl)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(r.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(r.Actions))
	}
	a := r.Actions[0]
	if a.Kind != ActionExecute || a.DeviceID != "device" || a.Command != "fan" {
		t.Fatalf("got %+v", a)
	}
	if speed, ok := a.Params["speed"].(int64); !ok || speed != 100 {
		t.Errorf("params: got %+v", a.Params)
	}
}

func TestParseMultipleActions(t *testing.T) {
	dsl := `
RULE "Complex"
WHEN sensor.temperature > 50
DO
    NOTIFY "High"
    EXECUTE device.fan(speed=100)
    LOG info, severity="low"
    UNKNOWN_DIRECTIVE foo
END
`
	r, err := Parse(dsl)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(r.Actions) != 3 {
		t.Fatalf("expected 3 actions (unknown directive silently skipped), got %d", len(r.Actions))
	}
}

func TestAllComparisonOperators(t *testing.T) {
	cases := map[string]Operator{
		">":  GreaterThan,
		"<":  LessThan,
		">=": GreaterEqual,
		"<=": LessEqual,
		"==": Equal,
		"!=": NotEqual,
	}
	for opStr, want := range cases {
		dsl := `
RULE "Test"
WHEN sensor.temp ` + opStr + ` 50
DO
    NOTIFY "Test"
END
`
		r, err := Parse(dsl)
		if err != nil {
			t.Fatalf("op %q: parse error: %v", opStr, err)
		}
		if r.Condition.Operator != want {
			t.Errorf("op %q: got %v want %v", opStr, r.Condition.Operator, want)
		}
	}
}

func TestParseMissingWhenClauseFails(t *testing.T) {
	_, err := Parse(`RULE "Test"
DO
    NOTIFY "x"
END`)
	if err == nil {
		t.Fatal("expected parse error for missing WHEN clause")
	}
}

func TestEqualityTolerance(t *testing.T) {
	if !Equal.Evaluate(10.0, 10.00005) {
		t.Error("expected values within tolerance to compare equal")
	}
	if Equal.Evaluate(10.0, 10.01) {
		t.Error("expected values outside tolerance to compare unequal")
	}
}
