package rule

import (
	"testing"
	"time"
)

func TestEngineFiresImmediatelyWithoutForClause(t *testing.T) {
	r, err := Parse(`
RULE "High Temp"
WHEN sensor.temperature > 50
DO
    NOTIFY "High"
END
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	e := NewEngine()
	e.LoadRule(r)

	now := time.Now()
	fired := e.Evaluate("sensor", "temperature", 55.0, now)
	if len(fired) != 1 {
		t.Fatalf("expected immediate fire, got %d", len(fired))
	}
}

func TestEngineRequiresHoldDuration(t *testing.T) {
	r, err := Parse(`
RULE "Sustained"
WHEN sensor.temperature > 50
FOR 5 minutes
DO
    NOTIFY "High"
END
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	e := NewEngine()
	e.LoadRule(r)

	base := time.Now()
	if fired := e.Evaluate("sensor", "temperature", 55.0, base); len(fired) != 0 {
		t.Fatalf("should not fire before hold duration elapses, got %d", len(fired))
	}
	if fired := e.Evaluate("sensor", "temperature", 55.0, base.Add(2*time.Minute)); len(fired) != 0 {
		t.Fatalf("should not fire at 2 minutes, got %d", len(fired))
	}
	fired := e.Evaluate("sensor", "temperature", 55.0, base.Add(6*time.Minute))
	if len(fired) != 1 {
		t.Fatalf("expected fire after hold duration, got %d", len(fired))
	}
}

func TestEngineResetsOnFalseCondition(t *testing.T) {
	r, _ := Parse(`
RULE "Sustained"
WHEN sensor.temperature > 50
FOR 5 minutes
DO
    NOTIFY "High"
END
`)
	e := NewEngine()
	e.LoadRule(r)

	base := time.Now()
	e.Evaluate("sensor", "temperature", 55.0, base)
	e.Evaluate("sensor", "temperature", 40.0, base.Add(3*time.Minute)) // condition false, resets hold
	fired := e.Evaluate("sensor", "temperature", 55.0, base.Add(6*time.Minute))
	if len(fired) != 0 {
		t.Fatalf("expected no fire, hold restarted at 6min and needs until 11min, got %d", len(fired))
	}
	fired = e.Evaluate("sensor", "temperature", 55.0, base.Add(11*time.Minute))
	if len(fired) != 1 {
		t.Fatalf("expected fire at 11 minutes, got %d", len(fired))
	}
}

func TestEngineDoesNotRefireUntilConditionClears(t *testing.T) {
	r, _ := Parse(`
RULE "High"
WHEN sensor.temperature > 50
DO
    NOTIFY "High"
END
`)
	e := NewEngine()
	e.LoadRule(r)

	now := time.Now()
	first := e.Evaluate("sensor", "temperature", 55.0, now)
	second := e.Evaluate("sensor", "temperature", 60.0, now.Add(time.Second))
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("expected single fire, got first=%d second=%d", len(first), len(second))
	}

	e.Evaluate("sensor", "temperature", 10.0, now.Add(2*time.Second))
	third := e.Evaluate("sensor", "temperature", 55.0, now.Add(3*time.Second))
	if len(third) != 1 {
		t.Fatalf("expected re-fire after condition cleared, got %d", len(third))
	}
}

func TestEngineIgnoresUnrelatedMetrics(t *testing.T) {
	r, _ := Parse(`
RULE "High"
WHEN sensor.temperature > 50
DO
    NOTIFY "High"
END
`)
	e := NewEngine()
	e.LoadRule(r)
	fired := e.Evaluate("sensor", "humidity", 90.0, time.Now())
	if len(fired) != 0 {
		t.Fatalf("expected no fire for unrelated metric, got %d", len(fired))
	}
}
