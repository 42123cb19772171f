package rule

import (
	"sync"
	"time"
)

// Fired is a rule transitioning to its triggered state: its condition
// held continuously for ForDuration (or fired immediately if unset).
type Fired struct {
	Rule    *Rule
	At      time.Time
	DeviceID string
	Metric   string
	Value    float64
}

type holdState struct {
	trueSince *time.Time
	fired     bool
}

type compiledRule struct {
	rule  *Rule
	state map[string]*holdState // keyed by device id, so one rule tracks each matching device independently
}

// Engine evaluates incoming metrics against a loaded set of rules,
// maintaining the hold-duration state machine the FOR clause requires:
// a condition must stay true continuously for ForDuration before the
// rule fires, and won't re-fire until it has gone false and become true
// again.
type Engine struct {
	mu    sync.Mutex
	rules map[string]*compiledRule
}

func NewEngine() *Engine {
	return &Engine{rules: make(map[string]*compiledRule)}
}

// LoadRule adds or replaces a rule, resetting its hold state.
func (e *Engine) LoadRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Name] = &compiledRule{rule: r, state: make(map[string]*holdState)}
}

// RemoveRule drops a rule by name.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, name)
}

// Rules returns the currently loaded rules, for inspection.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Evaluate feeds one metric reading through every loaded rule whose
// condition targets (deviceID, metric), returning the rules that
// transition to fired at now.
func (e *Engine) Evaluate(deviceID, metric string, value float64, now time.Time) []Fired {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []Fired
	for _, cr := range e.rules {
		cond := cr.rule.Condition
		if cond.Metric != metric {
			continue
		}
		if cond.DeviceID != "" && cond.DeviceID != deviceID {
			continue
		}

		st, ok := cr.state[deviceID]
		if !ok {
			st = &holdState{}
			cr.state[deviceID] = st
		}

		truthy := cond.Operator.Evaluate(value, cond.Threshold)
		if !truthy {
			st.trueSince = nil
			st.fired = false
			continue
		}

		if st.trueSince == nil {
			t := now
			st.trueSince = &t
		}

		if st.fired {
			continue
		}

		if now.Sub(*st.trueSince) >= cr.rule.ForDuration {
			st.fired = true
			fired = append(fired, Fired{
				Rule:     cr.rule,
				At:       now,
				DeviceID: deviceID,
				Metric:   metric,
				Value:    value,
			})
		}
	}
	return fired
}
