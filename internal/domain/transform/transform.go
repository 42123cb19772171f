// Package transform implements the per-device rolling state and derived
// metric republishing described for the rule engine's sibling transform
// stage: every incoming metric updates a device's JSON state, and enabled
// transforms re-evaluate against that state to emit virtual metrics.
package transform

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the rolling per-device snapshot a transform expression reads.
// Values mirrors every metric last seen for the device; Timestamp is the
// time of the most recent update.
type State struct {
	DeviceID  string
	Timestamp int64
	Values    map[string]float64
}

func newState(deviceID string) *State {
	return &State{DeviceID: deviceID, Values: make(map[string]float64)}
}

// Expr evaluates a transform expression against a device's rolling state,
// returning the derived numeric value. A transform with no meaningful
// output for the current state returns (0, false) rather than erroring,
// matching the "transforms producing no output are silent" rule.
type Expr func(state *State) (float64, bool)

// Transform is one enabled derived-metric definition.
type Transform struct {
	Name         string
	DeviceType   string // empty matches all device types
	OutputMetric string
	Enabled      bool
	Eval         Expr
}

// Output is a derived metric produced by a transform evaluation.
type Output struct {
	DeviceID string
	Metric   string
	Value    float64
}

// Engine holds per-device rolling state and the set of enabled
// transforms, republishing derived metrics on every input event.
//
// Grounded on spec.md §4.5: update state, then for each enabled transform
// whose device type matches, evaluate and republish; silent on no output,
// debug-logged on evaluation error.
type Engine struct {
	mu         sync.Mutex
	states     map[string]*State
	transforms []*Transform
	deviceType map[string]string // device_id -> device_type, set by RegisterDeviceType
	logger     *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		states:     make(map[string]*State),
		deviceType: make(map[string]string),
		logger:     logger,
	}
}

// RegisterTransform adds t to the evaluation set.
func (e *Engine) RegisterTransform(t *Transform) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transforms = append(e.transforms, t)
}

// RegisterDeviceType records deviceID's type, used to match
// device-type-scoped transforms.
func (e *Engine) RegisterDeviceType(deviceID, deviceType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceType[deviceID] = deviceType
}

// Ingest updates deviceID's rolling state with one metric reading, then
// evaluates every enabled, type-matching transform against it.
func (e *Engine) Ingest(deviceID, metric string, value float64, ts int64) []Output {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[deviceID]
	if !ok {
		st = newState(deviceID)
		e.states[deviceID] = st
	}
	st.Values[metric] = value
	if ts == 0 {
		ts = time.Now().Unix()
	}
	st.Timestamp = ts

	deviceType := e.deviceType[deviceID]
	var outputs []Output
	for _, t := range e.transforms {
		if !t.Enabled {
			continue
		}
		if t.DeviceType != "" && t.DeviceType != deviceType {
			continue
		}
		value, produced := e.safeEval(t, st)
		if !produced {
			continue
		}
		outputs = append(outputs, Output{DeviceID: deviceID, Metric: t.OutputMetric, Value: value})
	}
	return outputs
}

func (e *Engine) safeEval(t *Transform, st *State) (value float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("transform evaluation panicked",
				zap.String("transform", t.Name), zap.Any("panic", r))
			ok = false
		}
	}()
	return t.Eval(st)
}
