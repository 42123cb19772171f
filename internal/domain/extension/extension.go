// Package extension implements the extension host: a registry over
// Native, WASM, and Process-isolated extension loaders, gated by a
// per-extension circuit breaker, publishing produced metrics onto the
// event bus.
package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"github.com/edgeplane/sentinel/pkg/errors"
	"go.uber.org/zap"
)

// Metadata describes a loaded extension.
type Metadata struct {
	ID         string
	Name       string
	Version    string
	ABIVersion string
	FilePath   string
}

// MetricValue is one metric produced by an extension.
type MetricValue struct {
	Name  string
	Value float64
}

// Extension is the host-side view of a loaded extension, regardless of
// which loader produced it.
type Extension interface {
	Metadata() Metadata
	ExecuteCommand(ctx context.Context, cmd string, args map[string]any) (map[string]any, error)
	ProduceMetrics(ctx context.Context) ([]MetricValue, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

const commandTimeout = 30 * time.Second

// CircuitBreaker tracks per-extension failures and opens after a
// threshold is reached, rejecting further calls for a cooldown window.
//
// Grounded on spec.md §4.8's {failures_in_window, open_until} state.
type CircuitBreaker struct {
	mu               sync.Mutex
	failuresInWindow int
	openUntil        time.Time
	threshold        int
	cooldown         time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil.IsZero() || time.Now().After(b.openUntil)
}

// RecordFailure increments the failure count, opening the breaker once
// the threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failuresInWindow++
	if b.failuresInWindow >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// RecordSuccess clears the failure count, closing the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failuresInWindow = 0
	b.openUntil = time.Time{}
}

type registryEntry struct {
	ext      Extension
	breaker  *CircuitBreaker
	filePath string
}

// Registry is the extension host's control surface: register/unregister,
// gated command execution, metric production, health checks, and
// filesystem discovery.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	bus     eventbus.Bus
	logger  *zap.Logger

	breakerThreshold int
	breakerCooldown  time.Duration
}

func NewRegistry(bus eventbus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		entries:          make(map[string]*registryEntry),
		bus:              bus,
		logger:           logger,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
}

// Register adds ext under id. Re-registering an existing id fails.
func (r *Registry) Register(id string, ext Extension, filePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return errors.NewConflictError(fmt.Sprintf("extension %q already registered", id))
	}
	r.entries[id] = &registryEntry{
		ext:      ext,
		breaker:  NewCircuitBreaker(r.breakerThreshold, r.breakerCooldown),
		filePath: filePath,
	}
	r.logger.Info("extension registered", zap.String("id", id))
	return nil
}

// Unregister closes and removes an extension.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("extension %q not registered", id))
	}
	return entry.ext.Close()
}

func (r *Registry) get(id string) (*registryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("extension %q not registered", id))
	}
	return entry, nil
}

// ExecuteCommand runs cmd on extension id, gated by its circuit breaker
// and a fixed 30s timeout.
func (r *Registry) ExecuteCommand(ctx context.Context, id, cmd string, args map[string]any) (map[string]any, error) {
	entry, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !entry.breaker.Allow() {
		return nil, errors.NewSecurityError("temporarily disabled")
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	result, err := entry.ext.ExecuteCommand(cctx, cmd, args)
	if err != nil {
		entry.breaker.RecordFailure()
		return nil, err
	}
	entry.breaker.RecordSuccess()
	return result, nil
}

// ProduceMetrics collects metrics from extension id and publishes each
// as an ExtensionOutput bus event named "<id>:<metric>".
func (r *Registry) ProduceMetrics(ctx context.Context, id string) ([]MetricValue, error) {
	entry, err := r.get(id)
	if err != nil {
		return nil, err
	}
	metrics, err := entry.ext.ProduceMetrics(ctx)
	if err != nil {
		entry.breaker.RecordFailure()
		return nil, err
	}
	entry.breaker.RecordSuccess()

	for _, m := range metrics {
		r.bus.PublishWithSource(ctx, eventbus.NewEvent(eventbus.EventTypeExtensionOutput, map[string]any{
			"output_name": id + ":" + m.Name,
			"value":       m.Value,
		}), id)
	}
	return metrics, nil
}

// HealthCheck reports whether extension id currently answers.
func (r *Registry) HealthCheck(id string) bool {
	entry, err := r.get(id)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return entry.ext.HealthCheck(ctx)
}

// List returns every registered extension's metadata.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.ext.Metadata())
	}
	return out
}
