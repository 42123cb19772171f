package extension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

type stubExtension struct {
	meta       Metadata
	cmdErr     error
	metrics    []MetricValue
	metricsErr error
	healthy    bool
	calls      int
}

func (s *stubExtension) Metadata() Metadata { return s.meta }
func (s *stubExtension) ExecuteCommand(ctx context.Context, cmd string, args map[string]any) (map[string]any, error) {
	s.calls++
	if s.cmdErr != nil {
		return nil, s.cmdErr
	}
	return map[string]any{"cmd": cmd}, nil
}
func (s *stubExtension) ProduceMetrics(ctx context.Context) ([]MetricValue, error) {
	return s.metrics, s.metricsErr
}
func (s *stubExtension) HealthCheck(ctx context.Context) bool { return s.healthy }
func (s *stubExtension) Close() error                          { return nil }

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	ext := &stubExtension{meta: Metadata{ID: "ext-1"}}
	if err := r.Register("ext-1", ext, ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("ext-1", ext, ""); err == nil {
		t.Fatal("expected conflict error on duplicate register")
	}
}

func TestUnregisterMissingExtensionFails(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	if err := r.Unregister("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestExecuteCommandReturnsResult(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	ext := &stubExtension{meta: Metadata{ID: "ext-1"}}
	_ = r.Register("ext-1", ext, "")

	result, err := r.ExecuteCommand(context.Background(), "ext-1", "ping", nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result["cmd"] != "ping" {
		t.Errorf("got %+v", result)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	r.breakerThreshold = 2
	ext := &stubExtension{meta: Metadata{ID: "ext-1"}, cmdErr: errors.New("boom")}
	_ = r.Register("ext-1", ext, "")

	for i := 0; i < 2; i++ {
		if _, err := r.ExecuteCommand(context.Background(), "ext-1", "ping", nil); err == nil {
			t.Fatal("expected failing command to return error")
		}
	}

	if _, err := r.ExecuteCommand(context.Background(), "ext-1", "ping", nil); err == nil {
		t.Fatal("expected breaker to be open after threshold failures")
	}
	if ext.calls != 2 {
		t.Errorf("expected breaker to short-circuit the third call, underlying calls=%d", ext.calls)
	}
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	b := NewCircuitBreaker(1, time.Millisecond)
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected breaker open immediately after threshold failure")
	}
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected breaker to close after cooldown elapses")
	}
	b.RecordSuccess()
	if b.failuresInWindow != 0 {
		t.Errorf("expected failure count reset, got %d", b.failuresInWindow)
	}
}

func TestProduceMetricsPublishesExtensionOutputEvents(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	received := make(chan string, 1)
	bus.Subscribe("extension_output", func(ctx context.Context, event eventbus.Event) {
		payload, _ := event.Payload().(map[string]any)
		name, _ := payload["output_name"].(string)
		received <- name
	})

	r := NewRegistry(bus, zap.NewNop())
	ext := &stubExtension{meta: Metadata{ID: "ext-1"}, metrics: []MetricValue{{Name: "temp", Value: 21.0}}}
	_ = r.Register("ext-1", ext, "")

	metrics, err := r.ProduceMetrics(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("ProduceMetrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Name != "temp" {
		t.Fatalf("got %+v", metrics)
	}
	select {
	case name := <-received:
		if name != "ext-1:temp" {
			t.Errorf("expected output_name 'ext-1:temp', got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for extension_output event")
	}
}

func TestListReturnsAllRegisteredMetadata(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	_ = r.Register("a", &stubExtension{meta: Metadata{ID: "a"}}, "")
	_ = r.Register("b", &stubExtension{meta: Metadata{ID: "b"}}, "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(list))
	}
}
