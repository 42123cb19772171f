package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDispatcher struct {
	err      error
	calls    int
	lastArgs map[string]any
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, deviceID, name string, args map[string]any) error {
	f.calls++
	f.lastArgs = args
	return f.err
}

func TestSubmitEnqueuesAndDispatchSucceeds(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())

	id, cached, err := p.Submit("rule_engine", "device-1", "set_brightness", map[string]any{"level": 80}, 3, time.Minute)
	if cached || err != nil {
		t.Fatalf("expected fresh submit, got cached=%v err=%v", cached, err)
	}

	p.DispatchNext(context.Background())

	cmd, ok := p.Get(id)
	if !ok || cmd.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %+v ok=%v", cmd, ok)
	}
	if d.calls != 1 {
		t.Errorf("expected 1 dispatch call, got %d", d.calls)
	}
}

func TestNonCacheableCommandsAlwaysEnqueue(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())

	id1, cached1, _ := p.Submit("agent", "device-1", "send_command", map[string]any{"x": 1}, 0, time.Minute)
	p.DispatchNext(context.Background())
	id2, cached2, _ := p.Submit("agent", "device-1", "send_command", map[string]any{"x": 1}, 0, time.Minute)

	if cached1 || cached2 {
		t.Fatalf("send_command must never be served from cache")
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids for non-cacheable resubmission")
	}
}

func TestCacheableCommandServesFromCacheWithinTTL(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())

	p.Submit("agent", "device-1", "get_status", map[string]any{"verbose": true}, 0, time.Minute)
	p.DispatchNext(context.Background())

	_, cached, err := p.Submit("agent", "device-1", "get_status", map[string]any{"verbose": true}, 0, time.Minute)
	if !cached {
		t.Fatalf("expected second identical submit to hit cache")
	}
	if err != nil {
		t.Errorf("expected cached success, got %v", err)
	}
	if d.calls != 1 {
		t.Errorf("expected only one real dispatch, got %d", d.calls)
	}
}

func TestCacheKeyIgnoresArgOrder(t *testing.T) {
	k1 := cacheKey("get_status", map[string]any{"a": 1, "b": 2})
	k2 := cacheKey("get_status", map[string]any{"b": 2, "a": 1})
	if k1 != k2 {
		t.Errorf("expected identical cache keys regardless of arg order")
	}
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("connection timeout")}
	p := NewPipeline(d, zap.NewNop())

	id, _, _ := p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 3, time.Minute)
	p.DispatchNext(context.Background())

	cmd, _ := p.Get(id)
	if cmd.Status != StatusRetrying {
		t.Fatalf("expected retrying status, got %v", cmd.Status)
	}
	if cmd.NextRetry.Before(time.Now()) {
		t.Errorf("expected backoff to delay retry into the future")
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("invalid argument")}
	p := NewPipeline(d, zap.NewNop())

	id, _, _ := p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 3, time.Minute)
	p.DispatchNext(context.Background())

	cmd, _ := p.Get(id)
	if cmd.Status != StatusFailed {
		t.Fatalf("expected failed status for non-transient error, got %v", cmd.Status)
	}
}

func TestRetriesExhaustedEventuallyFails(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("network unavailable")}
	p := NewPipeline(d, zap.NewNop())

	id, _, _ := p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 1, time.Minute)

	p.DispatchNext(context.Background())
	cmd, _ := p.Get(id)
	cmd.NextRetry = time.Now().Add(-time.Millisecond)
	p.mu.Lock()
	p.commands[id].NextRetry = cmd.NextRetry
	p.mu.Unlock()

	p.DispatchNext(context.Background())
	final, _ := p.Get(id)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %v attempts=%d", final.Status, final.Attempts)
	}
}

func TestTimeoutExpiresQueuedCommand(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())

	id, _, _ := p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 0, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	p.DispatchNext(context.Background())

	cmd, _ := p.Get(id)
	if cmd.Status != StatusTimedOut {
		t.Fatalf("expected timed_out status, got %v", cmd.Status)
	}
}

func TestStatsReflectsSubmissions(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())
	p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 0, time.Minute)
	p.Submit("rule_engine", "device-2", "set_brightness", map[string]any{"level": 2}, 0, time.Minute)

	stats := p.Stats()
	if stats.TotalCount != 2 {
		t.Errorf("total: got %d", stats.TotalCount)
	}
	if stats.ByStatus[string(StatusQueued)] != 2 {
		t.Errorf("by_status: got %+v", stats.ByStatus)
	}
	if stats.BySource["agent"] != 1 || stats.BySource["rule_engine"] != 1 {
		t.Errorf("by_source: got %+v", stats.BySource)
	}
}

func TestEvictRemovesOldTerminalCommands(t *testing.T) {
	d := &fakeDispatcher{}
	p := NewPipeline(d, zap.NewNop())
	id, _, _ := p.Submit("agent", "device-1", "set_brightness", map[string]any{"level": 1}, 0, time.Minute)
	p.DispatchNext(context.Background())

	p.mu.Lock()
	p.commands[id].UpdatedAt = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	removed := p.Evict(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if _, ok := p.Get(id); ok {
		t.Errorf("expected command removed after eviction")
	}
}
