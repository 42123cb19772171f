package service

import (
	"context"
	"testing"
	"time"

	"github.com/edgeplane/sentinel/internal/domain/entity"
	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"
)

type scriptedLLM struct {
	chunks []StreamChunk
}

func (s *scriptedLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	return &LLMResponse{}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	defer close(deltaCh)
	for _, c := range s.chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case deltaCh <- c:
		}
	}
	return &LLMResponse{}, nil
}

type stubTools struct{}

func (stubTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "ok", Success: true}, nil
}
func (stubTools) GetDefinitions() []domaintool.Definition     { return nil }
func (stubTools) GetToolKind(name string) domaintool.Kind     { return domaintool.KindExecute }

func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining stream")
		}
	}
}

func TestGreetingFastPathSkipsLLM(t *testing.T) {
	loop := NewStreamingLoop(&scriptedLLM{}, stubTools{}, DefaultStreamingLoopConfig(), zap.NewNop())
	out := make(chan StreamEvent, 4)
	loop.Run(context.Background(), nil, "hello", out)

	events := drain(t, out)
	if len(events) != 2 || events[0].Kind != StreamEventContent || events[1].Kind != StreamEventEnd {
		t.Fatalf("expected canned greeting + end, got %+v", events)
	}
}

func TestPlainContentStreamsThroughToEnd(t *testing.T) {
	llm := &scriptedLLM{chunks: []StreamChunk{{DeltaText: "Hello "}, {DeltaText: "there."}}}
	loop := NewStreamingLoop(llm, stubTools{}, DefaultStreamingLoopConfig(), zap.NewNop())
	out := make(chan StreamEvent, 8)
	loop.Run(context.Background(), nil, "what is the status of my devices please", out)

	events := drain(t, out)
	if events[len(events)-1].Kind != StreamEventEnd {
		t.Fatalf("expected stream to end, got %+v", events)
	}
	var combined string
	for _, e := range events {
		if e.Kind == StreamEventContent {
			combined += e.Content
		}
	}
	if combined != "Hello there." {
		t.Errorf("got %q", combined)
	}
}

func TestToolCallFenceTriggersPhase2(t *testing.T) {
	llm := &scriptedLLM{chunks: []StreamChunk{
		{DeltaText: "Checking. "},
		{DeltaText: "<tool_calls>\nget_status(device=\"sensor-1\")\n</tool_calls>"},
	}}
	loop := NewStreamingLoop(llm, stubTools{}, DefaultStreamingLoopConfig(), zap.NewNop())
	out := make(chan StreamEvent, 16)
	loop.Run(context.Background(), nil, "what is the status of my devices please", out)

	events := drain(t, out)
	var sawStart, sawEnd bool
	for _, e := range events {
		if e.Kind == StreamEventToolCallStart && e.Tool == "get_status" {
			sawStart = true
		}
		if e.Kind == StreamEventToolCallEnd && e.Tool == "get_status" {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("expected tool call start/end events, got %+v", events)
	}
}

func TestRepetitionGuardTriggersOnSingleChunkOvercount(t *testing.T) {
	g := NewRepetitionGuard(map[string]int{"可能": 10})
	chunk := ""
	for i := 0; i < 11; i++ {
		chunk += "可能"
	}
	if err := g.Check(chunk); err == nil {
		t.Fatal("expected single-chunk repetition to trigger")
	}
}

func TestRepetitionGuardAllowsNormalText(t *testing.T) {
	g := NewRepetitionGuard(map[string]int{"可能": 10})
	if err := g.Check("this is a perfectly normal chunk of text"); err != nil {
		t.Fatalf("unexpected trigger: %v", err)
	}
}

func TestRepetitionGuardMultiChunkOverlap(t *testing.T) {
	g := NewRepetitionGuard(map[string]int{"x": 1000})
	same := "the quick brown fox jumps over the lazy dog"
	if err := g.Check(same); err != nil {
		t.Fatalf("first chunk should pass: %v", err)
	}
	if err := g.Check(same); err == nil {
		t.Fatal("expected overlap repetition to trigger on identical chunk")
	}
}

func TestTruncateThinkingCapsAtBoundary(t *testing.T) {
	acc, truncated := truncateThinking("", "hello world", 5)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(acc) > 5 {
		t.Errorf("expected at most 5 bytes, got %d", len(acc))
	}
}

func TestRecentToolsDequeDetectsRepeat(t *testing.T) {
	d := newRecentToolsDeque(5)
	d.push("a")
	d.push("b")
	if !d.contains("a") {
		t.Error("expected 'a' to remain in window")
	}
	for i := 0; i < 5; i++ {
		d.push("filler")
	}
	if d.contains("a") {
		t.Error("expected 'a' to have been evicted from a size-5 window")
	}
}

func TestBuildContextWindowKeepsMinimumRecentMessages(t *testing.T) {
	loop := NewStreamingLoop(&scriptedLLM{}, stubTools{}, DefaultStreamingLoopConfig(), zap.NewNop())
	history := make([]LLMMessage, 0, 10)
	for i := 0; i < 10; i++ {
		history = append(history, LLMMessage{Role: "user", Content: "message"})
	}
	window := loop.buildContextWindow(history)
	if len(window) < loop.cfg.MinRecentMessages {
		t.Fatalf("expected at least %d messages, got %d", loop.cfg.MinRecentMessages, len(window))
	}
}

func TestBuildContextWindowCompactsOlderToolCallMessages(t *testing.T) {
	loop := NewStreamingLoop(&scriptedLLM{}, stubTools{}, DefaultStreamingLoopConfig(), zap.NewNop())
	history := []LLMMessage{
		{Role: "assistant", ToolCalls: []entity.ToolCallInfo{{Name: "old_tool"}}},
		{Role: "user", Content: "a"},
		{Role: "assistant", ToolCalls: []entity.ToolCallInfo{{Name: "recent_tool_1"}}},
		{Role: "user", Content: "b"},
		{Role: "assistant", ToolCalls: []entity.ToolCallInfo{{Name: "recent_tool_2"}}},
		{Role: "user", Content: "c"},
	}
	window := loop.buildContextWindow(history)
	if window[0].Content == "" || len(window[0].ToolCalls) != 0 {
		t.Fatalf("expected oldest tool-call message compacted to a summary string, got %+v", window[0])
	}
}

func TestPostprocessThinkingCollapsesAndCaps(t *testing.T) {
	text := "可能可能 this might work. 可能可能可能可能"
	out := PostprocessThinking(text, map[string]int{"可能": 1}, 3, 2)
	if len(out) == 0 {
		t.Fatal("expected non-empty output")
	}
}

func TestPostprocessThinkingTruncatesAt500CodePoints(t *testing.T) {
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'a'
	}
	out := PostprocessThinking(string(long), nil, 3, 2)
	if rc := len([]rune(out)); rc > 501 {
		t.Fatalf("expected truncation near 500 code points, got %d", rc)
	}
}
