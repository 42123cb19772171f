package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/edgeplane/sentinel/internal/domain/entity"
	domaintool "github.com/edgeplane/sentinel/internal/domain/tool"
	"go.uber.org/zap"
)

// StreamingLoopConfig carries the two-phase streaming loop's safeguards.
type StreamingLoopConfig struct {
	Greetings           []string      // trimmed-input prefixes that trigger the canned fast path
	GreetingMaxLen       int          // fast path only applies below this input length
	ContextTokenBudget   int          // ≈ chars/4 budget for the context window (default 6000)
	MinRecentMessages    int          // guaranteed most-recent messages regardless of budget (default 4)
	StreamDeadline       time.Duration // Phase 1 wall clock (default 40s)
	FollowUpDeadline     time.Duration // Phase 2 follow-up wall clock (default 30s)
	MaxThinkingChars     int           // Phase 1 thinking cap (default 100000)
	FollowUpThinkingChars int          // Phase 2 follow-up thinking cap (default 5000)
	MaxToolIterations    int           // tool calls truncated to this many per turn (default 3)
	RepeatPhraseLimit    map[string]int // phrase -> max occurrences per chunk (e.g. "可能": 10)
	RecentToolsWindow    int           // tool-call dedup deque size (default 5)
}

func DefaultStreamingLoopConfig() StreamingLoopConfig {
	return StreamingLoopConfig{
		Greetings:             []string{"hi", "hello", "hey", "你好", "嗨"},
		GreetingMaxLen:        20,
		ContextTokenBudget:    6000,
		MinRecentMessages:     4,
		StreamDeadline:        40 * time.Second,
		FollowUpDeadline:      30 * time.Second,
		MaxThinkingChars:      100000,
		FollowUpThinkingChars: 5000,
		MaxToolIterations:     3,
		RepeatPhraseLimit:     map[string]int{"可能": 10},
		RecentToolsWindow:     5,
	}
}

// StreamEventKind tags a client-facing streaming event.
type StreamEventKind string

const (
	StreamEventContent       StreamEventKind = "content"
	StreamEventEnd           StreamEventKind = "end"
	StreamEventError         StreamEventKind = "error"
	StreamEventToolCallStart StreamEventKind = "tool_call_start"
	StreamEventToolCallEnd   StreamEventKind = "tool_call_end"
)

// StreamEvent is one item the loop emits to the client.
type StreamEvent struct {
	Kind    StreamEventKind
	Content string
	Err     error
	Tool    string
	Args    map[string]any
	Result  *domaintool.Result
	Success bool
}

// StreamingLoop implements the two-phase streaming design: a user-message
// stream that may terminate directly or detect tool calls, followed by a
// parallel tool-execution phase and a tools-disabled follow-up stream.
//
// Grounded on this package's existing AgentLoop/CostGuard/LoopDetector and
// StripReasoningTags machinery, narrowed to the explicit chunk-by-chunk
// safeguards and fast-path the streaming design calls for.
type StreamingLoop struct {
	llm    LLMClient
	tools  ToolExecutor
	cfg    StreamingLoopConfig
	logger *zap.Logger
}

func NewStreamingLoop(llm LLMClient, tools ToolExecutor, cfg StreamingLoopConfig, logger *zap.Logger) *StreamingLoop {
	return &StreamingLoop{llm: llm, tools: tools, cfg: cfg, logger: logger}
}

// isGreeting applies the Phase 1 fast path: short input matching a
// configured greeting token short-circuits the LLM call entirely.
func (s *StreamingLoop) isGreeting(input string) bool {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) >= s.cfg.GreetingMaxLen {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, g := range s.cfg.Greetings {
		if lower == g || strings.HasPrefix(lower, g) {
			return true
		}
	}
	return false
}

const greetingReply = "Hello! How can I help?"

func estimateTokens(s string) int {
	return len(s) / 4
}

// buildContextWindow reverse-scans history: messages older than the two
// most recent that carry tool calls are collapsed to a single summary
// string, then the window is filled backward until the token budget
// would be exceeded, always keeping at least MinRecentMessages.
func (s *StreamingLoop) buildContextWindow(history []LLMMessage) []LLMMessage {
	if len(history) <= s.cfg.MinRecentMessages {
		return history
	}

	compacted := make([]LLMMessage, len(history))
	copy(compacted, history)

	toolCallMsgsSeen := 0
	for i := len(compacted) - 1; i >= 0; i-- {
		if len(compacted[i].ToolCalls) == 0 {
			continue
		}
		toolCallMsgsSeen++
		if toolCallMsgsSeen <= 2 {
			continue // two most recent tool-call messages stay uncompacted
		}
		compacted[i] = LLMMessage{
			Role:    compacted[i].Role,
			Content: summarizeToolCallMessage(compacted[i]),
		}
	}

	var window []LLMMessage
	budget := s.cfg.ContextTokenBudget
	used := 0
	for i := len(compacted) - 1; i >= 0; i-- {
		msgTokens := estimateTokens(compacted[i].TextContent())
		mustKeep := len(compacted)-i <= s.cfg.MinRecentMessages
		if !mustKeep && used+msgTokens > budget {
			break
		}
		window = append([]LLMMessage{compacted[i]}, window...)
		used += msgTokens
	}
	return window
}

func summarizeToolCallMessage(m LLMMessage) string {
	names := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		names = append(names, tc.Name)
	}
	return "[earlier tool calls: " + strings.Join(names, ", ") + "]"
}

// RepetitionGuard enforces the sliding-window repetition safeguards over
// a 10-chunk window: single-chunk phrase overcounts, multi-chunk
// position-wise overlap, and cross-chunk total phrase occurrences.
type RepetitionGuard struct {
	limits       map[string]int
	window       []string
	windowSize   int
	phraseTotals map[string]int
}

func NewRepetitionGuard(limits map[string]int) *RepetitionGuard {
	return &RepetitionGuard{limits: limits, windowSize: 10, phraseTotals: make(map[string]int)}
}

// Check appends chunk to the window and returns a non-nil error if any
// trigger fires on this chunk.
func (g *RepetitionGuard) Check(chunk string) error {
	for phrase, limit := range g.limits {
		count := strings.Count(chunk, phrase)
		if count > limit {
			return &repetitionError{reason: "single-chunk phrase repetition: " + phrase}
		}
		g.phraseTotals[phrase] += count
		if g.phraseTotals[phrase] > 2*limit {
			return &repetitionError{reason: "cross-chunk phrase repetition: " + phrase}
		}
	}

	overlapping := 0
	for _, prev := range g.window {
		if overlapRatio(prev, chunk) >= 0.8 {
			overlapping++
		}
	}
	threshold := len(g.limits)
	if threshold == 0 {
		threshold = 1
	}
	if overlapping > 0 && overlapping >= threshold-1 {
		return &repetitionError{reason: "multi-chunk content repetition"}
	}

	g.window = append(g.window, chunk)
	if len(g.window) > g.windowSize {
		g.window = g.window[1:]
	}
	return nil
}

// overlapRatio measures position-wise character overlap between a and b
// over the shorter string's length.
func overlapRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n == 0 {
		return 0
	}
	same := 0
	for i := 0; i < n; i++ {
		if ra[i] == rb[i] {
			same++
		}
	}
	return float64(same) / float64(n)
}

type repetitionError struct{ reason string }

func (e *repetitionError) Error() string { return "repetition guard triggered: " + e.reason }

// truncateThinking caps thinking-chunk length at a byte boundary that
// still forms valid UTF-8.
func truncateThinking(acc string, chunk string, max int) (string, bool) {
	combined := acc + chunk
	if len(combined) <= max {
		return combined, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(combined[cut]) {
		cut--
	}
	return combined[:cut], true
}

// recentToolsDeque tracks the last N tool names dispatched, for loop
// prevention: a batch reusing an already-present name is rejected.
type recentToolsDeque struct {
	size  int
	names []string
}

func newRecentToolsDeque(size int) *recentToolsDeque {
	return &recentToolsDeque{size: size}
}

func (d *recentToolsDeque) contains(name string) bool {
	for _, n := range d.names {
		if n == name {
			return true
		}
	}
	return false
}

func (d *recentToolsDeque) push(name string) {
	d.names = append(d.names, name)
	if len(d.names) > d.size {
		d.names = d.names[1:]
	}
}

// toolCallFence finds a "<tool_calls>...</tool_calls>" block in buf and
// returns the content before it, the parsed calls, and whether the
// closing fence was present (vs still streaming).
func toolCallFence(buf string) (before string, calls []entity.ToolCallInfo, closed bool, ok bool) {
	openIdx := strings.Index(buf, "<tool_calls>")
	if openIdx < 0 {
		return buf, nil, false, true
	}
	before = buf[:openIdx]
	rest := buf[openIdx+len("<tool_calls>"):]
	closeIdx := strings.Index(rest, "</tool_calls>")
	if closeIdx < 0 {
		return before, nil, false, true
	}
	body := rest[:closeIdx]
	parsed, err := parseToolCallsBody(body)
	if err != nil {
		// strip the XML block from the emitted stream, keep going
		return before, nil, true, false
	}
	return before, parsed, true, true
}

// parseToolCallsBody parses a naive "name(arg=val, ...)" per-line tool
// call body, matching the rule DSL's EXECUTE parsing style rather than
// requiring a JSON payload from the model.
func parseToolCallsBody(body string) ([]entity.ToolCallInfo, error) {
	var calls []entity.ToolCallInfo
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parenIdx := strings.Index(line, "(")
		if parenIdx < 0 || !strings.HasSuffix(line, ")") {
			return nil, &repetitionError{reason: "malformed tool call: " + line}
		}
		name := strings.TrimSpace(line[:parenIdx])
		argsStr := strings.TrimSuffix(line[parenIdx+1:], ")")
		args := make(map[string]interface{})
		if argsStr != "" {
			for _, pair := range strings.Split(argsStr, ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 {
					continue
				}
				args[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), "\"")
			}
		}
		calls = append(calls, entity.ToolCallInfo{Name: name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil, &repetitionError{reason: "empty tool call block"}
	}
	return calls, nil
}

// Run drives Phase 1: fast-path greeting, context window construction,
// and chunk-by-chunk streaming with every safeguard, emitting events on
// out until the stream ends or Phase 2 tool execution is required.
func (s *StreamingLoop) Run(ctx context.Context, history []LLMMessage, userInput string, out chan<- StreamEvent) {
	defer close(out)

	if s.isGreeting(userInput) {
		out <- StreamEvent{Kind: StreamEventContent, Content: greetingReply}
		out <- StreamEvent{Kind: StreamEventEnd}
		return
	}

	window := s.buildContextWindow(history)

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamDeadline)
	defer cancel()

	deltaCh := make(chan StreamChunk, 32)
	go func() {
		_, _ = s.llm.GenerateStream(streamCtx, &LLMRequest{Messages: window}, deltaCh)
	}()

	guard := NewRepetitionGuard(s.cfg.RepeatPhraseLimit)
	var contentBuf strings.Builder
	emittedLen := 0
	var thinkingBuf string
	recent := newRecentToolsDeque(s.cfg.RecentToolsWindow)

	for chunk := range deltaCh {
		text := chunk.DeltaText
		if text == "" {
			continue
		}

		select {
		case <-streamCtx.Done():
			out <- StreamEvent{Kind: StreamEventError, Err: streamCtx.Err()}
			return
		default:
		}

		if chunk.IsThinking {
			var truncated bool
			thinkingBuf, truncated = truncateThinking(thinkingBuf, text, s.cfg.MaxThinkingChars)
			if truncated {
				out <- StreamEvent{Kind: StreamEventEnd}
				return
			}
			continue
		}

		if err := guard.Check(text); err != nil {
			out <- StreamEvent{Kind: StreamEventError, Err: err}
			return
		}

		contentBuf.WriteString(text)
		before, calls, closed, parseOK := toolCallFence(contentBuf.String())
		if len(before) > emittedLen {
			out <- StreamEvent{Kind: StreamEventContent, Content: before[emittedLen:]}
			emittedLen = len(before)
		}

		if closed && parseOK && len(calls) > 0 {
			if len(calls) > s.cfg.MaxToolIterations {
				calls = calls[:s.cfg.MaxToolIterations]
			}
			for _, c := range calls {
				if recent.contains(c.Name) {
					out <- StreamEvent{Kind: StreamEventError, Err: &repetitionError{reason: "tool call loop: " + c.Name}}
					return
				}
			}
			for _, c := range calls {
				recent.push(c.Name)
			}
			s.runPhase2(ctx, window, calls, thinkingBuf, out)
			return
		}
	}

	out <- StreamEvent{Kind: StreamEventEnd}
}

// runPhase2 executes every detected tool call in parallel and opens a
// tools-disabled, thinking-disabled follow-up stream.
func (s *StreamingLoop) runPhase2(ctx context.Context, window []LLMMessage, calls []entity.ToolCallInfo, thinking string, out chan<- StreamEvent) {
	type toolOutcome struct {
		name    string
		args    map[string]any
		result  *domaintool.Result
		success bool
	}

	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c entity.ToolCallInfo) {
			defer wg.Done()
			out <- StreamEvent{Kind: StreamEventToolCallStart, Tool: c.Name, Args: c.Arguments}
			res, err := s.tools.Execute(ctx, c.Name, c.Arguments)
			success := err == nil && (res == nil || res.Success)
			outcomes[i] = toolOutcome{name: c.Name, args: c.Arguments, result: res, success: success}
			out <- StreamEvent{Kind: StreamEventToolCallEnd, Tool: c.Name, Args: c.Arguments, Result: res, Success: success}
		}(i, c)
	}
	wg.Wait()

	toolMessages := make([]LLMMessage, 0, len(outcomes))
	for _, o := range outcomes {
		output := ""
		if o.result != nil {
			output = o.result.Output
		}
		toolMessages = append(toolMessages, LLMMessage{Role: "tool", Content: output, Name: o.name})
	}

	followUpWindow := append(append([]LLMMessage{}, window...), toolMessages...)

	followCtx, cancel := context.WithTimeout(ctx, s.cfg.FollowUpDeadline)
	defer cancel()

	deltaCh := make(chan StreamChunk, 16)
	go func() {
		_, _ = s.llm.GenerateStream(followCtx, &LLMRequest{Messages: followUpWindow}, deltaCh)
	}()

	emitted := false
	var followThinking string
	for chunk := range deltaCh {
		if chunk.DeltaText == "" {
			continue
		}
		if chunk.IsThinking {
			var truncated bool
			followThinking, truncated = truncateThinking(followThinking, chunk.DeltaText, s.cfg.FollowUpThinkingChars)
			if truncated {
				break
			}
			continue
		}
		emitted = true
		out <- StreamEvent{Kind: StreamEventContent, Content: chunk.DeltaText}
	}

	if !emitted {
		out <- StreamEvent{Kind: StreamEventContent, Content: synthesizeFallback(outcomes[0].name, len(outcomes))}
	}
	out <- StreamEvent{Kind: StreamEventEnd}
}

func synthesizeFallback(firstTool string, count int) string {
	return "Completed " + firstTool + " and " + itoa(count-1) + " more tool calls."
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// PostprocessThinking collapses immediate phrase repeats, caps
// consecutive filler occurrences, and truncates to 500 code points
// before persistence.
func PostprocessThinking(text string, fillers map[string]int, primaryCap, otherCap int) string {
	for phrase := range fillers {
		doubled := phrase + phrase
		for strings.Contains(text, doubled) {
			text = strings.Replace(text, doubled, phrase, 1)
		}
	}

	for phrase, rank := range fillers {
		cap := otherCap
		if rank == 1 {
			cap = primaryCap
		}
		text = capConsecutive(text, phrase, cap)
	}

	runes := []rune(text)
	if len(runes) > 500 {
		text = string(runes[:500]) + "…"
	}
	return text
}

func capConsecutive(text, phrase string, cap int) string {
	if cap <= 0 || phrase == "" {
		return text
	}
	var b strings.Builder
	run := 0
	rest := text
	for {
		idx := strings.Index(rest, phrase)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		prefix := rest[:idx]
		if prefix == "" {
			run++
		} else {
			run = 1
		}
		if run <= cap {
			b.WriteString(prefix)
			b.WriteString(phrase)
		} else {
			b.WriteString(prefix)
		}
		rest = rest[idx+len(phrase):]
	}
	return b.String()
}

var _ = unicode.IsSpace
