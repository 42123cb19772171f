// Package eventbus implements the control plane's typed publish/subscribe
// bus: device adapters, the telemetry store, the rule/transform engines and
// the agent loop all communicate through it rather than through direct
// references to each other.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is a typed message flowing through the bus. Device events, rule
// actions, command results and extension outputs all implement it.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is a minimal Event implementation adapters and engines embed or
// construct directly.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

func (e *BaseEvent) Type() string        { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }
func (e *BaseEvent) Payload() any        { return e.EventPayload }

// NewEvent builds a BaseEvent stamped with the current time.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{EventType: eventType, EventTimestamp: time.Now(), EventPayload: payload}
}

// Metadata rides alongside every event delivered to a subscriber.
type Metadata struct {
	Source     string
	ReceivedAt time.Time
}

// Envelope is what a filtered subscriber receives: the event plus its
// delivery metadata.
type Envelope struct {
	Event    Event
	Metadata Metadata
}

// Predicate decides whether a subscriber wants a given event.
type Predicate func(Event) bool

// MatchAll is the predicate used by subscribers that want every event.
func MatchAll(Event) bool { return true }

// MatchType returns a predicate selecting events of one or more types.
func MatchType(types ...string) Predicate {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type()]
		return ok
	}
}

// Handler is the legacy callback-style subscriber used by components that
// don't need a receiver channel (kept for the agent loop's internal hooks).
type Handler func(ctx context.Context, event Event)

// Receiver is the channel-based subscriber handle returned by
// SubscribeFiltered. Close unregisters it from the bus.
type Receiver struct {
	ch      chan Envelope
	dropped atomic.Int64
	bus     *InMemoryBus
	id      uint64
}

// C returns the channel to range over.
func (r *Receiver) C() <-chan Envelope { return r.ch }

// Dropped returns the number of events dropped for this subscriber because
// its queue was full (oldest-dropped policy).
func (r *Receiver) Dropped() int64 { return r.dropped.Load() }

// Close unregisters the receiver from the bus and closes its channel.
func (r *Receiver) Close() {
	r.bus.removeReceiver(r.id)
}

// defaultQueueDepth is the minimum bounded queue size the spec requires
// (≥ 10000) for every filtered subscriber.
const defaultQueueDepth = 10000

// Bus is the publish/subscribe contract. Publish never blocks the
// publisher, regardless of subscriber backpressure.
type Bus interface {
	Publish(ctx context.Context, event Event)
	PublishWithSource(ctx context.Context, event Event, source string)
	// PublishSync delivers the event without requiring an async runtime,
	// safe to call re-entrantly from an FFI panic handler or any
	// non-goroutine callback context.
	PublishSync(event Event, source string)
	Subscribe(eventType string, handler Handler)
	Unsubscribe(eventType string, handler Handler)
	SubscribeFiltered(predicate Predicate) *Receiver
	Close()
}

// InMemoryBus is the default Bus implementation: a dispatch goroutine fans
// each published event out to callback handlers and to filtered receivers.
// Subscriber queues are independent bounded channels so one slow consumer
// never backs up another, and never backs up the publisher.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	receivers map[uint64]*subscriber
	nextID    uint64
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type subscriber struct {
	predicate Predicate
	recv      *Receiver
}

type eventWrapper struct {
	event  Event
	source string
}

// NewInMemoryBus creates a bus with the given publisher-side buffer. Each
// filtered subscriber additionally gets its own bounded queue sized to
// defaultQueueDepth, independent of this buffer.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		receivers: make(map[uint64]*subscriber),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger,
	}
	bus.wg.Add(1)
	go bus.dispatch()
	return bus
}

// Publish enqueues the event for async dispatch. Non-blocking: if the
// publisher-side buffer is full the event is dropped and logged, exactly as
// a slow consumer must never be allowed to stall a publisher.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.PublishWithSource(ctx, event, "")
}

// PublishWithSource is Publish plus a source tag (e.g. "adapter:mqtt:t1")
// threaded through to subscriber Metadata.
func (b *InMemoryBus) PublishWithSource(ctx context.Context, event Event, source string) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{event: event, source: source}:
	default:
		b.logger.Warn("event buffer full, dropping event", zap.String("type", event.Type()))
	}
}

// PublishSync delivers synchronously on the calling goroutine, bypassing
// the dispatch channel entirely. It is the path re-entrant FFI callbacks
// (extension panic handlers, native sync hooks) must use since they cannot
// assume an async runtime is available to pick the event back up.
func (b *InMemoryBus) PublishSync(event Event, source string) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()
	b.dispatchEvent(event, source)
}

// Subscribe registers a callback-style handler for one event type, or "*"
// for all types.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Unsubscribe removes the most-recently-registered handler for eventType.
// Go has no function identity comparison, so this drops the last
// registration rather than matching the passed value.
func (b *InMemoryBus) Unsubscribe(eventType string, _ Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	if len(handlers) == 0 {
		return
	}
	handlers = handlers[:len(handlers)-1]
	if len(handlers) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = handlers
	}
}

// SubscribeFiltered registers a channel-based receiver with its own bounded
// queue. Overflow drops the oldest queued event for that receiver and
// increments its dropped counter; publishers are never affected.
func (b *InMemoryBus) SubscribeFiltered(predicate Predicate) *Receiver {
	if predicate == nil {
		predicate = MatchAll
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	recv := &Receiver{ch: make(chan Envelope, defaultQueueDepth), bus: b, id: id}
	b.receivers[id] = &subscriber{predicate: predicate, recv: recv}
	return recv
}

func (b *InMemoryBus) removeReceiver(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.receivers[id]; ok {
		close(s.recv.ch)
		delete(b.receivers, id)
	}
}

// Close stops the dispatch loop and waits for it to drain.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for id, s := range b.receivers {
		close(s.recv.ch)
		delete(b.receivers, id)
	}
	b.mu.Unlock()
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()
	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.event, wrapper.source)
	}
}

func (b *InMemoryBus) dispatchEvent(event Event, source string) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type()])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type()]...)
	handlers = append(handlers, b.handlers["*"]...)

	meta := Metadata{Source: source, ReceivedAt: time.Now()}
	matching := make([]*Receiver, 0, len(b.receivers))
	for _, s := range b.receivers {
		if s.predicate(event) {
			matching = append(matching, s.recv)
		}
	}
	b.mu.RUnlock()

	for _, recv := range matching {
		envelope := Envelope{Event: event, Metadata: meta}
		select {
		case recv.ch <- envelope:
		default:
			// Oldest-dropped: make room by discarding the head, then retry
			// once. If a concurrent reader already drained a slot this is a
			// no-op loss of at most one slot, which is an acceptable race
			// for a best-effort bounded queue.
			select {
			case <-recv.ch:
				recv.dropped.Add(1)
			default:
			}
			select {
			case recv.ch <- envelope:
			default:
				recv.dropped.Add(1)
			}
		}
	}

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("handler panicked",
						zap.String("event_type", event.Type()),
						zap.Any("panic", r),
					)
				}
			}()
			h(context.Background(), event)
		}(handler)
	}
	wg.Wait()
}

// --- Predefined event types shared by the core subsystems ---

const (
	EventTypeStateChange     = "state_change"
	EventTypeToolExecution   = "tool_execution"
	EventTypeModelRequest    = "model_request"
	EventTypeModelResponse   = "model_response"
	EventTypeError           = "error"
	EventTypeSessionCreated  = "session_created"
	EventTypeSessionEnded    = "session_ended"
	EventTypeApprovalRequest = "approval_request"

	// Device/telemetry events (the IoT control plane's primary traffic).
	EventTypeDeviceMetric        = "device_metric"
	EventTypeDeviceOnline        = "device_online"
	EventTypeDeviceOffline       = "device_offline"
	EventTypeDeviceCommandResult = "device_command_result"
	EventTypeDeviceDiscovered    = "device_discovered"
	EventTypeRuleFired           = "rule_fired"
	EventTypeExtensionOutput     = "extension_output"
	EventTypeManagerEvent        = "adapter_manager_event"
)

type StateChangePayload struct {
	SessionID string
	FromState string
	ToState   string
	Trigger   string
	Metadata  map[string]any
}

type ToolExecutionPayload struct {
	SessionID  string
	ToolName   string
	ToolCallID string
	Arguments  map[string]any
	Result     any
	Duration   time.Duration
	Success    bool
}

type ModelRequestPayload struct {
	SessionID string
	Model     string
	Messages  int
	HasTools  bool
}

type ModelResponsePayload struct {
	SessionID  string
	Model      string
	TokensUsed int
	HasTools   bool
	Duration   time.Duration
}

type ErrorPayload struct {
	SessionID string
	Component string
	Error     string
	Stack     string
}
