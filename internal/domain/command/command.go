// Package command implements the command pipeline: deduplication against
// a short-lived cache, an enqueue/dispatch/timeout state machine, and
// transient-error retry with exponential backoff.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a command's position in the pipeline.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusSending  Status = "sending"
	StatusSucceeded Status = "succeeded"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusRetrying Status = "retrying"
)

// nonCacheable lists command names whose results must never be served
// from the dedup cache, because re-running them has side effects a
// cached hit would silently skip.
var nonCacheable = map[string]bool{
	"send_command":     true,
	"execute_command":  true,
	"set_device_state": true,
	"toggle_device":    true,
	"delete_device":    true,
}

const cacheTTL = 5 * time.Minute

// transientKeywords classifies a dispatch error as retryable. Matches
// the model-failover keyword approach used elsewhere in this codebase.
var transientKeywords = []string{"timeout", "network", "connection", "unavailable"}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Dispatcher sends a command to its owning device and reports the
// outcome. Implemented by the device adapter manager in production.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, name string, args map[string]any) error
}

// Command is one submitted pipeline entry.
type Command struct {
	ID         string
	Source     string
	DeviceID   string
	Name       string
	Args       map[string]any
	Status     Status
	Error      string
	Attempts   int
	MaxRetries int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Timeout    time.Duration
	NextRetry  time.Time
}

func (c *Command) expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.Timeout
}

type cacheEntry struct {
	result    error
	cachedAt  time.Time
}

// Stats is the pipeline's point-in-time summary.
type Stats struct {
	TotalCount int            `json:"total_count"`
	ByStatus   map[string]int `json:"by_status"`
	BySource   map[string]int `json:"by_source"`
	CacheSize  int            `json:"cache_size"`
}

// Pipeline is the in-memory command queue, dispatch loop, and dedup
// cache described by the command-pipeline subsystem: submit assigns an
// id and either serves a cached result or enqueues; a caller-driven
// dispatch step sends queued commands to their device, classifying
// failures as retryable or permanent.
type Pipeline struct {
	mu         sync.Mutex
	commands   map[string]*Command
	cache      map[string]*cacheEntry
	dispatcher Dispatcher
	logger     *zap.Logger
	nextID     int64
}

func NewPipeline(dispatcher Dispatcher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		commands:   make(map[string]*Command),
		cache:      make(map[string]*cacheEntry),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (p *Pipeline) newID() string {
	p.nextID++
	return fmt.Sprintf("cmd-%d-%d", time.Now().UnixNano(), p.nextID)
}

// cacheKey canonicalizes (name, args) for dedup lookups: args are
// marshaled with sorted keys so argument order never changes the key.
func cacheKey(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	data, _ := json.Marshal(ordered)

	h := sha256.Sum256(append([]byte(name+"|"), data...))
	return hex.EncodeToString(h[:])
}

// Submit enqueues a command, or returns the cached error (nil on prior
// success) immediately if an identical, cacheable call was completed
// within the last cacheTTL.
func (p *Pipeline) Submit(source, deviceID, name string, args map[string]any, maxRetries int, timeout time.Duration) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !nonCacheable[name] {
		key := cacheKey(name, args)
		if entry, ok := p.cache[key]; ok && now.Sub(entry.cachedAt) < cacheTTL {
			return "", true, entry.result
		}
	}

	id := p.newID()
	p.commands[id] = &Command{
		ID:         id,
		Source:     source,
		DeviceID:   deviceID,
		Name:       name,
		Args:       args,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Timeout:    timeout,
	}
	return id, false, nil
}

// Get returns a command's current snapshot.
func (p *Pipeline) Get(id string) (Command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.commands[id]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// DispatchNext advances every queued or due-for-retry command by one
// dispatch attempt. Call this from a periodic worker loop.
func (p *Pipeline) DispatchNext(ctx context.Context) {
	p.mu.Lock()
	due := make([]*Command, 0)
	now := time.Now()
	for _, c := range p.commands {
		if c.Status == StatusQueued || (c.Status == StatusRetrying && !c.NextRetry.After(now)) {
			due = append(due, c)
		}
	}
	p.mu.Unlock()

	for _, c := range due {
		p.dispatchOne(ctx, c)
	}
}

func (p *Pipeline) dispatchOne(ctx context.Context, c *Command) {
	p.mu.Lock()
	if c.expired(time.Now()) {
		c.Status = StatusTimedOut
		c.UpdatedAt = time.Now()
		p.mu.Unlock()
		return
	}
	c.Status = StatusSending
	c.Attempts++
	p.mu.Unlock()

	err := p.dispatcher.Dispatch(ctx, c.DeviceID, c.Name, c.Args)

	p.mu.Lock()
	defer p.mu.Unlock()
	c.UpdatedAt = time.Now()

	if err == nil {
		c.Status = StatusSucceeded
		c.Error = ""
		if !nonCacheable[c.Name] {
			p.cache[cacheKey(c.Name, c.Args)] = &cacheEntry{result: nil, cachedAt: c.UpdatedAt}
		}
		return
	}

	c.Error = err.Error()

	if !isTransientError(err) || c.Attempts > c.MaxRetries {
		c.Status = StatusFailed
		if !nonCacheable[c.Name] {
			p.cache[cacheKey(c.Name, c.Args)] = &cacheEntry{result: err, cachedAt: c.UpdatedAt}
		}
		p.logger.Warn("command failed permanently",
			zap.String("id", c.ID), zap.String("name", c.Name), zap.Error(err))
		return
	}

	backoff := time.Duration(100*pow2(c.Attempts-1)) * time.Millisecond
	c.Status = StatusRetrying
	c.NextRetry = time.Now().Add(backoff)
	p.logger.Debug("command transient failure, scheduled retry",
		zap.String("id", c.ID), zap.Int("attempt", c.Attempts), zap.Duration("backoff", backoff))
}

func pow2(n int) int64 {
	if n < 0 {
		return 1
	}
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// ExpiredCommands returns queued/sending/retrying commands whose age
// has exceeded their timeout but have not yet been transitioned.
func (p *Pipeline) ExpiredCommands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []Command
	for _, c := range p.commands {
		if c.Status != StatusSucceeded && c.Status != StatusFailed && c.Status != StatusTimedOut && c.expired(now) {
			out = append(out, *c)
		}
	}
	return out
}

// RetryableCommands returns retrying commands whose backoff has elapsed.
func (p *Pipeline) RetryableCommands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []Command
	for _, c := range p.commands {
		if c.Status == StatusRetrying && !c.NextRetry.After(now) {
			out = append(out, *c)
		}
	}
	return out
}

// Stats summarizes the pipeline's current state.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		ByStatus:  make(map[string]int),
		BySource:  make(map[string]int),
		CacheSize: len(p.cache),
	}
	for _, c := range p.commands {
		s.TotalCount++
		s.ByStatus[string(c.Status)]++
		s.BySource[c.Source]++
	}
	return s
}

// Evict removes terminal commands older than maxAge, bounding memory
// growth in a long-running pipeline.
func (p *Pipeline) Evict(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, c := range p.commands {
		terminal := c.Status == StatusSucceeded || c.Status == StatusFailed || c.Status == StatusTimedOut
		if terminal && now.Sub(c.UpdatedAt) > maxAge {
			delete(p.commands, id)
			removed++
		}
	}
	for key, entry := range p.cache {
		if now.Sub(entry.cachedAt) > cacheTTL {
			delete(p.cache, key)
		}
	}
	return removed
}
