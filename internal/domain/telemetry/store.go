// Package telemetry implements the bbolt-backed time series store: typed
// data points keyed by (device_id, metric, timestamp), retention policies,
// a latest-value cache, and aggregation queries.
package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var timeseriesBucket = []byte("timeseries")

// DataPoint is a single time series sample. Value is a JSON-encodable
// scalar (number, string, boolean) so one bucket can hold heterogeneous
// metrics without a schema migration.
type DataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     any     `json:"value"`
	Quality   *float32 `json:"quality,omitempty"`
	Metadata  any     `json:"metadata,omitempty"`
}

func NewDataPoint(ts int64, value float64) DataPoint {
	return DataPoint{Timestamp: ts, Value: value}
}

func NewStringDataPoint(ts int64, value string) DataPoint {
	return DataPoint{Timestamp: ts, Value: value}
}

func NewBoolDataPoint(ts int64, value bool) DataPoint {
	return DataPoint{Timestamp: ts, Value: value}
}

func (p DataPoint) WithQuality(q float32) DataPoint {
	p.Quality = &q
	return p
}

func (p DataPoint) WithMetadata(meta any) DataPoint {
	p.Metadata = meta
	return p
}

// AsFloat returns the value as float64 for float64, int64 and int values
// (a number read back through json.Unmarshal is a float64).
func (p DataPoint) AsFloat() (float64, bool) {
	switch v := p.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (p DataPoint) AsString() (string, bool) {
	s, ok := p.Value.(string)
	return s, ok
}

func (p DataPoint) AsBool() (bool, bool) {
	b, ok := p.Value.(bool)
	return b, ok
}

// Result is the response shape for range queries.
type Result struct {
	DeviceID string
	Metric   string
	Points   []DataPoint
}

// Bucket aggregates points falling within [Start, End) into summary stats.
type Bucket struct {
	Start        int64
	End          int64
	Count        int
	Sum, Min, Max, Avg *float64
	Samples      []any
}

func newBucket(start, end int64) *Bucket {
	return &Bucket{Start: start, End: end}
}

func (b *Bucket) add(value any) {
	b.Count++
	if f, ok := asFloat(value); ok {
		sum := f
		if b.Sum != nil {
			sum += *b.Sum
		}
		b.Sum = &sum
		if b.Min == nil || f < *b.Min {
			min := f
			b.Min = &min
		}
		if b.Max == nil || f > *b.Max {
			max := f
			b.Max = &max
		}
		avg := *b.Sum / float64(b.Count)
		b.Avg = &avg
		return
	}
	if len(b.Samples) < 10 {
		b.Samples = append(b.Samples, value)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// RetentionPolicy resolves how long data survives: a per-metric override
// wins, then a per-device-type override, then the default. nil means
// retained forever.
type RetentionPolicy struct {
	DefaultHours        *int64
	MetricOverrides     map[string]*int64
	DeviceTypeOverrides map[string]*int64
}

func DefaultRetentionPolicy() RetentionPolicy {
	hours := int64(24 * 30)
	return RetentionPolicy{
		DefaultHours:        &hours,
		MetricOverrides:     make(map[string]*int64),
		DeviceTypeOverrides: make(map[string]*int64),
	}
}

func (p RetentionPolicy) retentionHours(deviceType, metric string) *int64 {
	if h, ok := p.MetricOverrides[metric]; ok {
		return h
	}
	if h, ok := p.DeviceTypeOverrides[deviceType]; ok {
		return h
	}
	return p.DefaultHours
}

// CutoffTimestamp returns the unix-seconds cutoff below which points for
// (deviceType, metric) should be deleted, or nil for retain-forever.
func (p RetentionPolicy) CutoffTimestamp(deviceType, metric string, now time.Time) *int64 {
	h := p.retentionHours(deviceType, metric)
	if h == nil {
		return nil
	}
	cutoff := now.Unix() - *h*3600
	return &cutoff
}

// Stats tracks write/read throughput and cache effectiveness.
type Stats struct {
	WriteCount, ReadCount             uint64
	TotalWriteNS, TotalReadNS         uint64
	CacheHits, CacheMisses            uint64
	CleanupPointsRemoved              uint64
	LastCleanupTimestamp              *int64
}

func (s Stats) AvgWriteMicros() float64 {
	if s.WriteCount == 0 {
		return 0
	}
	return float64(s.TotalWriteNS) / float64(s.WriteCount) / 1000
}

func (s Stats) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

type cacheEntry struct {
	point       DataPoint
	cachedAt    time.Time
	accessCount uint64
}

type cacheKey struct {
	deviceID, metric string
}

// Config tunes a Store's cache and write concurrency.
type Config struct {
	Retention          RetentionPolicy
	CacheTTL           time.Duration
	MaxCacheSize       int
	MaxConcurrentWrites int
}

func DefaultConfig() Config {
	return Config{
		Retention:           DefaultRetentionPolicy(),
		CacheTTL:            time.Minute,
		MaxCacheSize:        1000,
		MaxConcurrentWrites: 10,
	}
}

// Store is the bbolt-backed time series store, grounded on the
// transaction idiom of cuemby-warren/pkg/storage/boltdb.go and the
// key-range query and retention semantics of
// original_source/crates/neomind-storage/src/timeseries.rs.
type Store struct {
	db   *bbolt.DB
	path string

	cfg Config

	mu    sync.RWMutex
	cache map[cacheKey]*cacheEntry

	statsMu sync.Mutex
	stats   Stats

	sem chan struct{}

	retentionMu sync.RWMutex
}

var (
	singletonMu    sync.Mutex
	singletonStore = map[string]*Store{}
)

// Open returns the Store for path, creating it if necessary. Repeated
// Open calls for the same path return the same *Store (the original's
// singleton-by-path behavior).
func Open(path string, cfg Config) (*Store, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if s, ok := singletonStore[path]; ok {
		return s, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create telemetry dir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(timeseriesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timeseries bucket: %w", err)
	}

	s := &Store{
		db:    db,
		path:  path,
		cfg:   cfg,
		cache: make(map[cacheKey]*cacheEntry),
		sem:   make(chan struct{}, cfg.MaxConcurrentWrites),
	}
	singletonStore[path] = s
	return s, nil
}

func (s *Store) Close() error {
	singletonMu.Lock()
	delete(singletonStore, s.path)
	singletonMu.Unlock()
	return s.db.Close()
}

func encodeKey(deviceID, metric string, ts int64) []byte {
	key := make([]byte, 0, len(deviceID)+1+len(metric)+1+8)
	key = append(key, []byte(deviceID)...)
	key = append(key, 0)
	key = append(key, []byte(metric)...)
	key = append(key, 0)
	var tsBuf [8]byte
	// Offset by the sign bit so negative timestamps still sort correctly
	// lexicographically against positive ones.
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts)^(1<<63))
	key = append(key, tsBuf[:]...)
	return append(key, 0)
}

func decodeTimestamp(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	tsBuf := key[len(key)-9 : len(key)-1]
	return int64(binary.BigEndian.Uint64(tsBuf) ^ (1 << 63))
}

func rangeBounds(deviceID, metric string, start, end int64) ([]byte, []byte) {
	return encodeKey(deviceID, metric, start), encodeKey(deviceID, metric, end)
}

// Write stores a single data point, updating the latest-value cache and
// per-metric counters.
func (s *Store) Write(deviceID, metric string, point DataPoint) error {
	startTime := time.Now()
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal data point: %w", err)
	}

	key := encodeKey(deviceID, metric, point.Timestamp)
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(timeseriesBucket).Put(key, data)
	}); err != nil {
		return fmt.Errorf("write data point: %w", err)
	}

	s.updateCache(deviceID, metric, point)
	s.statsMu.Lock()
	s.stats.WriteCount++
	s.stats.TotalWriteNS += uint64(time.Since(startTime).Nanoseconds())
	s.statsMu.Unlock()
	return nil
}

// WriteBatch writes multiple points for one (device, metric) in a single
// transaction.
func (s *Store) WriteBatch(deviceID, metric string, points []DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(timeseriesBucket)
		for _, p := range points {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal data point: %w", err)
			}
			if err := b.Put(encodeKey(deviceID, metric, p.Timestamp), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	s.updateCache(deviceID, metric, points[len(points)-1])
	return nil
}

// BatchWriteRequest groups points by metric for one device, for
// WriteBatchConcurrent.
type BatchWriteRequest struct {
	DeviceID   string
	DeviceType string
	Metrics    map[string][]DataPoint
}

// WriteBatchConcurrent runs one WriteBatch per (device, metric) pair
// concurrently, bounded by MaxConcurrentWrites, and returns the total
// point count written.
func (s *Store) WriteBatchConcurrent(requests []BatchWriteRequest) (int, error) {
	type job struct {
		deviceID, metric string
		points           []DataPoint
	}
	var jobs []job
	for _, req := range requests {
		for metric, points := range req.Metrics {
			jobs = append(jobs, job{req.DeviceID, metric, points})
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	written := 0

	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			if err := s.WriteBatch(j.deviceID, j.metric, j.points); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			written += len(j.points)
			mu.Unlock()
		}(j)
	}
	wg.Wait()
	return written, firstErr
}

func (s *Store) updateCache(deviceID, metric string, point DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{deviceID, metric}
	if len(s.cache) >= s.cfg.MaxCacheSize {
		s.evictLRULocked()
	}
	entry, ok := s.cache[key]
	if !ok {
		s.cache[key] = &cacheEntry{point: point, cachedAt: time.Now()}
		return
	}
	if point.Timestamp < entry.point.Timestamp {
		return
	}
	entry.point = point
	entry.cachedAt = time.Now()
	entry.accessCount++
}

// evictLRULocked removes the cache entry with the lowest access count.
// Must be called with s.mu held.
func (s *Store) evictLRULocked() {
	var lruKey cacheKey
	var lowest uint64 = ^uint64(0)
	found := false
	for k, e := range s.cache {
		if e.accessCount < lowest {
			lowest = e.accessCount
			lruKey = k
			found = true
		}
	}
	if found {
		delete(s.cache, lruKey)
	}
}

// QueryLatest returns the most recent point for (device, metric),
// serving from cache when fresh.
func (s *Store) QueryLatest(deviceID, metric string) (*DataPoint, error) {
	startTime := time.Now()
	key := cacheKey{deviceID, metric}

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < s.cfg.CacheTTL {
		s.statsMu.Lock()
		s.stats.CacheHits++
		s.stats.TotalReadNS += uint64(time.Since(startTime).Nanoseconds())
		s.statsMu.Unlock()
		point := entry.point
		return &point, nil
	}

	var found *DataPoint
	lo, hi := rangeBounds(deviceID, metric, minTimestamp, maxTimestamp)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(timeseriesBucket).Cursor()
		var lastKey, lastVal []byte
		for k, v := c.Seek(lo); k != nil && compareKeys(k, hi) <= 0; k, v = c.Next() {
			lastKey, lastVal = k, v
		}
		if lastKey == nil {
			return nil
		}
		var p DataPoint
		if err := json.Unmarshal(lastVal, &p); err != nil {
			return fmt.Errorf("decode data point: %w", err)
		}
		found = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.statsMu.Lock()
	s.stats.CacheMisses++
	s.stats.TotalReadNS += uint64(time.Since(startTime).Nanoseconds())
	s.statsMu.Unlock()

	if found != nil {
		s.updateCache(deviceID, metric, *found)
	}
	return found, nil
}

const (
	minTimestamp = math.MinInt64
	maxTimestamp = math.MaxInt64
)

func compareKeys(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// QueryRange returns all points for (device, metric) with timestamp in
// [start, end].
func (s *Store) QueryRange(deviceID, metric string, start, end int64) (Result, error) {
	result := Result{DeviceID: deviceID, Metric: metric}
	lo, hi := rangeBounds(deviceID, metric, start, end)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(timeseriesBucket).Cursor()
		for k, v := c.Seek(lo); k != nil && compareKeys(k, hi) <= 0; k, v = c.Next() {
			var p DataPoint
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			result.Points = append(result.Points, p)
		}
		return nil
	})
	return result, err
}

// QueryRangeBatch runs QueryRange for each metric, concurrently.
func (s *Store) QueryRangeBatch(deviceID string, metrics []string, start, end int64) (map[string]Result, error) {
	results := make(map[string]Result, len(metrics))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, metric := range metrics {
		wg.Add(1)
		go func(metric string) {
			defer wg.Done()
			r, err := s.QueryRange(deviceID, metric, start, end)
			if err != nil {
				return
			}
			mu.Lock()
			results[metric] = r
			mu.Unlock()
		}(metric)
	}
	wg.Wait()
	return results, nil
}

// QueryAggregated buckets QueryRange's points into fixed-width windows.
func (s *Store) QueryAggregated(deviceID, metric string, start, end, bucketSizeSecs int64) ([]*Bucket, error) {
	result, err := s.QueryRange(deviceID, metric, start, end)
	if err != nil {
		return nil, err
	}
	buckets := make(map[int64]*Bucket)
	for _, p := range result.Points {
		bucketStart := (p.Timestamp / bucketSizeSecs) * bucketSizeSecs
		b, ok := buckets[bucketStart]
		if !ok {
			b = newBucket(bucketStart, bucketStart+bucketSizeSecs)
			buckets[bucketStart] = b
		}
		b.add(p.Value)
	}
	out := make([]*Bucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// DeleteRange deletes all points for (device, metric) with timestamp in
// [start, end], returning the count removed.
func (s *Store) DeleteRange(deviceID, metric string, start, end int64) (int, error) {
	lo, hi := rangeBounds(deviceID, metric, start, end)
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(timeseriesBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(lo); k != nil && compareKeys(k, hi) <= 0; k, _ = c.Next() {
			keyCopy := append([]byte(nil), k...)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ListMetrics returns the distinct metric names stored for deviceID.
func (s *Store) ListMetrics(deviceID string) ([]string, error) {
	lo := append([]byte(deviceID), 0)
	hi := append([]byte(deviceID), 0xFF)
	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(timeseriesBucket).Cursor()
		for k, _ := c.Seek(lo); k != nil && compareKeys(k, hi) <= 0; k, _ = c.Next() {
			parts := splitKey(k)
			if len(parts) >= 2 && parts[0] == deviceID {
				seen[parts[1]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func splitKey(key []byte) []string {
	var parts []string
	start := 0
	for i, b := range key {
		if b == 0 {
			parts = append(parts, string(key[start:i]))
			start = i + 1
			if len(parts) == 2 {
				break
			}
		}
	}
	return parts
}

// ApplyRetention sweeps every stored (device, metric) pair and deletes
// points older than the resolved retention cutoff. Stored keys carry no
// device type, so the sweep resolves with an empty device type:
// DeviceTypeOverrides are not applied here, only metric overrides and the
// default.
func (s *Store) ApplyRetention() (removed uint64, metricsCleaned []string, err error) {
	type pair struct{ deviceID, metric string }
	pairs := make(map[pair]struct{})

	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(timeseriesBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := splitKey(k)
			if len(parts) >= 2 {
				pairs[pair{parts[0], parts[1]}] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	now := time.Now()
	cleaned := make(map[string]struct{})
	for p := range pairs {
		cutoff := s.cfg.Retention.CutoffTimestamp("", p.metric, now)
		if cutoff == nil {
			continue
		}
		n, delErr := s.DeleteRange(p.deviceID, p.metric, minTimestamp, *cutoff-1)
		if delErr != nil {
			return removed, nil, delErr
		}
		if n > 0 {
			removed += uint64(n)
			cleaned[fmt.Sprintf("%s:%s", p.deviceID, p.metric)] = struct{}{}
		}
	}

	s.statsMu.Lock()
	s.stats.CleanupPointsRemoved += removed
	ts := now.Unix()
	s.stats.LastCleanupTimestamp = &ts
	s.statsMu.Unlock()

	for m := range cleaned {
		metricsCleaned = append(metricsCleaned, m)
	}
	return removed, metricsCleaned, nil
}

func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Store) SetRetentionPolicy(p RetentionPolicy) {
	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()
	s.cfg.Retention = p
}

func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[cacheKey]*cacheEntry)
}
