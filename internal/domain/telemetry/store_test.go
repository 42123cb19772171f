package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "telemetry.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteAndQueryLatest(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("device1", "temperature", NewDataPoint(1000, 23.5)); err != nil {
		t.Fatalf("write: %v", err)
	}

	latest, err := s.QueryLatest("device1", "temperature")
	if err != nil {
		t.Fatalf("query latest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a latest point")
	}
	if f, ok := latest.AsFloat(); !ok || f != 23.5 {
		t.Errorf("got %+v", latest)
	}
}

func TestStoreQueryRange(t *testing.T) {
	s := newTestStore(t)
	for i := int64(0); i < 10; i++ {
		if err := s.Write("device1", "temperature", NewDataPoint(1000+i*100, 20.0+float64(i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	result, err := s.QueryRange("device1", "temperature", 1000, 1500)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(result.Points) != 6 {
		t.Errorf("expected 6 points, got %d", len(result.Points))
	}
}

func TestStoreDeleteRange(t *testing.T) {
	s := newTestStore(t)
	for i := int64(0); i < 10; i++ {
		if err := s.Write("device1", "temp", NewDataPoint(1000+i*100, float64(i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	count, err := s.DeleteRange("device1", "temp", 1200, 1500)
	if err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 removed, got %d", count)
	}

	result, err := s.QueryRange("device1", "temp", 1000, 2000)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(result.Points) != 6 {
		t.Errorf("expected 6 remaining, got %d", len(result.Points))
	}
}

func TestStoreListMetrics(t *testing.T) {
	s := newTestStore(t)
	_ = s.Write("device1", "temp", NewDataPoint(1000, 20.0))
	_ = s.Write("device1", "humidity", NewDataPoint(1000, 50.0))
	_ = s.Write("device2", "temp", NewDataPoint(1000, 22.0))

	metrics, err := s.ListMetrics("device1")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) != 2 {
		t.Errorf("expected 2 metrics, got %v", metrics)
	}
}

func TestStoreAggregation(t *testing.T) {
	s := newTestStore(t)
	for i := int64(0); i < 100; i++ {
		if err := s.Write("device1", "counter", NewDataPoint(1000+i*10, float64(i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	buckets, err := s.QueryAggregated("device1", "counter", 1000, 2000, 100)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(buckets) == 0 {
		t.Fatal("expected buckets")
	}
	first := buckets[0]
	if first.Start != 1000 || first.End != 1100 || first.Count != 10 {
		t.Errorf("unexpected first bucket: %+v", first)
	}
}

func TestStoreApplyRetention(t *testing.T) {
	s := newTestStore(t)
	hours := int64(1)
	s.SetRetentionPolicy(RetentionPolicy{
		DefaultHours:        &hours,
		MetricOverrides:     map[string]*int64{},
		DeviceTypeOverrides: map[string]*int64{},
	})

	oldTS := (time.Now().Unix() - 7200)
	_ = s.Write("device1", "temp", NewDataPoint(oldTS, 1.0))
	_ = s.Write("device1", "temp", NewDataPoint(time.Now().Unix(), 2.0))

	removed, _, err := s.ApplyRetention()
	if err != nil {
		t.Fatalf("apply retention: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 point removed, got %d", removed)
	}
}

func TestStoreOpenIsSingletonPerPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.db")
	s1, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	defer s1.Close()
	s2, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if s1 != s2 {
		t.Error("expected same store instance for the same path")
	}
}
