package extension

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edgeplane/sentinel/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

func testBus() *eventbus.InMemoryBus {
	return eventbus.NewInMemoryBus(zap.NewNop(), 16)
}

func TestDiscoverSkipsUnreadableDirectory(t *testing.T) {
	r := NewRegistry(testBus(), zap.NewNop())
	found, errs := r.Discover(nil, Loaders{}, []string{filepath.Join(t.TempDir(), "missing")}, nil)
	if len(found) != 0 || len(errs) != 0 {
		t.Fatalf("expected no results for missing directory, got found=%v errs=%v", found, errs)
	}
}

func TestDiscoverIgnoresNonExtensionFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	r := NewRegistry(testBus(), zap.NewNop())
	found, errs := r.Discover(nil, Loaders{}, []string{dir}, nil)
	if len(found) != 0 || len(errs) != 0 {
		t.Fatalf("expected non-extension files ignored, got found=%v errs=%v", found, errs)
	}
}

func TestDiscoverReportsErrorWhenNoLoaderAvailable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "extension.so"), []byte("fake"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	r := NewRegistry(testBus(), zap.NewNop())
	found, errs := r.Discover(nil, Loaders{}, []string{dir}, nil)
	if len(found) != 0 {
		t.Fatalf("expected no successful loads, got %v", found)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error for missing native loader, got %v", errs)
	}
}

func TestSidecarIDDerivesFromFilename(t *testing.T) {
	if got := sidecarID("/opt/extensions/weather-station.wasm"); got != "weather-station" {
		t.Errorf("got %q", got)
	}
}
