package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Loaders bundles the two extension loaders a Registry can draw on
// during filesystem discovery. A nil field simply disables that
// format — matching original_source's precedent of a WASM loader
// construction failure disabling WASM support without touching native
// loading.
type Loaders struct {
	Native *NativeLoader
	Wasm   *WasmLoader
}

// LoadFromPath loads and registers the extension at path, dispatching
// on file extension: .so/.dylib/.dll to the native loader, .wasm to the
// WASM loader.
//
// Grounded on original_source/crates/neomind-core/src/extension/registry.rs's
// load_from_path.
func (r *Registry) LoadFromPath(ctx context.Context, loaders Loaders, path string, configJSON []byte) (Metadata, error) {
	switch filepath.Ext(path) {
	case ".so", ".dylib", ".dll":
		if loaders.Native == nil {
			return Metadata{}, fmt.Errorf("native loader not available for %s", path)
		}
		ext, err := loaders.Native.Load(path, configJSON)
		if err != nil {
			return Metadata{}, err
		}
		meta := ext.Metadata()
		meta.FilePath = path
		if err := r.Register(meta.ID, ext, path); err != nil {
			return Metadata{}, err
		}
		return meta, nil

	case ".wasm":
		if loaders.Wasm == nil {
			return Metadata{}, fmt.Errorf("wasm loader not available for %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Metadata{}, fmt.Errorf("read wasm extension %s: %w", path, err)
		}
		id := sidecarID(path)
		if raw, err := os.ReadFile(strings.TrimSuffix(path, ".wasm") + ".json"); err == nil {
			var sc struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(raw, &sc) == nil && sc.ID != "" {
				id = sc.ID
			}
		}
		ext, err := loaders.Wasm.Load(ctx, id, data)
		if err != nil {
			return Metadata{}, err
		}
		meta := ext.Metadata()
		meta.FilePath = path
		if err := r.Register(meta.ID, ext, path); err != nil {
			return Metadata{}, err
		}
		return meta, nil

	default:
		return Metadata{}, fmt.Errorf("unsupported extension format: %s", path)
	}
}

// sidecarID derives an extension id from a .wasm binary's filename when
// no sidecar JSON override is present, e.g. "extension.wasm" -> "extension".
func sidecarID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Discover scans dirs for native and WASM extension binaries and loads
// each one found. Per-file load failures are collected rather than
// aborting the scan, so one broken extension doesn't block the rest.
func (r *Registry) Discover(ctx context.Context, loaders Loaders, dirs []string, configJSON []byte) ([]Metadata, []error) {
	var found []Metadata
	var errs []error

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			r.logger.Debug("extension discover: directory not readable", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".so", ".dylib", ".dll", ".wasm":
			default:
				continue
			}
			path := filepath.Join(dir, entry.Name())
			meta, err := r.LoadFromPath(ctx, loaders, path, configJSON)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			found = append(found, meta)
		}
	}
	return found, errs
}
