package extension

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func buildTestPackage(t *testing.T, manifest Manifest, binaryContent []byte, binaryRelPath string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		t.Fatalf("create manifest entry: %v", err)
	}
	if _, err := w.Write(manifestJSON); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if binaryRelPath != "" {
		bw, err := zw.Create(binaryRelPath)
		if err != nil {
			t.Fatalf("create binary entry: %v", err)
		}
		if _, err := bw.Write(binaryContent); err != nil {
			t.Fatalf("write binary: %v", err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func baseManifest() Manifest {
	return Manifest{
		Format:        PackageFormat,
		FormatVersion: PackageFormatVersion,
		ID:            "acme-sensor",
		Name:          "Acme Sensor",
		Version:       "1.0.0",
		Binaries: map[string]string{
			DetectPlatform(): "binaries/" + DetectPlatform() + "/extension.so",
			"wasm":           "binaries/wasm/extension.wasm",
		},
	}
}

func TestPackageFromBytesParsesValidManifest(t *testing.T) {
	data := buildTestPackage(t, baseManifest(), []byte("fake binary"), "binaries/"+DetectPlatform()+"/extension.so")
	pkg, err := PackageFromBytes(data)
	if err != nil {
		t.Fatalf("PackageFromBytes: %v", err)
	}
	if pkg.Manifest.ID != "acme-sensor" {
		t.Errorf("got id %q", pkg.Manifest.ID)
	}
	if pkg.Checksum == "" {
		t.Error("expected non-empty checksum")
	}
}

func TestPackageFromBytesRejectsWrongFormat(t *testing.T) {
	m := baseManifest()
	m.Format = "something-else"
	data := buildTestPackage(t, m, nil, "")
	if _, err := PackageFromBytes(data); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestPackageFromBytesRejectsMissingID(t *testing.T) {
	m := baseManifest()
	m.ID = ""
	data := buildTestPackage(t, m, nil, "")
	if _, err := PackageFromBytes(data); err == nil {
		t.Fatal("expected missing-id error")
	}
}

func TestBinaryPathFallsBackToWasm(t *testing.T) {
	m := baseManifest()
	delete(m.Binaries, DetectPlatform())
	data := buildTestPackage(t, m, nil, "")
	pkg, err := PackageFromBytes(data)
	if err != nil {
		t.Fatalf("PackageFromBytes: %v", err)
	}
	path, ok := pkg.BinaryPath()
	if !ok || path != "binaries/wasm/extension.wasm" {
		t.Fatalf("expected wasm fallback, got %q ok=%v", path, ok)
	}
}

func TestInstallExtractsManifestAndBinary(t *testing.T) {
	relPath := "binaries/" + DetectPlatform() + "/extension.so"
	data := buildTestPackage(t, baseManifest(), []byte("fake binary"), relPath)
	pkg, err := PackageFromBytes(data)
	if err != nil {
		t.Fatalf("PackageFromBytes: %v", err)
	}

	dir := t.TempDir()
	result, err := pkg.Install(dir)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := os.Stat(result.ManifestPath); err != nil {
		t.Errorf("manifest not extracted: %v", err)
	}
	if _, err := os.Stat(result.BinaryPath); err != nil {
		t.Errorf("binary not extracted: %v", err)
	}
	if result.ExtensionID != "acme-sensor" {
		t.Errorf("got extension id %q", result.ExtensionID)
	}
}

func TestInstallWritesWasmSidecar(t *testing.T) {
	m := baseManifest()
	m.Binaries = map[string]string{"wasm": "binaries/wasm/extension.wasm"}
	data := buildTestPackage(t, m, []byte("\x00asm"), "binaries/wasm/extension.wasm")
	pkg, err := PackageFromBytes(data)
	if err != nil {
		t.Fatalf("PackageFromBytes: %v", err)
	}

	dir := t.TempDir()
	result, err := pkg.Install(dir)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	sidecarPath := result.BinaryPath[:len(result.BinaryPath)-len(filepath.Ext(result.BinaryPath))] + ".json"
	if _, err := os.Stat(sidecarPath); err != nil {
		t.Errorf("expected wasm sidecar at %s: %v", sidecarPath, err)
	}
}

func TestUninstallRemovesExtensionDirectory(t *testing.T) {
	data := buildTestPackage(t, baseManifest(), []byte("bin"), "binaries/"+DetectPlatform()+"/extension.so")
	pkg, err := PackageFromBytes(data)
	if err != nil {
		t.Fatalf("PackageFromBytes: %v", err)
	}
	dir := t.TempDir()
	if _, err := pkg.Install(dir); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Uninstall(dir, "acme-sensor"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "acme-sensor")); !os.IsNotExist(err) {
		t.Errorf("expected extension directory removed, stat err=%v", err)
	}
}
