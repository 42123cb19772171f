package extension

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PackageFormat and PackageFormatVersion identify a .nep archive's
// manifest schema, grounded on original_source's
// PACKAGE_FORMAT/PACKAGE_FORMAT_VERSION constants.
const (
	PackageFormat        = "neomind-extension-package"
	PackageFormatVersion = "1.0"
)

// Manifest describes a .nep package's metadata and platform binaries.
type Manifest struct {
	Format        string            `json:"format"`
	FormatVersion string            `json:"format_version"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Version       string            `json:"version"`
	Author        string            `json:"author,omitempty"`
	License       string            `json:"license,omitempty"`
	Homepage      string            `json:"homepage,omitempty"`
	Binaries      map[string]string `json:"binaries"`
	Permissions   []string          `json:"permissions,omitempty"`
	ExtensionType string            `json:"type,omitempty"`
}

// Package is a parsed, in-memory .nep archive ready for installation.
type Package struct {
	SourcePath string
	Manifest   Manifest
	Checksum   string
	Size       int64
	data       []byte
}

// InstallResult describes where a package's files landed on disk.
type InstallResult struct {
	ExtensionID string
	Version     string
	BinaryPath  string
	ManifestPath string
	Checksum    string
}

// LoadPackage reads and validates a .nep file from path without
// installing it.
//
// Grounded on original_source/crates/neomind-core/src/extension/package.rs's
// ExtensionPackage::load; Go's stdlib archive/zip replaces the Rust
// `zip` crate since no third-party ZIP reader appears anywhere in this
// repository's dependency pack.
func LoadPackage(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", path, err)
	}
	pkg, err := PackageFromBytes(data)
	if err != nil {
		return nil, err
	}
	pkg.SourcePath = path
	return pkg, nil
}

// PackageFromBytes parses a .nep archive already held in memory.
func PackageFromBytes(data []byte) (*Package, error) {
	sum := sha256.Sum256(data)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open package zip: %w", err)
	}

	manifestContent, err := readZipFile(zr, "manifest.json")
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}

	return &Package{
		Manifest: manifest,
		Checksum: hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
		data:     data,
	}, nil
}

func validateManifest(m *Manifest) error {
	if m.Format != PackageFormat {
		return fmt.Errorf("expected package format %q, got %q", PackageFormat, m.Format)
	}
	if m.FormatVersion != PackageFormatVersion {
		return fmt.Errorf("package format version %q is incompatible with %q", m.FormatVersion, PackageFormatVersion)
	}
	if m.ID == "" {
		return fmt.Errorf("manifest missing extension id")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing extension version")
	}
	return nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found in package: %w", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// DetectPlatform returns the binaries/ key for the host platform,
// matching original_source's darwin_aarch64/darwin_x86_64/linux_amd64/
// linux_arm64/windows_amd64 naming.
func DetectPlatform() string {
	switch runtime.GOOS + "_" + runtime.GOARCH {
	case "darwin_arm64":
		return "darwin_aarch64"
	case "darwin_amd64":
		return "darwin_x86_64"
	case "linux_amd64":
		return "linux_amd64"
	case "linux_arm64":
		return "linux_arm64"
	case "windows_amd64":
		return "windows_amd64"
	default:
		return runtime.GOOS + "_" + runtime.GOARCH
	}
}

// BinaryPath returns the archive-relative path of the binary for the
// current platform, falling back to the universal "wasm" entry.
func (p *Package) BinaryPath() (string, bool) {
	if path, ok := p.Manifest.Binaries[DetectPlatform()]; ok {
		return path, true
	}
	path, ok := p.Manifest.Binaries["wasm"]
	return path, ok
}

// Install extracts manifest.json and the current platform's binary
// into targetDir/<extension-id>/, writing a WASM sidecar JSON when the
// extracted binary is a .wasm module; LoadFromPath takes the extension id
// from that sidecar without re-opening the archive (its other fields are
// not read).
func (p *Package) Install(targetDir string) (*InstallResult, error) {
	extDir := filepath.Join(targetDir, p.Manifest.ID)
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extension directory: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(p.data), int64(len(p.data)))
	if err != nil {
		return nil, fmt.Errorf("open package zip: %w", err)
	}

	manifestPath := filepath.Join(extDir, "manifest.json")
	if err := extractZipFile(zr, "manifest.json", manifestPath); err != nil {
		return nil, err
	}

	relPath, ok := p.BinaryPath()
	if !ok {
		return nil, fmt.Errorf("no binary available for platform %s", DetectPlatform())
	}
	binaryPath := filepath.Join(extDir, filepath.Base(relPath))
	if err := extractZipFile(zr, relPath, binaryPath); err != nil {
		return nil, err
	}

	if strings.HasSuffix(binaryPath, ".wasm") {
		sidecarPath := strings.TrimSuffix(binaryPath, ".wasm") + ".json"
		if err := p.writeWasmSidecar(sidecarPath); err != nil {
			return nil, err
		}
	}

	if p.Manifest.ExtensionType == "" {
		p.Manifest.ExtensionType = "native"
	}

	return &InstallResult{
		ExtensionID:  p.Manifest.ID,
		Version:      p.Manifest.Version,
		BinaryPath:   binaryPath,
		ManifestPath: manifestPath,
		Checksum:     p.Checksum,
	}, nil
}

func extractZipFile(zr *zip.Reader, srcPath, dstPath string) error {
	content, err := readZipFile(zr, srcPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", dstPath, err)
	}
	if err := os.WriteFile(dstPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return nil
}

func (p *Package) writeWasmSidecar(path string) error {
	sidecar := map[string]any{
		"id":        p.Manifest.ID,
		"name":      p.Manifest.Name,
		"version":   p.Manifest.Version,
		"file_path": p.SourcePath,
	}
	content, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wasm sidecar: %w", err)
	}
	return os.WriteFile(path, content, 0o644)
}

// Uninstall removes an installed extension's directory.
func Uninstall(installDir, extensionID string) error {
	return os.RemoveAll(filepath.Join(installDir, extensionID))
}
