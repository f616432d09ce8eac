package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TempDir manages a staging directory for a release install.
type TempDir struct {
	root      string
	downloads string
	created   time.Time
}

// NewTempDir creates a staging directory structure under base (os.TempDir when
// empty):
//
//	{base}/botctl-{component}-{version}-{timestamp}/
//	  downloads/  - release asset, checksum and signature files
//	  extract/    - unpacked asset before it replaces the install dir
//
// The caller is responsible for cleaning up by calling Remove().
func NewTempDir(base, component, version string) (*TempDir, error) {
	if component == "" {
		return nil, fmt.Errorf("component cannot be empty")
	}
	if version == "" {
		return nil, fmt.Errorf("version cannot be empty")
	}
	if base == "" {
		base = os.TempDir()
	}

	timestamp := time.Now().Format("20060102T150405.000")
	root := filepath.Join(base, fmt.Sprintf("botctl-%s-%s-%s", component, sanitize(version), timestamp))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	downloads := filepath.Join(root, "downloads")
	if err := os.MkdirAll(downloads, 0o755); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create downloads directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "extract"), 0o755); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create extract directory: %w", err)
	}

	return &TempDir{root: root, downloads: downloads, created: time.Now()}, nil
}

func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r == '/' || r == '\\' || r == ':' {
			out[i] = '_'
		}
	}
	return string(out)
}

// Root returns the root temporary directory path.
func (t *TempDir) Root() string {
	return t.root
}

// Downloads returns the directory release files are downloaded into.
func (t *TempDir) Downloads() string {
	return t.downloads
}

// Extract returns the directory the asset is unpacked into.
func (t *TempDir) Extract() string {
	if t.root == "" {
		return ""
	}
	return filepath.Join(t.root, "extract")
}

// Remove deletes the temporary directory and all its contents. It does not
// fail if the directory is already gone.
func (t *TempDir) Remove() error {
	if t.root == "" {
		return nil
	}
	if _, err := os.Stat(t.root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(t.root); err != nil {
		return fmt.Errorf("failed to remove temp directory %s: %w", t.root, err)
	}
	return nil
}

// Age returns how long ago the temporary directory was created.
func (t *TempDir) Age() time.Duration {
	return time.Since(t.created)
}
