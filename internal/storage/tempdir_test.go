package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTempDir(t *testing.T) {
	tests := []struct {
		name        string
		component   string
		version     string
		wantErr     bool
		errContains string
	}{
		{name: "valid napcat", component: "napcat", version: "v4.8.1"},
		{name: "branch style version", component: "main", version: "origin/main"},
		{name: "empty component", version: "1.0.0", wantErr: true, errContains: "component cannot be empty"},
		{name: "empty version", component: "main", wantErr: true, errContains: "version cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			td, err := NewTempDir(base, tt.component, tt.version)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("NewTempDir() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTempDir() unexpected error: %v", err)
			}
			defer func() {
				if err := td.Remove(); err != nil {
					t.Errorf("Remove() error: %v", err)
				}
			}()

			if filepath.Dir(td.Root()) != base {
				t.Errorf("expected root under %s, got %s", base, td.Root())
			}
			for _, dir := range []string{td.Root(), td.Downloads(), td.Extract()} {
				if info, err := os.Stat(dir); err != nil || !info.IsDir() {
					t.Errorf("expected directory %s: %v", dir, err)
				}
			}
			if !strings.Contains(filepath.Base(td.Root()), "botctl-"+tt.component) {
				t.Errorf("unexpected root name %s", td.Root())
			}
			if td.Age() < 0 {
				t.Errorf("negative age %v", td.Age())
			}
		})
	}
}

func TestTempDirRemove_Idempotent(t *testing.T) {
	td, err := NewTempDir(t.TempDir(), "napcat", "1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(td.Downloads(), "asset.zip"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := td.Remove(); err != nil {
		t.Fatalf("first Remove() error: %v", err)
	}
	if _, err := os.Stat(td.Root()); !os.IsNotExist(err) {
		t.Errorf("expected root to be gone, got %v", err)
	}
	if err := td.Remove(); err != nil {
		t.Errorf("second Remove() error: %v", err)
	}

	var zero TempDir
	if err := zero.Remove(); err != nil || zero.Extract() != "" {
		t.Errorf("zero TempDir should be inert")
	}
}
