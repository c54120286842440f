package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain file", filepath.Join(dir, "cooldown.db"), false},
		{"nested new file", filepath.Join(dir, "runs", "d7.db"), false},
		{"dot dot inside", filepath.Join(dir, "runs", "..", "d7.db"), false},
		{"parent", filepath.Join(dir, "..", "escape.db"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.db"), dir); err == nil {
		t.Error("expected a symlinked directory outside dir to be rejected")
	}
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	if err := ValidatePathWithinDirectory("x.db", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gate sweep", "gate_sweep"},
		{"vg/vsd map", "vg_vsd_map"},
		{"a  b", "a_b"},
		{"../../etc", "etc"},
		{"run-1.v2", "run-1.v2"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SanitizeFilename(strings.Repeat("x", 500)); len(got) != maxFilenameLen {
		t.Errorf("len = %d, want %d", len(got), maxFilenameLen)
	}
}
