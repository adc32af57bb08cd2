package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frames"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing subdirectory", filepath.Join(root, "frames"), false},
		{"new file in subdirectory", filepath.Join(root, "frames", "cloud_000000.npy"), false},
		{"new nested directory", filepath.Join(root, "a", "b", "c"), false},
		{"root itself", root, false},
		{"parent traversal", filepath.Join(root, "..", "elsewhere"), true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, root)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathEscape)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	err := ValidatePathWithinDirectory(filepath.Join(link, "new.npy"), root)
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestValidateOutputDir(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidateOutputDir(filepath.Join(b, "out"), []string{a, b}))
	assert.ErrorIs(t, ValidateOutputDir("/proc/out", []string{a, b}), ErrPathEscape)
	assert.NoError(t, ValidateOutputDir(filepath.Join(os.TempDir(), "relay-out"), nil))
}

func TestJoinFilename(t *testing.T) {
	p, err := JoinFilename("/out", "cloud_000001_1.000000.npy")
	require.NoError(t, err)
	assert.Equal(t, "/out/cloud_000001_1.000000.npy", p)

	for _, bad := range []string{"", ".", "..", "../x.npy", "sub/x.npy"} {
		_, err := JoinFilename("/out", bad)
		assert.ErrorIs(t, err, ErrPathEscape, bad)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":             "unknown",
		"site 1/north": "site_1_north",
		"__run__":      "run",
		"rs-em4.front": "rs-em4.front",
		"a   b":        "a_b",
		"../../etc":    "etc",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
