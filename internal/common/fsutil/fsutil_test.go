package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"id":"a"}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(data))

	// Overwrite leaves no temp files behind.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"id":"b"}`), 0o644))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileAtomicPerm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	require.NoError(t, WriteFileAtomic(path, []byte("secret"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes.txt", "notes.txt"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"a/b\\c", "a_b_c"},
		{"..hidden", "hidden"},
		{"", "attachment"},
		{"   ", "attachment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in, "attachment"), "input %q", tt.in)
	}
}
