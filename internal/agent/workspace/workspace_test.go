package workspace

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	root := t.TempDir()
	shared := filepath.Join(root, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	p := NewProvisioner(Config{
		RootDir:          filepath.Join(root, "workspaces"),
		SharedContextDir: shared,
		TokenTTL:         time.Hour,
		ServerPort:       8080,
	}, logger.Default())
	t.Cleanup(p.Stop)
	return p
}

func TestEnsureWorkspace(t *testing.T) {
	p := newTestProvisioner(t)
	dir := p.WorkspaceDir("a1")

	require.NoError(t, p.EnsureWorkspace(dir, "builder", "a1"))

	link, err := os.Readlink(filepath.Join(dir, sharedContextLink))
	require.NoError(t, err)
	assert.Equal(t, p.cfg.SharedContextDir, link)

	instructions, err := os.ReadFile(filepath.Join(dir, instructionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(instructions), `"builder"`)

	info, err := os.Stat(filepath.Join(dir, tokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err := os.ReadFile(filepath.Join(dir, tokenFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(token), "amx_"))
}

func TestEnsureWorkspaceIdempotent(t *testing.T) {
	p := newTestProvisioner(t)
	dir := p.WorkspaceDir("a1")

	require.NoError(t, p.EnsureWorkspace(dir, "builder", "a1"))
	first, err := os.ReadFile(filepath.Join(dir, tokenFile))
	require.NoError(t, err)

	require.NoError(t, p.EnsureWorkspace(dir, "builder", "a1"))
	second, err := os.ReadFile(filepath.Join(dir, tokenFile))
	require.NoError(t, err)

	// Same layout, rotated token.
	assert.NotEqual(t, string(first), string(second))
	_, err = os.Readlink(filepath.Join(dir, sharedContextLink))
	assert.NoError(t, err)
}

func TestBuildEnvAllowlist(t *testing.T) {
	p := newTestProvisioner(t)
	require.NoError(t, p.EnsureWorkspace(p.WorkspaceDir("a1"), "builder", "a1"))

	t.Setenv("AGENTMUX_AUTH_JWT_SECRET", "server-secret")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/creds.json")
	t.Setenv("PATH", "/usr/bin")

	env := p.BuildEnv("a1")
	joined := strings.Join(env, "\n")

	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.NotContains(t, joined, "server-secret")
	assert.NotContains(t, joined, "/creds.json")
	assert.Contains(t, joined, "AGENTMUX_AGENT_ID=a1")
	assert.Contains(t, joined, "CLAUDE_CODE_ENTRYPOINT=agentmux")

	var token string
	for _, kv := range env {
		if strings.HasPrefix(kv, "AGENTMUX_AGENT_TOKEN=") {
			token = strings.TrimPrefix(kv, "AGENTMUX_AGENT_TOKEN=")
		}
	}
	require.NotEmpty(t, token)

	onDisk, err := os.ReadFile(filepath.Join(p.WorkspaceDir("a1"), tokenFile))
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), token)
}

func TestRemoveWorkspaceRefusesRoot(t *testing.T) {
	p := newTestProvisioner(t)
	require.NoError(t, os.MkdirAll(p.cfg.RootDir, 0o755))

	err := p.RemoveWorkspace("")
	assert.Error(t, err)

	err = p.RemoveWorkspace("../outside")
	assert.Error(t, err)
}

func TestPruneStale(t *testing.T) {
	p := newTestProvisioner(t)
	require.NoError(t, p.EnsureWorkspace(p.WorkspaceDir("live"), "a", "live"))
	require.NoError(t, p.EnsureWorkspace(p.WorkspaceDir("dead"), "b", "dead"))

	p.PruneStale(map[string]bool{"live": true})

	_, err := os.Stat(p.WorkspaceDir("live"))
	assert.NoError(t, err)
	_, err = os.Stat(p.WorkspaceDir("dead"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveAttachments(t *testing.T) {
	dir := t.TempDir()
	payload := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})

	prefix, err := SaveAttachments(dir, []Attachment{
		{Kind: "image", Name: "shot.png", Content: "data:image/png;base64," + payload},
		{Kind: "file", Name: "../notes.txt", Content: "hello"},
		{Kind: "bogus", Name: "skip.bin", Content: "x"},
	})
	require.NoError(t, err)

	assert.Contains(t, prefix, ".attachments/shot.png")
	assert.Contains(t, prefix, "Read them before responding.")
	assert.NotContains(t, prefix, "skip.bin")

	img, err := os.ReadFile(filepath.Join(dir, attachmentsDir, "shot.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, img)

	// Path traversal in the name is neutralized.
	entries, err := os.ReadDir(filepath.Join(dir, attachmentsDir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "..")
	}
	txt, err := os.ReadFile(filepath.Join(dir, attachmentsDir, "_notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(txt))
}

func TestSaveAttachmentsEmpty(t *testing.T) {
	prefix, err := SaveAttachments(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, prefix)
}

func TestSaveAttachmentsBadImage(t *testing.T) {
	_, err := SaveAttachments(t.TempDir(), []Attachment{
		{Kind: "image", Name: "x.png", Content: "data:image/png;base64,%%%"},
	})
	assert.Error(t, err)
}
