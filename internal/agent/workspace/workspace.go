// Package workspace provisions per-agent scratch directories and builds the
// child process environment.
//
// A workspace contains a symlinked shared-context directory, an optional
// symlinked persistent-repos directory, a generated instructions file and a
// short-lived per-agent service token. Server-only secrets never enter the
// child environment; forwarding is allowlist-based.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/fsutil"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	sharedContextLink = "shared-context"
	reposLink         = "repos"
	instructionsFile  = "AGENT_INSTRUCTIONS.md"
	tokenFile         = ".agentmux-token"
)

// envAllowlist names parent environment variables forwarded to children:
// runtime basics, locale, and integration tokens agents are permitted to use.
var envAllowlist = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"TMPDIR",
	"LANG",
	"LC_ALL",
	"TZ",
	"NODE_OPTIONS",
	"ANTHROPIC_API_KEY",
	"GH_TOKEN",
	"GITHUB_TOKEN",
}

// serverOnlyEnv lists variables that must never be forwarded even if a
// misconfigured deployment adds them to the allowlist.
var serverOnlyEnv = map[string]bool{
	"AGENTMUX_AUTH_JWT_SECRET":       true,
	"AGENTMUX_ADMIN_KEY":             true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
	"AWS_SECRET_ACCESS_KEY":          true,
}

// Config controls provisioning.
type Config struct {
	RootDir          string
	SharedContextDir string
	ReposDir         string
	TokenTTL         time.Duration
	ServerPort       int
}

// Provisioner creates and refreshes agent workspaces.
type Provisioner struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	tokens  map[string]string // agentID -> current service token
	stopCh  chan struct{}
	stopped sync.Once
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg Config, log *logger.Logger) *Provisioner {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Provisioner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workspace")),
		tokens: make(map[string]string),
		stopCh: make(chan struct{}),
	}
}

// WorkspaceDir returns the directory assigned to an agent.
func (p *Provisioner) WorkspaceDir(agentID string) string {
	return filepath.Join(p.cfg.RootDir, agentID)
}

// EnsureWorkspace creates the scratch directory, links shared resources into
// it, writes the instructions file and rotates the service token. Calling it
// twice leaves identical filesystem state modulo the token.
func (p *Provisioner) EnsureWorkspace(dir, agentName, agentID string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}

	if p.cfg.SharedContextDir != "" {
		if err := ensureSymlink(p.cfg.SharedContextDir, filepath.Join(dir, sharedContextLink)); err != nil {
			p.logger.Warn("shared context symlink failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if p.cfg.ReposDir != "" {
		if err := ensureSymlink(p.cfg.ReposDir, filepath.Join(dir, reposLink)); err != nil {
			p.logger.Warn("repos symlink failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	instructions := p.renderInstructions(agentName, agentID)
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, instructionsFile), []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}

	if err := p.rotateToken(dir, agentID); err != nil {
		return fmt.Errorf("write service token: %w", err)
	}
	return nil
}

// rotateToken generates a fresh token and writes it atomically with 0600.
func (p *Provisioner) rotateToken(dir, agentID string) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, tokenFile), []byte(token), 0o600); err != nil {
		return err
	}
	p.mu.Lock()
	p.tokens[agentID] = token
	p.mu.Unlock()
	return nil
}

// StartTokenRefresh rotates the token of every live workspace on the
// configured interval until Stop. live reports the agent ids that still exist.
func (p *Provisioner) StartTokenRefresh(live func() []string) {
	go func() {
		ticker := time.NewTicker(p.cfg.TokenTTL)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				for _, id := range live() {
					dir := p.WorkspaceDir(id)
					if _, err := os.Stat(dir); err != nil {
						continue
					}
					if err := p.rotateToken(dir, id); err != nil {
						p.logger.Warn("token refresh failed", zap.String("agent_id", id), zap.Error(err))
					}
				}
			}
		}
	}()
}

// Stop halts the refresh loop.
func (p *Provisioner) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
}

// ForgetAgent drops the cached token after teardown.
func (p *Provisioner) ForgetAgent(agentID string) {
	p.mu.Lock()
	delete(p.tokens, agentID)
	p.mu.Unlock()
}

// RemoveWorkspace deletes an agent's workspace tree.
func (p *Provisioner) RemoveWorkspace(agentID string) error {
	dir := p.WorkspaceDir(agentID)
	if !strings.HasPrefix(dir, p.cfg.RootDir) || dir == p.cfg.RootDir {
		return fmt.Errorf("refusing to remove %s outside workspace root", dir)
	}
	return os.RemoveAll(dir)
}

// PruneStale removes workspace directories whose agent id is not in keep.
func (p *Provisioner) PruneStale(keep map[string]bool) {
	entries, err := os.ReadDir(p.cfg.RootDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		p.logger.Info("pruning stale workspace", zap.String("agent_id", entry.Name()))
		if err := os.RemoveAll(filepath.Join(p.cfg.RootDir, entry.Name())); err != nil {
			p.logger.Warn("stale workspace removal failed", zap.String("dir", entry.Name()), zap.Error(err))
		}
	}
}

// BuildEnv returns the child environment: allowlisted parent variables, the
// agent's fresh service token, and the keys that disable nested-session
// detection inside the child CLI.
func (p *Provisioner) BuildEnv(agentID string) []string {
	env := make([]string, 0, len(envAllowlist)+4)
	for _, key := range envAllowlist {
		if serverOnlyEnv[key] {
			continue
		}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}

	p.mu.Lock()
	token := p.tokens[agentID]
	p.mu.Unlock()
	if token == "" {
		if t, err := newToken(); err == nil {
			token = t
			p.mu.Lock()
			p.tokens[agentID] = token
			p.mu.Unlock()
		}
	}
	env = append(env, "AGENTMUX_AGENT_ID="+agentID)
	env = append(env, "AGENTMUX_AGENT_TOKEN="+token)

	// The CLI refuses to start when it detects it is already inside an agent
	// session; these two keys disable that detection for supervised children.
	env = append(env, "CLAUDECODE=")
	env = append(env, "CLAUDE_CODE_ENTRYPOINT=agentmux")
	return env
}

func (p *Provisioner) renderInstructions(agentName, agentID string) string {
	var b strings.Builder
	b.WriteString("# Agent environment\n\n")
	fmt.Fprintf(&b, "You are agent %q (id %s) supervised by agentmux.\n\n", agentName, agentID)
	b.WriteString("- Shared context (read-only): ./" + sharedContextLink + "\n")
	if p.cfg.ReposDir != "" {
		b.WriteString("- Persistent repositories: ./" + reposLink + "\n")
	}
	b.WriteString("- Your service token: ./" + tokenFile + " (rotates hourly)\n\n")
	fmt.Fprintf(&b, "The control API listens on localhost:%d. Authenticate with the\n", p.cfg.ServerPort)
	b.WriteString("service token as a bearer token. You can post messages to other agents,\n")
	b.WriteString("query your inbox, and submit task results through it.\n")
	return b.String()
}

func ensureSymlink(target, link string) error {
	existing, err := os.Readlink(link)
	if err == nil && existing == target {
		return nil
	}
	if err == nil || !os.IsNotExist(err) {
		_ = os.Remove(link)
	}
	return os.Symlink(target, link)
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "amx_" + hex.EncodeToString(buf), nil
}
