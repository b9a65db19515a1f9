package workspace

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmux/agentmux/internal/common/fsutil"
)

const attachmentsDir = ".attachments"

// Attachment is an inline payload supplied at agent creation. Kind "image"
// carries a base64 data URL, kind "file" carries plain text.
type Attachment struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SaveAttachments writes attachments into {dir}/.attachments/ with sanitized
// filenames and returns a prompt prefix telling the agent to read them first.
// Returns "" when nothing was saved. Unsupported kinds are skipped.
func SaveAttachments(dir string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	target := filepath.Join(dir, attachmentsDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}

	var saved []string
	for i, att := range attachments {
		name := fsutil.SanitizeFilename(att.Name, fmt.Sprintf("attachment-%d", i))
		var data []byte
		switch att.Kind {
		case "image":
			decoded, err := decodeDataURL(att.Content)
			if err != nil {
				return "", fmt.Errorf("decode image %q: %w", att.Name, err)
			}
			data = decoded
		case "file":
			data = []byte(att.Content)
		default:
			continue
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(target, name), data, 0o644); err != nil {
			return "", fmt.Errorf("write attachment %q: %w", name, err)
		}
		saved = append(saved, name)
	}
	if len(saved) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("The following files were attached to this request and saved under ./" + attachmentsDir + "/:\n")
	for _, name := range saved {
		b.WriteString("- " + attachmentsDir + "/" + name + "\n")
	}
	b.WriteString("Read them before responding.\n\n")
	return b.String(), nil
}

// decodeDataURL accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
