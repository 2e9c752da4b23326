package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

const (
	nodeREDTemplate = "settings_default.js"
	nodeREDSettings = "settings.js"
)

var (
	usernamePattern = regexp.MustCompile(`username:\s*"[^"]*"`)
	passwordPattern = regexp.MustCompile(`password:\s*"[^"]*"`)
)

// NodeRED resets the editor's data volume and renders settings.js with
// the user's email as admin username and a bcrypt hash of it as password.
type NodeRED struct {
	volumes VolumeResetter
	cost    int
}

func NewNodeRED(volumes VolumeResetter) *NodeRED {
	return &NodeRED{volumes: volumes, cost: bcrypt.DefaultCost}
}

func (n *NodeRED) Provision(ctx context.Context, req Request) (map[string]string, error) {
	if req.Dir == "" {
		return nil, fmt.Errorf("node-red: hook_dir is required")
	}

	for _, name := range namedVolumes(req.Volumes) {
		if err := n.volumes.ResetVolume(ctx, name); err != nil {
			return nil, fmt.Errorf("node-red: %w", err)
		}
	}

	tmpl, err := os.ReadFile(filepath.Join(req.Dir, nodeREDTemplate))
	if err != nil {
		return nil, fmt.Errorf("node-red: read settings template: %w", err)
	}

	identity := req.User.Identity()
	hash, err := bcrypt.GenerateFromPassword([]byte(identity), n.cost)
	if err != nil {
		return nil, fmt.Errorf("node-red: hash password: %w", err)
	}

	settings := RenderNodeREDSettings(string(tmpl), identity, string(hash))
	if err := os.WriteFile(filepath.Join(req.Dir, nodeREDSettings), []byte(settings), 0o644); err != nil {
		return nil, fmt.Errorf("node-red: write settings: %w", err)
	}
	return nil, nil
}

// RenderNodeREDSettings replaces the username and password entries of a
// Node-RED settings file. Values are inserted literally.
func RenderNodeREDSettings(tmpl, username, passwordHash string) string {
	out := usernamePattern.ReplaceAllLiteralString(tmpl, fmt.Sprintf(`username: "%s"`, username))
	return passwordPattern.ReplaceAllLiteralString(out, fmt.Sprintf(`password: "%s"`, passwordHash))
}
