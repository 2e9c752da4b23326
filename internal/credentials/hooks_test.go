package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

type mockVolumes struct {
	resetFn func(ctx context.Context, name string) error
}

func (m *mockVolumes) ResetVolume(ctx context.Context, name string) error {
	return m.resetFn(ctx, name)
}

const settingsTemplate = `module.exports = {
    adminAuth: {
        type: "credentials",
        users: [{
            username: "admin",
            password: "$2a$08$zZWtXTja0fB1pzD4sHCMyOCMYz2Z6dNbM6tl8sJogENOMcxWV9DN.",
            permissions: "*"
        }]
    },
    uiPort: process.env.PORT || 1880,
}
`

// --- Registry tests ---

func TestRegistry_BuiltIns(t *testing.T) {
	r := NewRegistry(&mockVolumes{})
	assert.Equal(t, []string{"jupyter", "node-red"}, r.Names())

	_, ok := r.Lookup("node-red")
	assert.True(t, ok)
	_, ok = r.Lookup("ldap")
	assert.False(t, ok)
}

func TestRegistry_Require(t *testing.T) {
	r := NewRegistry(&mockVolumes{})
	assert.NoError(t, r.Require("node-red", "", "jupyter"))

	err := r.Require("node-red", "ldap", "kerberos")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ldap, kerberos")
	assert.Contains(t, err.Error(), "available: jupyter, node-red")
}

func TestNamedVolumes(t *testing.T) {
	got := namedVolumes([]string{
		"node-red-data:/data",
		"/dev/bus/usb:/dev/bus/usb:rw",
		"./flows:/flows",
		"cache:/cache:ro",
	})
	assert.Equal(t, []string{"node-red-data", "cache"}, got)
}

// --- Node-RED tests ---

func newTestNodeRED(v VolumeResetter) *NodeRED {
	n := NewNodeRED(v)
	n.cost = bcrypt.MinCost
	return n
}

func TestNodeRED_Provision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeREDTemplate), []byte(settingsTemplate), 0o644))

	var reset []string
	n := newTestNodeRED(&mockVolumes{resetFn: func(_ context.Context, name string) error {
		reset = append(reset, name)
		return nil
	}})

	env, err := n.Provision(context.Background(), Request{
		SessionID: "lab_1-202401011430",
		User:      models.User{ID: "u1", Email: "alice@example.com"},
		Dir:       dir,
		Volumes:   []string{"node-red-data:/data"},
	})
	require.NoError(t, err)
	assert.Empty(t, env)
	assert.Equal(t, []string{"node-red-data"}, reset)

	out, err := os.ReadFile(filepath.Join(dir, nodeREDSettings))
	require.NoError(t, err)
	settings := string(out)
	assert.Contains(t, settings, `username: "alice@example.com"`)
	assert.NotContains(t, settings, `username: "admin"`)
	assert.Contains(t, settings, `permissions: "*"`)

	m := regexp.MustCompile(`password: "([^"]*)"`).FindStringSubmatch(settings)
	require.Len(t, m, 2)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(m[1]), []byte("alice@example.com")))

	// The template stays untouched for the next session.
	tmpl, err := os.ReadFile(filepath.Join(dir, nodeREDTemplate))
	require.NoError(t, err)
	assert.Equal(t, settingsTemplate, string(tmpl))
}

func TestNodeRED_ResetFailureAborts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeREDTemplate), []byte(settingsTemplate), 0o644))
	n := newTestNodeRED(&mockVolumes{resetFn: func(context.Context, string) error {
		return errors.New("volume is in use")
	}})

	_, err := n.Provision(context.Background(), Request{User: models.User{Email: "a@b.c"}, Dir: dir, Volumes: []string{"data:/data"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume is in use")
	assert.NoFileExists(t, filepath.Join(dir, nodeREDSettings))
}

func TestNodeRED_MissingTemplate(t *testing.T) {
	n := newTestNodeRED(&mockVolumes{})
	_, err := n.Provision(context.Background(), Request{User: models.User{Email: "a@b.c"}, Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read settings template")
}

func TestNodeRED_MissingDir(t *testing.T) {
	_, err := newTestNodeRED(&mockVolumes{}).Provision(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook_dir is required")
}

func TestRenderNodeREDSettings_LiteralReplacement(t *testing.T) {
	// Hashes contain '$' which must not be read as group references.
	out := RenderNodeREDSettings(`username: "x", password: "y"`, "a$1@example.com", "$2a$10$abc")
	assert.Equal(t, `username: "a$1@example.com", password: "$2a$10$abc"`, out)
}

// --- Jupyter tests ---

func TestJupyter_Provision(t *testing.T) {
	j := NewJupyter()
	env, err := j.Provision(context.Background(), Request{User: models.User{ID: "u1", Email: "alice@example.com"}})
	require.NoError(t, err)
	require.Contains(t, env, EnvNotebookPassword)

	hash := env[EnvNotebookPassword]
	require.True(t, strings.HasPrefix(hash, "argon2:$argon2id$v=19$m=10240,t=10,p=8$"), hash)

	parts := strings.Split(strings.TrimPrefix(hash, "argon2:"), "$")
	require.Len(t, parts, 6)
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	require.NoError(t, err)
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	require.NoError(t, err)
	assert.Len(t, salt, 16)
	assert.Equal(t, argon2.IDKey([]byte("alice@example.com"), salt, 10, 10240, 8, 32), key)
}

func TestJupyter_HashIsSalted(t *testing.T) {
	j := NewJupyter()
	a, err := j.Hash("alice@example.com")
	require.NoError(t, err)
	b, err := j.Hash("alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
