package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	stateDir := t.TempDir()
	path := writeConfig(t, `
builder:
  hostname: x86-csail-01.debian.org
distributions: [sid, experimental]
slots:
  - id: amd64-1
    arch: amd64
    backend: sid-amd64-sbuild
  - id: i386-1
    arch: i386
    backend: sid-i386-sbuild
  - id: amd64-2
    arch: amd64
    backend: sid-amd64-sbuild-2
dispatch:
  lookahead: 1
  idle_sleep: 5s
state:
  dir: `+stateDir+`
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "wb-buildd", cfg.Authority.SSHUser)
	assert.Equal(t, "buildd.debian.org", cfg.Authority.SSHHost)
	assert.Equal(t, []string{"sid", "experimental"}, cfg.Distributions)
	assert.Equal(t, 1, cfg.Dispatch.Lookahead)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.IdleSleep)
	assert.Equal(t, []string{"amd64", "i386"}, cfg.Architectures())
	assert.Equal(t, "x86-csail-01", cfg.ShortHostname())
	assert.Equal(t, filepath.Join(stateDir, "NO-DAEMON-PLEASE"), cfg.State.DrainFile)
	assert.Equal(t, "rsync-ftp-master", cfg.Upload.Targets["debian"])
}

func TestLoadEnvFileOverridesAuthority(t *testing.T) {
	path := writeConfig(t, `
slots:
  - {id: a1, arch: amd64, backend: sid-amd64-sbuild}
`)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BUILDD_SSH_HOST=wb.example.org\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("BUILDD_SSH_HOST") })

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "wb.example.org", cfg.Authority.SSHHost)
}

func TestValidateFatalConditions(t *testing.T) {
	t.Run("no slots", func(t *testing.T) {
		cfg := Default()
		assert.ErrorIs(t, cfg.Validate(), ErrNoSlots)
	})

	t.Run("no authority", func(t *testing.T) {
		cfg := Default()
		cfg.Slots = []SlotConfig{{ID: "a", Arch: "amd64", Backend: "b"}}
		cfg.Authority.SSHHost = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoAuthority)
	})

	t.Run("invalid values", func(t *testing.T) {
		cfg := Default()
		cfg.Slots = []SlotConfig{
			{ID: "a", Arch: "amd64", Backend: "b"},
			{ID: "a", Arch: "", Backend: "b"},
		}
		cfg.Dispatch.Lookahead = -1
		cfg.Retry.Report.Mode = "random"
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "duplicate id")
		assert.Contains(t, err.Error(), "arch is required")
		assert.Contains(t, err.Error(), "lookahead")
		assert.Contains(t, err.Error(), "unknown mode")
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}
