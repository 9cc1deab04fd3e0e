package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papforge/pap/pkg/api"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10_000, cfg.Engine.GracePeriodMS)
	assert.Empty(t, cfg.Storage.Root)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pap.yaml", `
server:
  address: ":9999"
storage:
  root: /var/lib/pap
engine:
  default_timeout_ms: 30000
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "/var/lib/pap", cfg.Storage.Root)
	assert.Equal(t, 30_000, cfg.Engine.DefaultTimeoutMS)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAP_ADDR", ":7070")
	t.Setenv("PAP_LOG_LEVEL", "warn")
	t.Setenv("PAP_STORE_ROOT", "/tmp/store")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/store", cfg.Storage.Root)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pap.yaml", "logging:\n  level: loud\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestPolicyModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "limits.rego", "package pap.admission\n")
	writeFile(t, dir, "notes.txt", "ignored")

	cfg := &Config{Policy: PolicyConfig{Dir: dir}}
	modules, err := cfg.PolicyModules()
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Contains(t, modules, "limits.rego")
}

func TestPolicyModulesMissingDir(t *testing.T) {
	cfg := &Config{Policy: PolicyConfig{Dir: filepath.Join(t.TempDir(), "absent")}}
	modules, err := cfg.PolicyModules()
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestLoadSpec(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "triage.yaml", `
name: firmware-triage
jobs:
  - name: unpack
    steps:
      - name: extract
        kind: process
        process:
          command: /usr/bin/unpack
`)

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "firmware-triage", spec.Name)
	require.Len(t, spec.Jobs, 1)
	assert.Equal(t, api.StepProcess, spec.Jobs[0].Steps[0].Kind)
}

func TestLoadSpecDefaultsNameFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nightly.yaml", `
jobs:
  - name: scan
    steps:
      - name: run
        kind: process
        process:
          command: /bin/true
`)

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", spec.Name)
}

func TestLoadSubmitContextBundlesBinaries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.bin"), []byte{0xde, 0xad, 0xbe, 0xef, 0x01}, 0o600))
	path := writeFile(t, dir, "campaign.yaml", `
name: campaign
projects:
  - name: fw
    binary: fw.bin
    arch: armv7
    loader:
      base_address: 0x8000000
      stack_address: 0x20001000
jobs:
  - name: fuzz
    steps:
      - name: hunt
        kind: fuzz
        fuzz:
          project: fw
          function: "0x8000100"
          max_iterations: 1000
`)

	sub, err := LoadSubmitContext(path)
	require.NoError(t, err)
	require.Contains(t, sub.Files, "fw.bin")
	assert.Len(t, sub.Files["fw.bin"], 5)
	require.Len(t, sub.Spec.Projects, 1)
	assert.Equal(t, uint64(0x8000000), sub.Spec.Projects[0].Loader.BaseAddress)
}

func TestLoadSubmitContextMissingBinary(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "campaign.yaml", `
name: campaign
projects:
  - name: fw
    binary: missing.bin
jobs:
  - name: fuzz
    steps:
      - name: hunt
        kind: fuzz
        fuzz:
          project: fw
          function: "0x1000"
`)

	_, err := LoadSubmitContext(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fw")
}
