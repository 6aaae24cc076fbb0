package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/vmi-recorder/platform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.StatsInterval)
	assert.Error(t, cfg.validate(), "a domain is required outside simulation")

	cfg.Simulate = true
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
domain: win10
data_dir: /var/lib/vmi
log_level: debug
stats_interval: 30s
events:
  ctrlregs: [cr3, cr4]
  ctrlreg_sync: true
  msrs: [0xc0000082]
  cpuid: true
altp2m:
  enabled: true
  watched_access: r--
  gfns: [0x100, 0x2000]
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, "win10", cfg.Domain)
	assert.Equal(t, "/var/lib/vmi", cfg.DataDir)
	assert.Equal(t, "rules", cfg.RulesDir, "unset keys keep their defaults")
	assert.Equal(t, 30*time.Second, cfg.StatsInterval)

	wantEvents := platform.EventsConfig{
		CtrlRegs:            []string{"cr3", "cr4"},
		CtrlRegSync:         true,
		CtrlRegOnChangeOnly: true,
		MSRs:                []uint32{0xc0000082},
		Cpuid:               true,
	}
	if diff := cmp.Diff(wantEvents, cfg.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, platform.AltP2MConfig{Enabled: true, WatchedAccess: "r--", GFNs: []uint64{0x100, 0x2000}}, cfg.AltP2M)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "domian: typo\n"))
	assert.Error(t, err, "unknown keys are rejected")

	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	cfg.Simulate = true
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.validate())

	cfg.LogLevel = "info"
	cfg.AltP2M.Enabled = true
	assert.Error(t, cfg.validate())
}
