package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/openflash/n54ecu/pkg/config"
)

const sampleINI = `
[transport]
driver = rawsocketcan
channel = can0
bitrate = 500000

[variant]
id = MSD80
base_addr = 0x800000
size = 0x200000

[timing]
p2 = 50
p2_star = 5000
block_size_override = 256

[safety]
require_explicit_warning_ack = true
backup_store_path = /var/lib/n54flash/backups
forbid_missing_backup = true

[security]
algorithm_order = A, B, RFTX
lockout_backoff_ms = 10000
`

func load(t *testing.T, raw string) *config.Config {
	t.Helper()
	f, err := ini.Load([]byte(raw))
	require.NoError(t, err)
	cfg, err := config.FromFile(f)
	require.NoError(t, err)
	return cfg
}

func TestFromFileParsesFullSchema(t *testing.T) {
	cfg := load(t, sampleINI)

	assert.Equal(t, "rawsocketcan", cfg.Transport.Driver)
	assert.Equal(t, "can0", cfg.Transport.Channel)
	assert.Equal(t, 500000, cfg.Transport.Bitrate)

	assert.Equal(t, "MSD80", cfg.Variant.ID)
	assert.Equal(t, uint32(0x800000), cfg.Variant.BaseAddr)
	assert.Equal(t, uint32(0x200000), cfg.Variant.Size)

	assert.Equal(t, int64(50000000), cfg.Timing.P2.Nanoseconds())
	require.NotNil(t, cfg.Timing.BlockSizeOverride)
	assert.Equal(t, 256, *cfg.Timing.BlockSizeOverride)
	assert.Nil(t, cfg.Timing.StMinOverride)

	assert.True(t, cfg.Safety.RequireExplicitWarningAck)
	assert.Equal(t, "/var/lib/n54flash/backups", cfg.Safety.BackupStorePath)
	assert.True(t, cfg.Safety.ForbidMissingBackup)

	assert.Equal(t, []string{"A", "B", "RFTX"}, cfg.Security.AlgorithmOrder)
	assert.Equal(t, 10000, cfg.Security.LockoutBackoffMs)
}

func TestFromFileAppliesTimingDefaultsWhenOmitted(t *testing.T) {
	const minimal = `
[transport]
driver = virtual

[variant]
id = MSD81

[safety]
backup_store_path = /tmp/backups

[security]
algorithm_order = A
`
	cfg := load(t, minimal)
	assert.Equal(t, "virtual", cfg.Transport.Driver)
	assert.Equal(t, int64(50)*1e6, cfg.Timing.P2.Nanoseconds())
	assert.Equal(t, int64(5)*1e9, cfg.Timing.P2Star.Nanoseconds())
	assert.Nil(t, cfg.Timing.BlockSizeOverride)
	assert.True(t, cfg.Safety.RequireExplicitWarningAck, "defaults to requiring explicit ack")
}

func TestFromFileRejectsMissingTransportDriver(t *testing.T) {
	f, err := ini.Load([]byte("[variant]\nid = MSD80\n"))
	require.NoError(t, err)
	_, err = config.FromFile(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver is required")
}

func TestFromFileRejectsMissingVariantID(t *testing.T) {
	f, err := ini.Load([]byte("[transport]\ndriver = virtual\n[safety]\nbackup_store_path = /tmp/x\n"))
	require.NoError(t, err)
	_, err = config.FromFile(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[variant] id is required")
}

func TestFromFileRejectsMissingBackupStorePath(t *testing.T) {
	f, err := ini.Load([]byte("[transport]\ndriver = virtual\n[variant]\nid = MSD80\n"))
	require.NoError(t, err)
	_, err = config.FromFile(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup_store_path is required")
}

func TestFromFileParsesCommaSeparatedAlgorithmOrderWithSpaces(t *testing.T) {
	f, err := ini.Load([]byte(`
[transport]
driver = virtual
[variant]
id = MSD80
[safety]
backup_store_path = /tmp/x
[security]
algorithm_order = A ,  C
`))
	require.NoError(t, err)
	cfg, err := config.FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, cfg.Security.AlgorithmOrder)
}
