package rig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rig/Hardware"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "rig.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 8, cfg.Valves())
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}, cfg.ValveLines())
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.toml")
	data := `
experiments_file = "exp.toml"

[devices]
simulate = false
valve_boards = 2
use_mfc = true

[devices.serial]
port = "/dev/ttyACM1"
valve_port = 3
poll_interval_ms = 10

[devices.serial.mfc_channels]
air = 4

[audio]
enabled = false
right_cue = "right.wav"

[log]
development = true
filter_len = 20
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, cfg.Devices.Simulate)
	assert.Equal(t, 16, cfg.Valves())
	assert.True(t, cfg.Devices.UseMFC)
	assert.Equal(t, "exp.toml", cfg.ExperimentsFile)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 20, cfg.Log.FilterLen)
	// 未给出的保持默认
	assert.Equal(t, "{animal}_%m-%d-%Y_%I-%M-%S_%p.csv", cfg.Log.Filename)

	sc := cfg.SerialConfig()
	assert.Equal(t, "/dev/ttyACM1", sc.Port)
	assert.Equal(t, 115200, sc.Baud)
	assert.Equal(t, byte(3), sc.ValvePort)
	assert.Equal(t, byte(4), sc.MFCChannels[Hardware.MFCAir])
	assert.Equal(t, 10*time.Millisecond, sc.PollInterval)

	assert.Equal(t, "right.wav", cfg.CueFiles()["r"])
	assert.Equal(t, "", cfg.CueFiles()["l"])
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[devices\n"), 0o644))
	_, err := LoadConfig(bad)
	assert.Error(t, err)

	zero := filepath.Join(dir, "zero.toml")
	require.NoError(t, os.WriteFile(zero, []byte("[devices]\nvalve_boards = 0\n"), 0o644))
	_, err = LoadConfig(zero)
	assert.ErrorContains(t, err, "valve_boards")

	pattern := filepath.Join(dir, "pattern.toml")
	require.NoError(t, os.WriteFile(pattern, []byte("[log]\nlog_filename = \"{animal}_%Q.csv\"\n"), 0o644))
	_, err = LoadConfig(pattern)
	assert.ErrorContains(t, err, "log_filename")
}

func TestCueTones(t *testing.T) {
	cfg := DefaultConfig()
	tones := cfg.CueTones(200 * time.Millisecond)
	require.Len(t, tones, 2)
	assert.Equal(t, 3000.0, tones["l"].Frequency)
	assert.Equal(t, 6000.0, tones["r"].Frequency)
	assert.Equal(t, 44100, tones["r"].SampleRate)
}
