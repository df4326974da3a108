package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amdtpxmitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sample_rate_hz: 44100\nisoch_channel: 7\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 44100, cfg.SampleRateHz)
	require.Equal(t, 7, cfg.IsochChannel)
	require.Equal(t, Defaults().NumGroups, cfg.NumGroups)
}

func TestValidateRejectsBadStyle(t *testing.T) {
	cfg := Defaults()
	cfg.Style = "not_a_style"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPowerOfTwoRingCapacity(t *testing.T) {
	cfg := Defaults()
	cfg.RingCapacity = 100
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsIntervalNotDividingNumGroups(t *testing.T) {
	cfg := Defaults()
	cfg.NumGroups = 10
	cfg.CallbackGroupInterval = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTooFewGroupsForInterval(t *testing.T) {
	cfg := Defaults()
	cfg.NumGroups = 2
	cfg.CallbackGroupInterval = 1
	require.Error(t, cfg.Validate())
}

func TestRegisterFlagsOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &cfg)

	require.NoError(t, fs.Parse([]string{"--sample-rate=44100", "--syt-style=apple_dda"}))
	require.Equal(t, 44100, cfg.SampleRateHz)
	require.Equal(t, "apple_dda", cfg.Style)
}

func TestTransmitterConfigProjectsFields(t *testing.T) {
	cfg := Defaults()
	tc := cfg.TransmitterConfig()
	require.Equal(t, cfg.SampleRateHz, tc.SampleRateHz)
	require.Equal(t, cfg.NumGroups, tc.NumGroups)
	require.Equal(t, cfg.PacketsPerGroup, tc.PacketsPerGroup)
	require.Equal(t, cfg.CallbackGroupInterval, tc.CallbackGroupInterval)
}
