// Package config implements the transmit daemon's configuration layer:
// a flat struct of named options, loaded from a YAML file with
// gopkg.in/yaml.v3 and overridden from the command line through
// github.com/spf13/pflag.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/fwaudio/amdtp-xmit/internal/errs"
	"github.com/fwaudio/amdtp-xmit/internal/precalc"
	"github.com/fwaudio/amdtp-xmit/internal/transmitter"
)

// Config is the full set of options for one amdtpxmitd instance.
type Config struct {
	SampleRateHz          int    `yaml:"sample_rate_hz"`
	ChannelCount          int    `yaml:"channel_count"`
	BytesPerFrame         int    `yaml:"bytes_per_frame"`
	NumGroups             int    `yaml:"num_groups"`
	PacketsPerGroup       int    `yaml:"packets_per_group"`
	CallbackGroupInterval int    `yaml:"callback_group_interval"`
	IsochChannel          int    `yaml:"isoch_channel"`
	SID                   int    `yaml:"sid"`
	Style                 string `yaml:"style"` // "phase_accumulator" or "apple_dda"

	RingName     string `yaml:"ring_name"`
	RingCapacity int    `yaml:"ring_capacity"`

	MaxOverrunRecoveryAttempts int `yaml:"max_overrun_recovery_attempts"`
	UnderrunNotifyEveryGroups  int `yaml:"underrun_notify_every_groups"`

	TraceLogDir      string `yaml:"trace_log_dir"`
	AdvertiseMDNS    bool   `yaml:"advertise_mdns"`
	GPIOActivityLine string `yaml:"gpio_activity_line"`
}

// Defaults returns the configuration a freshly installed daemon starts
// from.
func Defaults() Config {
	return Config{
		SampleRateHz:               48000,
		ChannelCount:               2,
		BytesPerFrame:              8,
		NumGroups:                  16,
		PacketsPerGroup:            8,
		CallbackGroupInterval:      1,
		IsochChannel:               0,
		SID:                        0xffc0,
		Style:                      "phase_accumulator",
		RingName:                   "/fwa_daemon_shm_v1",
		RingCapacity:               256,
		MaxOverrunRecoveryAttempts: 3,
		UnderrunNotifyEveryGroups:  1,
		TraceLogDir:                "",
		AdvertiseMDNS:              false,
		GPIOActivityLine:           "",
	}
}

// Load reads a YAML file at path into a copy of Defaults(), so any field
// the file omits keeps its default.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds command-line overrides for the most commonly
// tweaked options onto fs, taking cfg's current values as defaults. Call
// after Load (or Defaults) and before fs.Parse.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.SampleRateHz, "sample-rate", cfg.SampleRateHz, "audio sample rate in Hz")
	fs.IntVar(&cfg.IsochChannel, "isoch-channel", cfg.IsochChannel, "isochronous channel number")
	fs.IntVar(&cfg.NumGroups, "num-groups", cfg.NumGroups, "DCL descriptor ring depth, in whole groups")
	fs.IntVar(&cfg.PacketsPerGroup, "packets-per-group", cfg.PacketsPerGroup, "packets pre-calculated per group")
	fs.IntVar(&cfg.CallbackGroupInterval, "callback-group-interval", cfg.CallbackGroupInterval, "groups per hardware completion callback")
	fs.StringVar(&cfg.Style, "syt-style", cfg.Style, "SYT generation style: phase_accumulator or apple_dda")
	fs.StringVar(&cfg.RingName, "ring-name", cfg.RingName, "shared-memory ring object name")
	fs.StringVar(&cfg.TraceLogDir, "trace-log-dir", cfg.TraceLogDir, "directory for daily packet trace logs, empty disables tracing")
	fs.BoolVar(&cfg.AdvertiseMDNS, "advertise-mdns", cfg.AdvertiseMDNS, "advertise this stream over mDNS")
	fs.StringVar(&cfg.GPIOActivityLine, "gpio-activity-line", cfg.GPIOActivityLine, "GPIO line as chip:offset to hold high while transmitting, empty disables it")
}

// Validate checks the option set for internal consistency before it is
// used to build a transmitter.
func (c Config) Validate() error {
	if _, ok := styleFromString(c.Style); !ok {
		return fmt.Errorf("%w: unknown syt style %q", errs.BadArgument, c.Style)
	}
	if c.NumGroups <= 0 || c.PacketsPerGroup <= 0 || c.CallbackGroupInterval <= 0 {
		return fmt.Errorf("%w: num_groups, packets_per_group and callback_group_interval must be positive", errs.BadArgument)
	}
	if c.NumGroups%c.CallbackGroupInterval != 0 {
		return fmt.Errorf("%w: callback_group_interval must divide num_groups", errs.BadArgument)
	}
	if c.NumGroups < 3*c.CallbackGroupInterval {
		return fmt.Errorf("%w: num_groups must be at least 3x callback_group_interval", errs.BadArgument)
	}
	if c.RingCapacity <= 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("%w: ring_capacity must be a power of two", errs.BadArgument)
	}
	return nil
}

func styleFromString(s string) (precalc.Style, bool) {
	switch s {
	case "", "phase_accumulator":
		return precalc.StylePhaseAccumulator, true
	case "apple_dda":
		return precalc.StyleAppleDDA, true
	default:
		return 0, false
	}
}

// TransmitterConfig projects this configuration onto the transmitter
// package's Config.
func (c Config) TransmitterConfig() transmitter.Config {
	style, _ := styleFromString(c.Style)
	return transmitter.Config{
		SampleRateHz:               c.SampleRateHz,
		SID:                        byte(c.SID),
		DBS:                        byte(c.BytesPerFrame / 4),
		BytesPerFrame:              c.BytesPerFrame,
		NumGroups:                  c.NumGroups,
		PacketsPerGroup:            c.PacketsPerGroup,
		CallbackGroupInterval:      c.CallbackGroupInterval,
		IsochChannel:               c.IsochChannel,
		Style:                      style,
		MaxOverrunRecoveryAttempts: c.MaxOverrunRecoveryAttempts,
		UnderrunNotifyEveryGroups:  c.UnderrunNotifyEveryGroups,
	}
}
