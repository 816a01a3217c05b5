package config

import (
	"time"

	"controlncenter/pkg/errors"
)

// SerialConfig is the [serial] section.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// MachineConfig is the [machine] section.
type MachineConfig struct {
	// BannerToken is the prefix that identifies the device's startup banner.
	BannerToken string
	// PollInterval is the period of status queries.
	PollInterval time.Duration
	// SequenceTimeout aborts a configuration exchange that stops receiving
	// acknowledgements. Zero waits forever.
	SequenceTimeout time.Duration
}

// FeedConfig is the [feed] section.
type FeedConfig struct {
	Listen       string
	PingInterval time.Duration
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level      string
	Format     string
	Color      bool
	File       string
	MaxSize    int
	MaxBackups int
}

// HostConfig is the typed view of the whole host configuration file.
type HostConfig struct {
	Serial  SerialConfig
	Machine MachineConfig
	Feed    FeedConfig
	Log     LogConfig
}

// DefaultHost returns the settings used when no file is given.
func DefaultHost() *HostConfig {
	return &HostConfig{
		Serial: SerialConfig{
			Baud:        115200,
			ReadTimeout: 100 * time.Millisecond,
		},
		Machine: MachineConfig{
			BannerToken:     "Grbl",
			PollInterval:    200 * time.Millisecond,
			SequenceTimeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			PingInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Color:      true,
			MaxSize:    10,
			MaxBackups: 5,
		},
	}
}

// LoadHost reads every known section of c over the defaults. Unknown
// sections or options are reported as an error.
func LoadHost(c *Config) (*HostConfig, error) {
	h := DefaultHost()
	var err error

	serial := c.GetSectionOptional("serial")
	if h.Serial.Device, err = serial.Get("device", h.Serial.Device); err != nil {
		return nil, err
	}
	if h.Serial.Baud, err = serial.GetPositiveInt("baud", h.Serial.Baud); err != nil {
		return nil, err
	}
	if h.Serial.ReadTimeout, err = serial.GetDuration("read_timeout", h.Serial.ReadTimeout); err != nil {
		return nil, err
	}

	machine := c.GetSectionOptional("machine")
	if h.Machine.BannerToken, err = machine.Get("banner_token", h.Machine.BannerToken); err != nil {
		return nil, err
	}
	if h.Machine.BannerToken == "" {
		return nil, errors.ConfigValidationError("machine", "banner_token", "must not be empty")
	}
	if h.Machine.PollInterval, err = machine.GetDuration("poll_interval", h.Machine.PollInterval); err != nil {
		return nil, err
	}
	if h.Machine.PollInterval < 10*time.Millisecond {
		return nil, errors.ConfigValidationError("machine", "poll_interval", "must be at least 10ms")
	}
	if h.Machine.SequenceTimeout, err = machine.GetDuration("sequence_timeout", h.Machine.SequenceTimeout); err != nil {
		return nil, err
	}

	feed := c.GetSectionOptional("feed")
	if h.Feed.Listen, err = feed.Get("listen", h.Feed.Listen); err != nil {
		return nil, err
	}
	if h.Feed.PingInterval, err = feed.GetDuration("ping_interval", h.Feed.PingInterval); err != nil {
		return nil, err
	}

	logSec := c.GetSectionOptional("log")
	if h.Log.Level, err = logSec.GetChoice("level", []string{"debug", "info", "warn", "error"}, h.Log.Level); err != nil {
		return nil, err
	}
	if h.Log.Format, err = logSec.GetChoice("format", []string{"text", "json"}, h.Log.Format); err != nil {
		return nil, err
	}
	if h.Log.Color, err = logSec.GetBool("color", h.Log.Color); err != nil {
		return nil, err
	}
	if h.Log.File, err = logSec.Get("file", h.Log.File); err != nil {
		return nil, err
	}
	if h.Log.MaxSize, err = logSec.GetPositiveInt("max_size", h.Log.MaxSize); err != nil {
		return nil, err
	}
	if h.Log.MaxBackups, err = logSec.GetPositiveInt("max_backups", h.Log.MaxBackups); err != nil {
		return nil, err
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return h, nil
}
