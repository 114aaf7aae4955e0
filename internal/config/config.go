// Package config loads client configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/israelio/amqp10-go-client/amqp"
)

// Config is the root configuration
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Session    SessionConfig    `mapstructure:"session"`
	Link       LinkConfig       `mapstructure:"link"`
	Log        LogConfig        `mapstructure:"log"`
}

// ConnectionConfig holds the connection settings
type ConnectionConfig struct {
	// URI is the amqp:// or amqps:// endpoint
	URI                 string            `mapstructure:"uri"`
	ContainerID         string            `mapstructure:"container_id"`
	Hostname            string            `mapstructure:"hostname"`
	MaxFrameSize        uint32            `mapstructure:"max_frame_size"`
	ChannelMax          uint16            `mapstructure:"channel_max"`
	IdleTimeout         time.Duration     `mapstructure:"idle_timeout"`
	AllowPipelinedOpen  bool              `mapstructure:"allow_pipelined_open"`
	EmptyFrameSendRatio float64           `mapstructure:"idle_timeout_empty_frame_send_ratio"`
	IdleWaitTime        time.Duration     `mapstructure:"idle_wait_time"`
	DialRetries         uint64            `mapstructure:"dial_retries"`
	DialTimeout         time.Duration     `mapstructure:"dial_timeout"`
	Properties          map[string]string `mapstructure:"properties"`
}

// SessionConfig holds the session windows
type SessionConfig struct {
	IncomingWindow uint32 `mapstructure:"incoming_window"`
	OutgoingWindow uint32 `mapstructure:"outgoing_window"`
}

// LinkConfig holds link settings shared by senders and receivers
type LinkConfig struct {
	// Credit is the prefetch a receiver keeps granted
	Credit      uint32        `mapstructure:"credit"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// SettleMode: unsettled, settled or mixed
	SettleMode string `mapstructure:"settle_mode"`
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			URI:                 "amqp://localhost:5672",
			MaxFrameSize:        65536,
			ChannelMax:          65535,
			AllowPipelinedOpen:  true,
			EmptyFrameSendRatio: 0.5,
			IdleWaitTime:        100 * time.Millisecond,
			DialRetries:         3,
			DialTimeout:         30 * time.Second,
		},
		Session: SessionConfig{
			IncomingWindow: 2048,
			OutgoingWindow: 2048,
		},
		Link: LinkConfig{
			Credit:      300,
			SendTimeout: 60 * time.Second,
			SettleMode:  "unsettled",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/amqpctl.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path, or from amqp.yaml in the usual places
// when path is empty. A missing file is not an error. Environment variables
// use the prefix AMQP with `.` replaced by `_`, e.g. AMQP_CONNECTION_URI.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AMQP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("connection.uri", cfg.Connection.URI)
	v.SetDefault("connection.container_id", cfg.Connection.ContainerID)
	v.SetDefault("connection.hostname", cfg.Connection.Hostname)
	v.SetDefault("connection.max_frame_size", cfg.Connection.MaxFrameSize)
	v.SetDefault("connection.channel_max", cfg.Connection.ChannelMax)
	v.SetDefault("connection.idle_timeout", cfg.Connection.IdleTimeout)
	v.SetDefault("connection.allow_pipelined_open", cfg.Connection.AllowPipelinedOpen)
	v.SetDefault("connection.idle_timeout_empty_frame_send_ratio", cfg.Connection.EmptyFrameSendRatio)
	v.SetDefault("connection.idle_wait_time", cfg.Connection.IdleWaitTime)
	v.SetDefault("connection.dial_retries", cfg.Connection.DialRetries)
	v.SetDefault("connection.dial_timeout", cfg.Connection.DialTimeout)
	v.SetDefault("session.incoming_window", cfg.Session.IncomingWindow)
	v.SetDefault("session.outgoing_window", cfg.Session.OutgoingWindow)
	v.SetDefault("link.credit", cfg.Link.Credit)
	v.SetDefault("link.send_timeout", cfg.Link.SendTimeout)
	v.SetDefault("link.settle_mode", cfg.Link.SettleMode)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("AMQP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("amqp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".amqp"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if _, err := c.Link.senderSettleMode(); err != nil {
		return err
	}
	if _, err := amqp.ParseEndpoint(c.Connection.URI); err != nil {
		return fmt.Errorf("invalid connection.uri: %w", err)
	}
	return nil
}

// Options converts the file settings to connection options. Values left at
// zero keep the engine defaults.
func (c ConnectionConfig) Options() []amqp.Option {
	var opts []amqp.Option
	if c.ContainerID != "" {
		opts = append(opts, amqp.WithContainerID(c.ContainerID))
	}
	if c.Hostname != "" {
		opts = append(opts, amqp.WithHostname(c.Hostname))
	}
	if c.MaxFrameSize > 0 {
		opts = append(opts, amqp.WithMaxFrameSize(c.MaxFrameSize))
	}
	if c.ChannelMax > 0 {
		opts = append(opts, amqp.WithChannelMax(c.ChannelMax))
	}
	if c.IdleTimeout > 0 {
		opts = append(opts, amqp.WithIdleTimeout(c.IdleTimeout))
	}
	if c.IdleWaitTime > 0 {
		opts = append(opts, amqp.WithIdleWaitTime(c.IdleWaitTime))
	}
	if c.DialTimeout > 0 {
		opts = append(opts, amqp.WithDialTimeout(c.DialTimeout))
	}
	for k, v := range c.Properties {
		opts = append(opts, amqp.WithProperty(amqp.Symbol(k), v))
	}
	opts = append(opts,
		amqp.WithAllowPipelinedOpen(c.AllowPipelinedOpen),
		amqp.WithEmptyFrameSendRatio(c.EmptyFrameSendRatio),
		amqp.WithDialRetries(c.DialRetries),
	)
	return opts
}

// Options converts the session settings to session options
func (c SessionConfig) Options() []amqp.SessionOption {
	var opts []amqp.SessionOption
	if c.IncomingWindow > 0 {
		opts = append(opts, amqp.WithIncomingWindow(c.IncomingWindow))
	}
	if c.OutgoingWindow > 0 {
		opts = append(opts, amqp.WithOutgoingWindow(c.OutgoingWindow))
	}
	return opts
}

// SenderOptions converts the link settings to sender options
func (c LinkConfig) SenderOptions() []amqp.LinkOption {
	mode, _ := c.senderSettleMode()
	return []amqp.LinkOption{amqp.WithSenderSettleMode(mode)}
}

// ReceiverOptions converts the link settings to receiver options
func (c LinkConfig) ReceiverOptions() []amqp.LinkOption {
	return []amqp.LinkOption{amqp.WithCredit(c.Credit)}
}

func (c LinkConfig) senderSettleMode() (amqp.SenderSettleMode, error) {
	switch strings.ToLower(c.SettleMode) {
	case "", "unsettled":
		return amqp.SenderSettleModeUnsettled, nil
	case "settled":
		return amqp.SenderSettleModeSettled, nil
	case "mixed":
		return amqp.SenderSettleModeMixed, nil
	}
	return 0, fmt.Errorf("invalid link.settle_mode: %q", c.SettleMode)
}
