package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/btserial/internal/linecodec"
)

const (
	// EnvPrefix is prepended to environment overrides, e.g. BTSERIAL_ADAPTER
	EnvPrefix = "BTSERIAL"

	// MaxRFCOMMChannel is the highest valid RFCOMM server channel
	MaxRFCOMMChannel = 30
)

// OutputFormats lists the accepted values of OutputFormat.
var OutputFormats = []string{"table", "json", "yaml"}

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `json:"log_level"`
	Adapter        string        `json:"adapter"`
	RFCOMMChannel  uint8         `json:"channel"` // 0 resolves the channel through the SPP profile
	Encoding       string        `json:"encoding"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	OutputFormat   string        `json:"output_format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       logrus.WarnLevel,
		Adapter:        "hci0",
		RFCOMMChannel:  0,
		Encoding:       linecodec.DefaultEncoding,
		ConnectTimeout: 30 * time.Second,
		OutputFormat:   "table", // table, json, yaml
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return errors.New("adapter name is required")
	}
	if c.RFCOMMChannel > MaxRFCOMMChannel {
		return fmt.Errorf("invalid RFCOMM channel %d: must be 0 (auto) or 1-%d", c.RFCOMMChannel, MaxRFCOMMChannel)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout %s: must be positive", c.ConnectTimeout)
	}
	if !slices.Contains(OutputFormats, c.OutputFormat) {
		return fmt.Errorf("invalid output format %q: must be one of %s", c.OutputFormat, strings.Join(OutputFormats, ", "))
	}
	if _, _, err := linecodec.Lookup(c.Encoding); err != nil {
		return err
	}
	return nil
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"adapter":         "adapter",
	"channel":         "channel",
	"encoding":        "encoding",
	"connect-timeout": "connect_timeout",
	"format":          "output_format",
}

// AddFlags registers the persistent flags Load reads from.
func AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (default $HOME/.btserial/config.yaml)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolP("verbose", "V", false, "Verbose output (same as --log-level debug)")
	flags.String("adapter", "", "Bluetooth adapter name (default hci0)")
	flags.Uint8("channel", 0, "RFCOMM channel; 0 resolves it through the SPP profile")
	flags.Duration("connect-timeout", 0, "Connection timeout (default 30s)")
}

// Load builds the configuration from defaults, the optional config file,
// BTSERIAL_* environment variables and the flags of cmd, in increasing precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config in home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".btserial"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// Config file is optional unless named explicitly
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	cfg, err := fromViper(v)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log_level", d.LogLevel.String())
	v.SetDefault("adapter", d.Adapter)
	v.SetDefault("channel", d.RFCOMMChannel)
	v.SetDefault("encoding", d.Encoding)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("output_format", d.OutputFormat)
}

// bindFlags binds the flags cmd actually defines; subcommands define only a subset.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	channel := v.GetUint("channel")
	if channel > MaxRFCOMMChannel {
		return nil, fmt.Errorf("invalid RFCOMM channel %d: must be 0 (auto) or 1-%d", channel, MaxRFCOMMChannel)
	}

	return &Config{
		LogLevel:       level,
		Adapter:        v.GetString("adapter"),
		RFCOMMChannel:  uint8(channel),
		Encoding:       v.GetString("encoding"),
		ConnectTimeout: v.GetDuration("connect_timeout"),
		OutputFormat:   strings.ToLower(v.GetString("output_format")),
	}, nil
}
