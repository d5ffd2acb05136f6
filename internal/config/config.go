// Package config loads relay settings from defaults, a dotenv file,
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Dotenv files probed when no explicit config file is given.
var DotenvSearch = []string{".env", "../.env"}

type Config struct {
	ServerAddress string `mapstructure:"server_address"`
	ServerPort    int    `mapstructure:"server_port"`
	HTTPAddress   string `mapstructure:"http_address"`
	OutputDir     string `mapstructure:"output_dir"`

	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxFrameSize uint64        `mapstructure:"max_frame_size"`
	DisplayQueue int           `mapstructure:"display_queue"`

	FrameWidth  int `mapstructure:"frame_width"`
	FrameHeight int `mapstructure:"frame_height"`
	FrameRate   int `mapstructure:"frame_rate"`

	RecordingFormat string        `mapstructure:"recording_format"`
	CatalogPath     string        `mapstructure:"catalog_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel string `mapstructure:"log_level"`
	LogColor bool   `mapstructure:"log_color"`
	LogJSON  bool   `mapstructure:"log_json"`

	StunServers []string `mapstructure:"stun_servers"`

	// Source is the dotenv file that was read, empty if none.
	Source string `mapstructure:"-"`
}

// SetDefaults installs the built-in value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server_address", "0.0.0.0")
	v.SetDefault("server_port", 5050)
	v.SetDefault("http_address", ":8090")
	v.SetDefault("output_dir", "./recordings")
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("max_frame_size", 16<<20)
	v.SetDefault("display_queue", 64)
	v.SetDefault("frame_width", types.DefaultFormat.Width)
	v.SetDefault("frame_height", types.DefaultFormat.Height)
	v.SetDefault("frame_rate", types.DefaultFormat.FPS)
	v.SetDefault("recording_format", "avi")
	v.SetDefault("catalog_path", "")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_color", true)
	v.SetDefault("log_json", false)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
}

// RegisterFlags defines the command line overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("server-address", "0.0.0.0", "TCP bind address")
	fs.Int("server-port", 5050, "TCP bind port")
	fs.String("http-address", ":8090", "HTTP status/display listener (empty disables)")
	fs.Duration("idle-timeout", 0, "Close sessions idle for this long (0 disables)")
	fs.Duration("write-timeout", 5*time.Second, "Per-write deadline for display pushes")
	fs.Uint64("max-frame-size", 16<<20, "Largest accepted data frame in bytes")
	fs.Int("display-queue", 64, "Outbound frames buffered per display")
	fs.String("recording-format", "avi", "Recording container (avi, raw)")
	fs.String("catalog", "", "sqlite recordings catalog path (empty disables)")
	fs.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	fs.Bool("log-json", false, "Emit JSON log lines")
	fs.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN servers for WebRTC displays")
}

var flagKeys = map[string]string{
	"server-address":   "server_address",
	"server-port":      "server_port",
	"http-address":     "http_address",
	"idle-timeout":     "idle_timeout",
	"write-timeout":    "write_timeout",
	"max-frame-size":   "max_frame_size",
	"display-queue":    "display_queue",
	"recording-format": "recording_format",
	"catalog":          "catalog_path",
	"log-level":        "log_level",
	"log-json":         "log_json",
	"stun":             "stun_servers",
}

// BindFlags binds the flags defined by RegisterFlags. Only flags that were
// set on the command line override lower layers.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads file, or the first dotenv file in DotenvSearch that exists when
// file is empty, layers the environment on top and decodes the result.
// An explicit file that cannot be read is an error; a missing dotenv is not.
func Load(v *viper.Viper, file string) (*Config, error) {
	v.SetConfigType("env")
	v.AutomaticEnv()

	source := file
	if source == "" {
		for _, candidate := range DotenvSearch {
			if _, err := os.Stat(candidate); err == nil {
				source = candidate
				break
			}
		}
	}
	if source != "" {
		v.SetConfigFile(source)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", source, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Source = source
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultFormat is the geometry assumed for cameras that do not announce one.
func (c *Config) DefaultFormat() types.Format {
	return types.Format{Width: c.FrameWidth, Height: c.FrameHeight, FPS: c.FrameRate}
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", c.ServerPort))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if !c.DefaultFormat().Valid() {
		errs = append(errs, fmt.Errorf("invalid default frame format %s", c.DefaultFormat()))
	}
	if c.DisplayQueue <= 0 {
		errs = append(errs, fmt.Errorf("display_queue must be positive, got %d", c.DisplayQueue))
	}
	if c.MaxFrameSize == 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	switch strings.ToLower(c.RecordingFormat) {
	case "avi", "raw":
		c.RecordingFormat = strings.ToLower(c.RecordingFormat)
	default:
		errs = append(errs, fmt.Errorf("unknown recording_format %q", c.RecordingFormat))
	}
	return errors.Join(errs...)
}
