package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Constants for default values
const (
	DefaultPackageSize       = 60000
	DefaultRecvWindow        = 65535 // maximum TCP window without scaling
	DefaultSendInterval      = 0 * time.Millisecond
	DefaultReconnectInterval = 8 * time.Second
	DefaultConnectDelay      = 50 * time.Millisecond
	DefaultConnectTimeout    = 5 * time.Second
	DefaultIdleDelay         = 200 * time.Millisecond
	DefaultMinDelay          = 1 * time.Millisecond
	DefaultMaxDelay          = 100 * time.Millisecond
	DefaultListenAddr        = "0.0.0.0:8000"
	DefaultServerAddr        = "localhost:8000"
	DefaultOutputDir         = "./output"
	DefaultLogDir            = "logs"
	DefaultLogLevel          = "info"

	// Limits
	MaxIntervalSetting = time.Hour
	MaxPathLength      = 4096

	// Network constants
	TCPBufferSize  = 1024 * 1024     // 1MB
	HashBufferSize = 4 * 1024 * 1024 // 4MB

	// File system constants
	LogDirPerms  = 0755
	OutFilePerms = 0644

	// EnvPrefix prefixes every environment override, e.g. CHAINCOPIER_PACKAGE_SIZE
	EnvPrefix = "CHAINCOPIER"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Server mode settings
	IsServer      bool
	ListenAddress string
	OutputDir     string
	SplitBy       int

	// Client mode settings
	ServerAddress     string
	Files             []string
	PackageSize       int
	SendInterval      time.Duration
	ReconnectInterval time.Duration
	ConnectDelay      time.Duration

	// Common parameters
	ConnectTimeout time.Duration
	RecvWindow     int
	IdleDelay      time.Duration
	AdaptiveDelay  bool
	MinDelay       time.Duration
	MaxDelay       time.Duration
	VerifyHash     bool
	ShowProgress   bool
	LogLevel       string
	LogFile        string
}

// Default returns a configuration populated with the default values
func Default() *Config {
	return &Config{
		ListenAddress:     DefaultListenAddr,
		OutputDir:         DefaultOutputDir,
		ServerAddress:     DefaultServerAddr,
		PackageSize:       DefaultPackageSize,
		SendInterval:      DefaultSendInterval,
		ReconnectInterval: DefaultReconnectInterval,
		ConnectDelay:      DefaultConnectDelay,
		ConnectTimeout:    DefaultConnectTimeout,
		RecvWindow:        DefaultRecvWindow,
		IdleDelay:         DefaultIdleDelay,
		MinDelay:          DefaultMinDelay,
		MaxDelay:          DefaultMaxDelay,
		VerifyHash:        true,
		LogLevel:          DefaultLogLevel,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PackageSize <= 0 {
		return fmt.Errorf("package size must be positive")
	}
	if c.RecvWindow <= 0 {
		return fmt.Errorf("receive window must be positive")
	}
	if c.SplitBy < 0 {
		return fmt.Errorf("split size cannot be negative")
	}
	if c.SendInterval < 0 || c.SendInterval > MaxIntervalSetting {
		return fmt.Errorf("send interval must be between 0 and %s", MaxIntervalSetting)
	}
	if c.ReconnectInterval <= 0 || c.ReconnectInterval > MaxIntervalSetting {
		return fmt.Errorf("reconnect interval must be positive and no greater than %s", MaxIntervalSetting)
	}
	if c.ConnectDelay < 0 {
		return fmt.Errorf("connect delay cannot be negative")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.IdleDelay < 0 {
		return fmt.Errorf("idle delay cannot be negative")
	}
	if c.AdaptiveDelay && (c.MinDelay <= 0 || c.MaxDelay <= 0 || c.MinDelay > c.MaxDelay) {
		return fmt.Errorf("invalid adaptive delay configuration")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}

	if !c.IsServer && len(c.Files) == 0 {
		return fmt.Errorf("file path is required in client mode")
	}

	return nil
}

// ParseFlags parses the process command line and returns a Config
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses the given arguments, applies CHAINCOPIER_* environment
// overrides and an optional config file, and returns a validated Config.
func ParseArgs(args []string) (*Config, error) {
	def := Default()
	fs := pflag.NewFlagSet("chaincopier", pflag.ContinueOnError)

	// Server flags
	fs.Bool("server", false, "Run in server mode")
	fs.String("listen", def.ListenAddress, "Address to listen on (server mode)")
	fs.String("output", def.OutputDir, "Directory to store received files (server mode)")
	fs.Int("split-by", def.SplitBy, "Write received payload in fragments of this size (0 = whole buffer)")

	// Client flags
	fs.String("connect", def.ServerAddress, "Server address to connect to (client mode)")
	fs.StringSlice("file", nil, "File(s) to transfer (client mode)")
	fs.Int("package-size", def.PackageSize, "Bytes read from file per send round")
	fs.Duration("send-interval", def.SendInterval, "Delay between send rounds")
	fs.Duration("reconnect-interval", def.ReconnectInterval, "Period of connection attempts")
	fs.Duration("connect-delay", def.ConnectDelay, "Delay before the first connection attempt")

	// Common flags
	fs.Duration("connect-timeout", def.ConnectTimeout, "Timeout of a single connection attempt")
	fs.Int("recv-window", def.RecvWindow, "Bytes requested per receive round")
	fs.Duration("idle-delay", def.IdleDelay, "Pause before retrying an empty receive")
	fs.Bool("adaptive", false, "Use adaptive send delay based on network conditions")
	fs.Duration("min-delay", def.MinDelay, "Minimum delay for adaptive networking")
	fs.Duration("max-delay", def.MaxDelay, "Maximum delay for adaptive networking")
	fs.Bool("verify", def.VerifyHash, "Log a digest of every sent and received file")
	fs.Bool("progress", false, "Show progress during transfer")
	fs.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Log file path (defaults to a timestamped file under ./logs)")
	fs.String("config", "", "Optional YAML config file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	config := &Config{
		IsServer:          v.GetBool("server"),
		ListenAddress:     v.GetString("listen"),
		OutputDir:         v.GetString("output"),
		SplitBy:           v.GetInt("split-by"),
		ServerAddress:     v.GetString("connect"),
		Files:             v.GetStringSlice("file"),
		PackageSize:       v.GetInt("package-size"),
		SendInterval:      v.GetDuration("send-interval"),
		ReconnectInterval: v.GetDuration("reconnect-interval"),
		ConnectDelay:      v.GetDuration("connect-delay"),
		ConnectTimeout:    v.GetDuration("connect-timeout"),
		RecvWindow:        v.GetInt("recv-window"),
		IdleDelay:         v.GetDuration("idle-delay"),
		AdaptiveDelay:     v.GetBool("adaptive"),
		MinDelay:          v.GetDuration("min-delay"),
		MaxDelay:          v.GetDuration("max-delay"),
		VerifyHash:        v.GetBool("verify"),
		ShowProgress:      v.GetBool("progress"),
		LogLevel:          v.GetString("log-level"),
		LogFile:           v.GetString("log-file"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Client"
	if c.IsServer {
		mode = "Server"
	}

	return fmt.Sprintf("Config{Mode: %s, PackageSize: %d, RecvWindow: %d, SplitBy: %d, SendInterval: %s, ReconnectInterval: %s, AdaptiveDelay: %v}",
		mode, c.PackageSize, c.RecvWindow, c.SplitBy, c.SendInterval, c.ReconnectInterval, c.AdaptiveDelay)
}
