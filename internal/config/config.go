package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	ADB       ADBConfig       `mapstructure:"adb"`
	Session   SessionConfig   `mapstructure:"session"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type ServerConfig struct {
	// HTTP/1.1 control API
	HTTPPort        int           `mapstructure:"http_port"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// HTTP/3 is served only when both TLS files are set
	HTTP3Port   int    `mapstructure:"http3_port"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// QUIC specific
	MaxIncomingStreams    int64         `mapstructure:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `mapstructure:"max_incoming_uni_streams"`
	MaxIdleTimeout        time.Duration `mapstructure:"max_idle_timeout"`
}

// HTTP3Enabled reports whether TLS material is configured for the QUIC listener.
func (s *ServerConfig) HTTP3Enabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type ADBConfig struct {
	ServerAddr   string        `mapstructure:"server_addr"` // host:port of the adb server
	BinaryPath   string        `mapstructure:"binary_path"` // used to start the server when it is down
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // device refresh while focused
	PollBurst    int           `mapstructure:"poll_burst"`
}

type SessionConfig struct {
	ServerPath      string        `mapstructure:"server_path"`      // local scrcpy-server jar
	ServerVersion   string        `mapstructure:"server_version"`   // must match the jar
	DevicePath      string        `mapstructure:"device_path"`      // push destination on the device
	ConnectAttempts int           `mapstructure:"connect_attempts"` // socket dials while the server starts
	ConnectRetry    time.Duration `mapstructure:"connect_retry"`
	Control         bool          `mapstructure:"control"`
	Audio           bool          `mapstructure:"audio"`
	Video           VideoDefaults `mapstructure:"video"`
}

type VideoDefaults struct {
	Enabled   bool   `mapstructure:"enabled"`
	Codec     string `mapstructure:"codec"` // h264, h265 or av1
	MaxSize   int    `mapstructure:"max_size"`
	Bitrate   int    `mapstructure:"bitrate"`
	MaxFPS    int    `mapstructure:"max_fps"`
	HWDecoder bool   `mapstructure:"hw_decoder"`
}

type DecoderConfig struct {
	PreferredDevices []string `mapstructure:"preferred_devices"` // hardware device types in order of preference
	MaxInterfaces    int      `mapstructure:"max_interfaces"`    // indexed device probe limit
	ErrorLogRate     float64  `mapstructure:"error_log_rate"`    // sampled per-packet error logging
}

type DirectoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type DashboardConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads configuration from configPath. An empty path loads defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable override
	v.SetEnvPrefix("SCREENMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.listen_addr", "127.0.0.1")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.max_incoming_streams", 100)
	v.SetDefault("server.max_incoming_uni_streams", 100)
	v.SetDefault("server.max_idle_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// ADB defaults
	v.SetDefault("adb.server_addr", "127.0.0.1:5037")
	v.SetDefault("adb.binary_path", "adb")
	v.SetDefault("adb.dial_timeout", "2s")
	v.SetDefault("adb.poll_interval", "2s")
	v.SetDefault("adb.poll_burst", 1)

	// Session defaults
	v.SetDefault("session.server_path", "scrcpy-server")
	v.SetDefault("session.server_version", "3.1")
	v.SetDefault("session.device_path", "/data/local/tmp/scrcpy-server.jar")
	v.SetDefault("session.connect_attempts", 100)
	v.SetDefault("session.connect_retry", "100ms")
	v.SetDefault("session.control", true)
	v.SetDefault("session.audio", false)
	v.SetDefault("session.video.enabled", true)
	v.SetDefault("session.video.codec", "h264")
	v.SetDefault("session.video.max_size", 1920)
	v.SetDefault("session.video.bitrate", 8000000)
	v.SetDefault("session.video.max_fps", 60)
	v.SetDefault("session.video.hw_decoder", true)

	// Decoder defaults
	v.SetDefault("decoder.preferred_devices", []string{"vulkan", "vaapi", "cuda"})
	v.SetDefault("decoder.max_interfaces", 4)
	v.SetDefault("decoder.error_log_rate", 0.1)

	// Directory defaults
	v.SetDefault("directory.enabled", false)
	v.SetDefault("directory.redis_addr", "localhost:6379")
	v.SetDefault("directory.redis_db", 0)
	v.SetDefault("directory.ttl", "1m")

	// Dashboard defaults
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.refresh_interval", "500ms")
}
