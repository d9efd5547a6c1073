package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.ADB.Validate(); err != nil {
		return fmt.Errorf("adb config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.Directory.Validate(); err != nil {
		return fmt.Errorf("directory config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if !s.HTTP3Enabled() {
		return nil
	}

	if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}

	// Check if certificate files exist
	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}

	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}

	if s.MaxIncomingStreams <= 0 {
		return fmt.Errorf("max_incoming_streams must be positive")
	}

	if s.MaxIncomingUniStreams <= 0 {
		return fmt.Errorf("max_incoming_uni_streams must be positive")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}

		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}

		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", m.Port)
	}

	if m.Path == "" || m.Path[0] != '/' {
		return fmt.Errorf("metrics path must start with /")
	}

	return nil
}

func (a *ADBConfig) Validate() error {
	if _, _, err := net.SplitHostPort(a.ServerAddr); err != nil {
		return fmt.Errorf("invalid adb server address %q: %w", a.ServerAddr, err)
	}

	if a.BinaryPath == "" {
		return fmt.Errorf("binary_path cannot be empty")
	}

	if a.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if a.PollBurst <= 0 {
		return fmt.Errorf("poll_burst must be positive")
	}

	return nil
}

func (s *SessionConfig) Validate() error {
	if s.ConnectAttempts <= 0 {
		return fmt.Errorf("connect_attempts must be positive")
	}

	if s.ConnectRetry <= 0 {
		return fmt.Errorf("connect_retry must be positive")
	}

	if s.ServerVersion == "" {
		return fmt.Errorf("server_version cannot be empty")
	}

	if !s.Video.Enabled {
		return nil
	}

	switch strings.ToLower(s.Video.Codec) {
	case "h264", "h265", "av1":
	default:
		return fmt.Errorf("unsupported video codec: %s", s.Video.Codec)
	}

	if s.Video.MaxSize < 0 {
		return fmt.Errorf("video max_size cannot be negative")
	}

	if s.Video.Bitrate <= 0 {
		return fmt.Errorf("video bitrate must be positive")
	}

	if s.Video.MaxFPS < 0 {
		return fmt.Errorf("video max_fps cannot be negative")
	}

	return nil
}

func (d *DecoderConfig) Validate() error {
	if d.MaxInterfaces <= 0 {
		return fmt.Errorf("max_interfaces must be positive")
	}

	if d.ErrorLogRate < 0 || d.ErrorLogRate > 1 {
		return fmt.Errorf("error_log_rate must be between 0 and 1")
	}

	return nil
}

func (d *DirectoryConfig) Validate() error {
	if !d.Enabled {
		return nil
	}

	if d.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required when the directory is enabled")
	}

	if d.RedisDB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", d.RedisDB)
	}

	if d.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	return nil
}
