// Package config loads proctorhub settings from defaults, the environment
// (optionally seeded from a .env file) and a JSON file, in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PROCTORHUB_"

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Router    *RouterConfig    `json:"router"`
	Proctor   *ProctorConfig   `json:"proctor"`
	Peer      *PeerConfig      `json:"peer"`
	Log       *LogConfig       `json:"log"`
	Tracing   *TracingConfig   `json:"tracing"`
}

type DatabaseConfig struct {
	Driver  string        `json:"driver"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// RouterConfig bounds per-connection traffic. Frames get their own budget.
type RouterConfig struct {
	RatePerSecond      float64 `json:"rate_per_second"`
	Burst              int     `json:"burst"`
	FrameRatePerSecond float64 `json:"frame_rate_per_second"`
	FrameBurst         int     `json:"frame_burst"`
}

// ProctorConfig tunes the candidate-side engine and capture loop.
type ProctorConfig struct {
	Threshold          int           `json:"threshold"`
	PollInterval       time.Duration `json:"poll_interval"`
	ApprovalTimeout    time.Duration `json:"approval_timeout"`
	CaptureInterval    time.Duration `json:"capture_interval"`
	MaxCaptureFailures int           `json:"max_capture_failures"`
}

type PeerConfig struct {
	ICEServers        []string `json:"ice_servers"`
	MaxRenegotiations int      `json:"max_renegotiations"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TracingConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:  "sqlite3",
			Path:    "./data/proctorhub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      256,
			MaxMessageBytes: 2 << 20,
		},
		Router: &RouterConfig{
			RatePerSecond:      20,
			Burst:              40,
			FrameRatePerSecond: 15,
			FrameBurst:         30,
		},
		Proctor: &ProctorConfig{
			Threshold:          5,
			PollInterval:       5 * time.Second,
			ApprovalTimeout:    30 * time.Minute,
			CaptureInterval:    100 * time.Millisecond,
			MaxCaptureFailures: 50,
		},
		Peer: &PeerConfig{
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
			MaxRenegotiations: 3,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: &TracingConfig{},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Router == nil ||
		c.Proctor == nil || c.Peer == nil || c.Log == nil || c.Tracing == nil {
		return errors.New("every configuration section is required")
	}

	if c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database driver must be sqlite3 or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message bytes must be positive")
	}

	if c.Router.RatePerSecond <= 0 || c.Router.Burst <= 0 {
		return errors.New("router rate and burst must be positive")
	}
	if c.Router.FrameRatePerSecond <= 0 || c.Router.FrameBurst <= 0 {
		return errors.New("router frame rate and burst must be positive")
	}

	if c.Proctor.Threshold < 2 {
		return errors.New("proctor threshold must be at least 2")
	}
	if c.Proctor.PollInterval <= 0 {
		return errors.New("proctor poll interval must be positive")
	}
	if c.Proctor.ApprovalTimeout < 0 {
		return errors.New("proctor approval timeout cannot be negative")
	}
	if c.Proctor.CaptureInterval <= 0 {
		return errors.New("proctor capture interval must be positive")
	}
	if c.Proctor.MaxCaptureFailures <= 0 {
		return errors.New("proctor max capture failures must be positive")
	}

	if c.Peer.MaxRenegotiations < 0 {
		return errors.New("peer max renegotiations cannot be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromEnv overlays PROCTORHUB_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	return applyEnv(DefaultConfig())
}

func applyEnv(config *Config) *Config {
	envString("DATABASE_DRIVER", &config.Database.Driver)
	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt64("WEBSOCKET_MAX_MESSAGE_BYTES", &config.WebSocket.MaxMessageBytes)

	envFloat("ROUTER_RATE_PER_SECOND", &config.Router.RatePerSecond)
	envInt("ROUTER_BURST", &config.Router.Burst)
	envFloat("ROUTER_FRAME_RATE_PER_SECOND", &config.Router.FrameRatePerSecond)
	envInt("ROUTER_FRAME_BURST", &config.Router.FrameBurst)

	envInt("PROCTOR_THRESHOLD", &config.Proctor.Threshold)
	envDuration("PROCTOR_POLL_INTERVAL", &config.Proctor.PollInterval)
	envDuration("PROCTOR_APPROVAL_TIMEOUT", &config.Proctor.ApprovalTimeout)
	envDuration("PROCTOR_CAPTURE_INTERVAL", &config.Proctor.CaptureInterval)
	envInt("PROCTOR_MAX_CAPTURE_FAILURES", &config.Proctor.MaxCaptureFailures)

	if v := os.Getenv(EnvPrefix + "PEER_ICE_SERVERS"); v != "" {
		config.Peer.ICEServers = splitList(v)
	}
	envInt("PEER_MAX_RENEGOTIATIONS", &config.Peer.MaxRenegotiations)

	envString("LOG_LEVEL", &config.Log.Level)
	envString("LOG_FORMAT", &config.Log.Format)
	envString("OTLP_ENDPOINT", &config.Tracing.OTLPEndpoint)
	return config
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile is the JSON layout on disk; durations are strings like "5s".
type ConfigFile struct {
	Database *struct {
		Driver  string `json:"driver"`
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval    string `json:"ping_interval"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		BufferSize      int    `json:"buffer_size"`
		MaxMessageBytes int64  `json:"max_message_bytes"`
	} `json:"websocket"`
	Router  *RouterConfig `json:"router"`
	Proctor *struct {
		Threshold          int    `json:"threshold"`
		PollInterval       string `json:"poll_interval"`
		ApprovalTimeout    string `json:"approval_timeout"`
		CaptureInterval    string `json:"capture_interval"`
		MaxCaptureFailures int    `json:"max_capture_failures"`
	} `json:"proctor"`
	Peer    *PeerConfig    `json:"peer"`
	Log     *LogConfig     `json:"log"`
	Tracing *TracingConfig `json:"tracing"`
}

func setString(src string, dst *string) {
	if src != "" {
		*dst = src
	}
}

func setInt(src int, dst *int) {
	if src > 0 {
		*dst = src
	}
}

func setFloat(src float64, dst *float64) {
	if src > 0 {
		*dst = src
	}
}

func setDuration(field, src string, dst *time.Duration) error {
	if src == "" {
		return nil
	}
	d, err := time.ParseDuration(src)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoadFromFile reads a JSON file and overlays it on the defaults.
func LoadFromFile(path string) (*Config, error) {
	config, err := applyFile(DefaultConfig(), path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	if f.Database != nil {
		setString(f.Database.Driver, &config.Database.Driver)
		setString(f.Database.Path, &config.Database.Path)
		errs = append(errs, setDuration("database.timeout", f.Database.Timeout, &config.Database.Timeout))
	}
	if f.HTTP != nil {
		setInt(f.HTTP.Port, &config.HTTP.Port)
		setString(f.HTTP.Host, &config.HTTP.Host)
		errs = append(errs,
			setDuration("http.read_timeout", f.HTTP.ReadTimeout, &config.HTTP.ReadTimeout),
			setDuration("http.write_timeout", f.HTTP.WriteTimeout, &config.HTTP.WriteTimeout))
	}
	if f.WebSocket != nil {
		setInt(f.WebSocket.BufferSize, &config.WebSocket.BufferSize)
		if f.WebSocket.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = f.WebSocket.MaxMessageBytes
		}
		errs = append(errs,
			setDuration("websocket.ping_interval", f.WebSocket.PingInterval, &config.WebSocket.PingInterval),
			setDuration("websocket.read_timeout", f.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout),
			setDuration("websocket.write_timeout", f.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout))
	}
	if f.Router != nil {
		setFloat(f.Router.RatePerSecond, &config.Router.RatePerSecond)
		setInt(f.Router.Burst, &config.Router.Burst)
		setFloat(f.Router.FrameRatePerSecond, &config.Router.FrameRatePerSecond)
		setInt(f.Router.FrameBurst, &config.Router.FrameBurst)
	}
	if f.Proctor != nil {
		setInt(f.Proctor.Threshold, &config.Proctor.Threshold)
		setInt(f.Proctor.MaxCaptureFailures, &config.Proctor.MaxCaptureFailures)
		errs = append(errs,
			setDuration("proctor.poll_interval", f.Proctor.PollInterval, &config.Proctor.PollInterval),
			setDuration("proctor.approval_timeout", f.Proctor.ApprovalTimeout, &config.Proctor.ApprovalTimeout),
			setDuration("proctor.capture_interval", f.Proctor.CaptureInterval, &config.Proctor.CaptureInterval))
	}
	if f.Peer != nil {
		if len(f.Peer.ICEServers) > 0 {
			config.Peer.ICEServers = f.Peer.ICEServers
		}
		setInt(f.Peer.MaxRenegotiations, &config.Peer.MaxRenegotiations)
	}
	if f.Log != nil {
		setString(f.Log.Level, &config.Log.Level)
		setString(f.Log.Format, &config.Log.Format)
	}
	if f.Tracing != nil {
		setString(f.Tracing.OTLPEndpoint, &config.Tracing.OTLPEndpoint)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid duration in %s: %w", path, err)
	}
	return config, nil
}

// Load resolves configuration with precedence file > environment > defaults.
// A .env file in the working directory, if present, seeds the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	config := LoadFromEnv()
	if path != "" {
		var err error
		if config, err = applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
