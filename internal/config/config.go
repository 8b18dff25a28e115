// Package config loads the broker configuration from YAML or TOML.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// EnvAuthKey overrides the configured worker API key when set.
const EnvAuthKey = "SERVICE_API_AUTH_KEY"

// DefaultAuthKey is used when neither the file nor the environment sets a key.
const DefaultAuthKey = "ThisIsARandomAuthKey...ChangeMe!"

// Duration is a time.Duration that reads and writes as "30s" in both formats.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return xerrors.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server configures the worker-facing listeners.
type Server struct {
	HTTPListen    string   `yaml:"http_listen" toml:"http_listen"`       // HTTP API, websocket and /metrics (default 0.0.0.0:5003).
	SocketNetwork string   `yaml:"socket_network" toml:"socket_network"` // "unix" or "tcp"; empty disables the line socket.
	SocketAddress string   `yaml:"socket_address" toml:"socket_address"`
	PollTimeout   Duration `yaml:"poll_timeout" toml:"poll_timeout"` // Longest HTTP long-poll (default 30s).
}

// Redis configures the redis-backed queue.
type Redis struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// Broker tunes the dispatch machinery.
type Broker struct {
	PopTimeout       Duration `yaml:"pop_timeout" toml:"pop_timeout"`             // Queue pop bound (default 1s).
	ReporterInterval Duration `yaml:"reporter_interval" toml:"reporter_interval"` // Busy/idle reporting (default 1s).
	ReaperInterval   Duration `yaml:"reaper_interval" toml:"reaper_interval"`     // Stale queue sweep (default 60s).
	HeuristicRefresh Duration `yaml:"heuristic_refresh" toml:"heuristic_refresh"` // Heuristic reload (default 300s).
	ShutdownTimeout  Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`   // Graceful shutdown (default 10s).
}

// Config is the full broker configuration.
type Config struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	AuthKey      string `yaml:"auth_key" toml:"auth_key"`
	QueueBackend string `yaml:"queue_backend" toml:"queue_backend"` // "redis" or "memory".
	DBPath       string `yaml:"db_path" toml:"db_path"`
	FilestoreDir string `yaml:"filestore_dir" toml:"filestore_dir"`
	Server       Server `yaml:"server" toml:"server"`
	Redis        Redis  `yaml:"redis" toml:"redis"`
	Broker       Broker `yaml:"broker" toml:"broker"`
}

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Default returns a fully populated configuration.
func Default() Config {
	var c Config
	return c.withDefaults()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	if out.AuthKey == "" {
		out.AuthKey = DefaultAuthKey
	}
	if out.QueueBackend == "" {
		out.QueueBackend = QueueRedis
	}
	if out.DBPath == "" {
		out.DBPath = "taskbroker.db"
	}
	if out.FilestoreDir == "" {
		out.FilestoreDir = "filestore"
	}
	if out.Server.HTTPListen == "" {
		out.Server.HTTPListen = "0.0.0.0:5003"
	}
	if out.Server.PollTimeout == 0 {
		out.Server.PollTimeout = Duration(30 * time.Second)
	}
	if out.Redis.Addr == "" {
		out.Redis.Addr = "127.0.0.1:6379"
	}
	if out.Broker.PopTimeout == 0 {
		out.Broker.PopTimeout = Duration(time.Second)
	}
	if out.Broker.ReporterInterval == 0 {
		out.Broker.ReporterInterval = Duration(time.Second)
	}
	if out.Broker.ReaperInterval == 0 {
		out.Broker.ReaperInterval = Duration(60 * time.Second)
	}
	if out.Broker.HeuristicRefresh == 0 {
		out.Broker.HeuristicRefresh = Duration(300 * time.Second)
	}
	if out.Broker.ShutdownTimeout == 0 {
		out.Broker.ShutdownTimeout = Duration(10 * time.Second)
	}
	return out
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueRedis, QueueMemory:
	default:
		return xerrors.Errorf("queue_backend must be %q or %q, got %q", QueueRedis, QueueMemory, c.QueueBackend)
	}
	switch c.Server.SocketNetwork {
	case "", "unix", "tcp":
	default:
		return xerrors.Errorf("server.socket_network must be unix or tcp, got %q", c.Server.SocketNetwork)
	}
	if c.Server.SocketNetwork != "" && c.Server.SocketAddress == "" {
		return xerrors.New("server.socket_address is required when socket_network is set")
	}
	return nil
}

// Load reads path (YAML unless it ends in .toml), fills defaults and applies
// environment overrides. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		//nolint:gosec // path comes from the operator's --config flag
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, xerrors.Errorf("read config %s: %w", path, err)
		}
		if err := decode(path, data, &c); err != nil {
			return Config{}, err
		}
	}
	c = c.withDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, xerrors.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAuthKey); ok && v != "" {
		c.AuthKey = v
	}
}

func decode(path string, data []byte, c *Config) error {
	if isTOML(path) {
		if err := toml.Unmarshal(data, c); err != nil {
			return xerrors.Errorf("parse toml %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return xerrors.Errorf("parse yaml %s: %w", path, err)
	}
	return nil
}

// Write serializes c to path in the format implied by its extension.
func Write(path string, c Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(c)
	} else {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(c)
		if err == nil {
			err = enc.Close()
		}
		data = buf.Bytes()
	}
	if err != nil {
		return xerrors.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return xerrors.Errorf("create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
