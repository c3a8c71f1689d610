// Package config loads the client configuration for massh.
//
// A configuration names the default credentials, port and user, the size of
// the worker pool, a per-host timeout and the list of target hosts. It can be
// written as TOML, YAML or JSON:
//
//	default_auth = "agent"
//	default_port = 22
//	default_user = "deploy"
//	threads = 2
//	timeout = 5000
//	hosts = [
//	  "10.0.0.1",
//	  "admin@10.0.0.2:2222",
//	  { addr = "10.0.0.3", auth = { password = "secret" } },
//	]
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error describing a structurally invalid
// configuration.
var ErrInvalid = errors.New("invalid config")

// Format is a configuration file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ClientConfig is the complete configuration of a massh client.
type ClientConfig struct {
	DefaultAuth AuthMethod
	DefaultPort uint16
	DefaultUser string
	// Threads is the worker pool size. Zero runs one worker per host.
	Threads int
	// Timeout is in milliseconds. Zero disables timeouts.
	Timeout uint64
	Hosts   []HostConfig

	// KnownHosts is the known_hosts file used to verify host keys. Empty
	// accepts any host key.
	KnownHosts string
	// StrictHostKey rejects hosts missing from KnownHosts instead of
	// adding them.
	StrictHostKey bool
	// SSHConfig is an ssh_config(5) file consulted for host aliases.
	SSHConfig string

	Log LogConfig
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level    string `toml:"level" yaml:"level" json:"level"`             // debug, info, warn, error
	Output   string `toml:"output" yaml:"output" json:"output"`          // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color" yaml:"no_color" json:"no_color"`    // disable colored output
	ShowTime bool   `toml:"show_time" yaml:"show_time" json:"show_time"` // show timestamp
}

// fileConfig mirrors the on-disk layout. Auth and host entries accept more
// than one shape, so they are decoded generically and converted afterwards.
type fileConfig struct {
	DefaultAuth   any       `toml:"default_auth" yaml:"default_auth" json:"default_auth"`
	DefaultPort   *int      `toml:"default_port" yaml:"default_port" json:"default_port"`
	DefaultUser   string    `toml:"default_user" yaml:"default_user" json:"default_user"`
	Threads       int       `toml:"threads" yaml:"threads" json:"threads"`
	Timeout       uint64    `toml:"timeout" yaml:"timeout" json:"timeout"`
	Hosts         []any     `toml:"hosts" yaml:"hosts" json:"hosts"`
	KnownHosts    string    `toml:"known_hosts" yaml:"known_hosts" json:"known_hosts"`
	StrictHostKey bool      `toml:"strict_host_key" yaml:"strict_host_key" json:"strict_host_key"`
	SSHConfig     string    `toml:"ssh_config" yaml:"ssh_config" json:"ssh_config"`
	Log           LogConfig `toml:"log" yaml:"log" json:"log"`
}

// Default returns a configuration with no hosts, agent authentication on
// port 22 as the current user, unbounded concurrency and no timeout.
func Default() *ClientConfig {
	return &ClientConfig{
		DefaultAuth: AgentAuth{},
		DefaultPort: DefaultPort,
		DefaultUser: currentUser(),
		Log: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}

// Load reads a configuration file. The format is chosen by extension:
// .toml, .yaml/.yml or .json.
func Load(path string) (*ClientConfig, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: cannot infer format of %q (want .toml, .yaml, .yml or .json)", ErrInvalid, path)
	}
}

// Parse decodes and validates a configuration.
func Parse(data []byte, format Format) (*ClientConfig, error) {
	var fc fileConfig
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	return fc.build()
}

func (fc *fileConfig) build() (*ClientConfig, error) {
	cfg := Default()

	auth, err := parseAuth(fc.DefaultAuth)
	if err != nil {
		return nil, fmt.Errorf("default_auth: %w", err)
	}
	if auth != nil {
		cfg.DefaultAuth = auth
	}
	if fc.DefaultPort != nil {
		p, err := checkPort(int64(*fc.DefaultPort))
		if err != nil {
			return nil, fmt.Errorf("%w: default_port: %v", ErrInvalid, err)
		}
		cfg.DefaultPort = p
	}
	if fc.DefaultUser != "" {
		cfg.DefaultUser = fc.DefaultUser
	}
	cfg.Threads = fc.Threads
	cfg.Timeout = fc.Timeout
	cfg.KnownHosts = ExpandPath(fc.KnownHosts)
	cfg.StrictHostKey = fc.StrictHostKey
	cfg.SSHConfig = ExpandPath(fc.SSHConfig)
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Log.Output != "" {
		cfg.Log.Output = fc.Log.Output
	}
	cfg.Log.NoColor = fc.Log.NoColor
	cfg.Log.ShowTime = fc.Log.ShowTime

	for i, raw := range fc.Hosts {
		h, err := parseHost(raw)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d]: %w", i, err)
		}
		cfg.Hosts = append(cfg.Hosts, h)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports whether the configuration can build a client.
func (c *ClientConfig) Validate() error {
	if c.DefaultAuth == nil {
		return fmt.Errorf("%w: missing default_auth", ErrInvalid)
	}
	if c.DefaultPort == 0 {
		return fmt.Errorf("%w: missing default_port", ErrInvalid)
	}
	if c.DefaultUser == "" {
		return fmt.Errorf("%w: missing default_user", ErrInvalid)
	}
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must not be negative", ErrInvalid)
	}
	for i, h := range c.Hosts {
		if h.Addr == "" {
			return fmt.Errorf("%w: hosts[%d]: empty address", ErrInvalid, i)
		}
	}
	return nil
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *ClientConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	if len(path) == 1 {
		return home
	}
	return path
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
