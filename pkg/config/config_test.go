package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const tomlConfig = `
default_auth = { pubkey = "/home/deploy/.ssh/id_ed25519" }
default_port = 22
default_user = "deploy"
threads = 2
timeout = 5000
known_hosts = "/tmp/known_hosts"
hosts = [
  "1.1.1.1",
  "other-user-1@2.2.2.2",
  "other-user-2@3.3.3.3:20022",
  { addr = "4.4.4.4" },
  { addr = "5.5.5.5", auth = "agent" },
  { addr = "6.6.6.6", auth = { password = "special-password" }, user = "other-user-3" },
]

[log]
level = "debug"
`

const yamlConfig = `
default_auth:
  pubkey: /home/deploy/.ssh/id_ed25519
default_port: 22
default_user: deploy
threads: 2
timeout: 5000
known_hosts: /tmp/known_hosts
hosts:
  - 1.1.1.1
  - other-user-1@2.2.2.2
  - other-user-2@3.3.3.3:20022
  - addr: 4.4.4.4
  - addr: 5.5.5.5
    auth: agent
    port: ~
    user: ~
  - addr: 6.6.6.6
    auth:
      password: special-password
    user: other-user-3
log:
  level: debug
`

const jsonConfig = `{
  "default_auth": {"pubkey": "/home/deploy/.ssh/id_ed25519"},
  "default_port": 22,
  "default_user": "deploy",
  "threads": 2,
  "timeout": 5000,
  "known_hosts": "/tmp/known_hosts",
  "hosts": [
    "1.1.1.1",
    "other-user-1@2.2.2.2",
    "other-user-2@3.3.3.3:20022",
    {"addr": "4.4.4.4"},
    {"addr": "5.5.5.5", "auth": "agent", "port": null, "user": null},
    {"addr": "6.6.6.6", "auth": {"password": "special-password"}, "user": "other-user-3"}
  ],
  "log": {"level": "debug"}
}`

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"toml", tomlConfig, FormatTOML},
		{"yaml", yamlConfig, FormatYAML},
		{"json", jsonConfig, FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			checkComplexConfig(t, cfg)
		})
	}
}

func checkComplexConfig(t *testing.T, cfg *ClientConfig) {
	t.Helper()

	if got, ok := cfg.DefaultAuth.(PubkeyAuth); !ok || got.KeyPath != "/home/deploy/.ssh/id_ed25519" {
		t.Errorf("DefaultAuth = %#v", cfg.DefaultAuth)
	}
	if cfg.DefaultPort != 22 || cfg.DefaultUser != "deploy" {
		t.Errorf("defaults = %d %q", cfg.DefaultPort, cfg.DefaultUser)
	}
	if cfg.Threads != 2 || cfg.Timeout != 5000 {
		t.Errorf("threads/timeout = %d/%d", cfg.Threads, cfg.Timeout)
	}
	if cfg.TimeoutDuration().Seconds() != 5 {
		t.Errorf("TimeoutDuration = %v", cfg.TimeoutDuration())
	}
	if cfg.KnownHosts != "/tmp/known_hosts" {
		t.Errorf("KnownHosts = %q", cfg.KnownHosts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}

	want := []HostConfig{
		{Addr: "1.1.1.1"},
		{Addr: "2.2.2.2", User: "other-user-1"},
		{Addr: "3.3.3.3", User: "other-user-2", Port: 20022},
		{Addr: "4.4.4.4"},
		{Addr: "5.5.5.5", Auth: AgentAuth{}},
		{Addr: "6.6.6.6", Auth: PasswordAuth{Password: "special-password"}, User: "other-user-3"},
	}
	if len(cfg.Hosts) != len(want) {
		t.Fatalf("got %d hosts, want %d", len(cfg.Hosts), len(want))
	}
	for i, w := range want {
		if cfg.Hosts[i] != w {
			t.Errorf("hosts[%d] = %#v, want %#v", i, cfg.Hosts[i], w)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`default_user = "ops"`), FormatTOML)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.DefaultAuth.(AgentAuth); !ok {
		t.Errorf("expected agent auth by default, got %v", cfg.DefaultAuth)
	}
	if cfg.DefaultPort != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.DefaultPort)
	}
	if cfg.Threads != 0 || cfg.Timeout != 0 {
		t.Errorf("expected unbounded threads and no timeout, got %d/%d", cfg.Threads, cfg.Timeout)
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("expected no hosts, got %d", len(cfg.Hosts))
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown auth", `default_auth = "kerberos"`},
		{"two auth methods", `default_auth = { password = "a", pubkey = "b" }`},
		{"port out of range", `default_port = 70000`},
		{"negative threads", `threads = -1`},
		{"bad host port", `hosts = ["user@1.1.1.1:notaport"]`},
		{"host without addr", `hosts = [{ user = "x" }]`},
		{"unknown host key", `hosts = [{ addr = "1.1.1.1", proxy = "x" }]`},
		{"empty host", `hosts = [""]`},
		{"syntax", `hosts = [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(`default_user = "ops"`+"\n"+tt.data), FormatTOML)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParseHostString(t *testing.T) {
	tests := []struct {
		input string
		want  HostConfig
		err   bool
	}{
		{"10.0.0.1", HostConfig{Addr: "10.0.0.1"}, false},
		{"root@10.0.0.1", HostConfig{Addr: "10.0.0.1", User: "root"}, false},
		{"root@10.0.0.1:2222", HostConfig{Addr: "10.0.0.1", User: "root", Port: 2222}, false},
		{"example.com:22", HostConfig{Addr: "example.com", Port: 22}, false},
		{"::1", HostConfig{Addr: "::1"}, false},
		{"[::1]", HostConfig{Addr: "::1"}, false},
		{"admin@[fe80::1]:2200", HostConfig{Addr: "fe80::1", User: "admin", Port: 2200}, false},
		{"@10.0.0.1", HostConfig{}, true},
		{"root@", HostConfig{}, true},
		{"10.0.0.1:0", HostConfig{}, true},
		{"10.0.0.1:65536", HostConfig{}, true},
		{"a:b:c", HostConfig{}, true},
		{"[::1", HostConfig{}, true},
		{"::1]", HostConfig{}, true},
		{"[example.com]", HostConfig{}, true},
		{"root@[::1]:", HostConfig{}, true},
		{"fe80::1", HostConfig{Addr: "fe80::1"}, false},
	}

	for _, tt := range tests {
		got, err := ParseHostString(tt.input)
		if (err != nil) != tt.err {
			t.Errorf("ParseHostString(%q) error = %v, want error %v", tt.input, err, tt.err)
			continue
		}
		if !tt.err && got != tt.want {
			t.Errorf("ParseHostString(%q) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "massh.yml")
	if err := os.WriteFile(path, []byte(yamlConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	checkComplexConfig(t, cfg)

	if _, err := Load(filepath.Join(dir, "massh.ini")); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown extension, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAuthString(t *testing.T) {
	if s := (PasswordAuth{Password: "hunter2"}).String(); s != "password(***)" {
		t.Errorf("password auth leaked into String(): %q", s)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"/tmp/file", "/tmp/file"},
		{"~/.ssh/id_rsa", filepath.Join(home, ".ssh", "id_rsa")},
		{"~", home},
		{"", ""},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%s): expected %s, got %s", tt.input, tt.expected, result)
		}
	}
}
