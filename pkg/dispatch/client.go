// Package dispatch is the entry point for using massh as a library.
//
// A Client is built from a config.ClientConfig. It owns one cached SSH
// session per distinct host and fans every operation out to all of them:
//
//	cfg, err := config.Load("massh.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := dispatch.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	for msg := range client.Execute("uptime") {
//	    fmt.Printf("[%s] %v\n", msg.Host, msg.Err)
//	}
package dispatch

import (
	"fmt"

	gossh "golang.org/x/crypto/ssh"

	"github.com/liliang-cn/massh/pkg/config"
	"github.com/liliang-cn/massh/pkg/executor"
	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/logger"
	"github.com/liliang-cn/massh/pkg/ssh"
)

// ExecMessage is the per-host outcome of Execute.
type ExecMessage = executor.Message[*ssh.CommandOutput]

// TransferMessage is the per-host outcome of Download and Upload.
type TransferMessage = executor.Message[struct{}]

// Client runs operations on every host of a configuration.
type Client struct {
	cfg  *config.ClientConfig
	inv  *inventory.Inventory
	exec *executor.Executor
	log  *logger.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger          *logger.Logger
	hostKeyCallback gossh.HostKeyCallback
	inventory       []inventory.Option
}

// WithLogger sets the logger. By default one is built from the [log]
// section of the configuration.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHostKeyCallback overrides the host key check derived from known_hosts.
func WithHostKeyCallback(cb gossh.HostKeyCallback) Option {
	return func(o *options) {
		o.hostKeyCallback = cb
	}
}

// WithResolver sets the DNS resolver used for host names.
func WithResolver(r inventory.Resolver) Option {
	return func(o *options) {
		o.inventory = append(o.inventory, inventory.WithResolver(r))
	}
}

// WithHostsFile sets the hosts file consulted after DNS.
func WithHostsFile(path string) Option {
	return func(o *options) {
		o.inventory = append(o.inventory, inventory.WithHostsFile(path))
	}
}

// New builds a client. It fails only if cfg is invalid or the known_hosts
// or ssh_config files it names cannot be read; no host is contacted.
func New(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	inv, err := inventory.New(cfg, o.inventory...)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	log := o.logger
	if log == nil {
		log = logger.New(&logger.Config{
			Level:    cfg.Log.Level,
			Output:   cfg.Log.Output,
			NoColor:  cfg.Log.NoColor,
			ShowTime: cfg.Log.ShowTime,
		})
	}

	hostKeyCallback := o.hostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback, err = ssh.HostKeyCallback(cfg.KnownHosts, cfg.StrictHostKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create host key callback: %w", err)
		}
	}

	c := &Client{
		cfg: cfg,
		inv: inv,
		log: log,
	}

	remotes := make(map[inventory.Identity]executor.RemoteSession, inv.Len())
	for _, h := range inv.Hosts() {
		if h.ResolveErr != nil {
			log.Warn("%s: %v", h.Name, h.ResolveErr)
		}
		remotes[h.Identity] = ssh.NewSession(h, ssh.WithHostKeyCallback(hostKeyCallback), ssh.WithLogger(log))
	}
	c.exec = executor.New(remotes, cfg.Threads, executor.WithLogger(log))

	log.Debug("client ready: %d hosts, threads=%d, timeout=%v", inv.Len(), cfg.Threads, cfg.TimeoutDuration())
	return c, nil
}

// NewFromFile loads a configuration file and builds a client from it.
func NewFromFile(path string, opts ...Option) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Execute runs command on every host.
func (c *Client) Execute(command string) <-chan ExecMessage {
	return c.exec.Execute(command)
}

// Download fetches remotePath from every host into localDir. Each host
// writes to localDir/user@address:port.
func (c *Client) Download(remotePath, localDir string) <-chan TransferMessage {
	return c.exec.Download(remotePath, localDir)
}

// Upload copies localPath to remotePath on every host.
func (c *Client) Upload(localPath, remotePath string) <-chan TransferMessage {
	return c.exec.Upload(localPath, remotePath)
}

// Hosts returns every distinct host in sorted order.
func (c *Client) Hosts() []inventory.Host {
	return c.inv.Hosts()
}

// Len returns the number of distinct hosts.
func (c *Client) Len() int {
	return c.inv.Len()
}

// Lookup finds a host by its user@address:port rendering.
func (c *Client) Lookup(s string) (inventory.Host, bool) {
	return c.inv.Lookup(s)
}

// IsConnected reports whether the host has a cached connection.
func (c *Client) IsConnected(id inventory.Identity) bool {
	return c.exec.IsConnected(id)
}

// Disconnect drops the cached connection of one host; the next operation
// reconnects. It reports whether the host is known.
func (c *Client) Disconnect(id inventory.Identity) bool {
	return c.exec.Disconnect(id)
}

// DisconnectAll drops every cached connection.
func (c *Client) DisconnectAll() {
	c.exec.DisconnectAll()
}

// Close drops every cached connection. The client stays usable.
func (c *Client) Close() error {
	c.DisconnectAll()
	return nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.ClientConfig {
	return c.cfg
}
