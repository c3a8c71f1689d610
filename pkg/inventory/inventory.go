// Package inventory turns a client configuration into the set of distinct
// hosts a massh client talks to.
//
// Every host entry is completed with the client defaults (user, port, auth),
// optionally rewritten by an ssh_config alias, and its address resolved.
// Entries that end up with the same Identity are collapsed: the last one
// listed wins.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/liliang-cn/massh/pkg/config"
)

// Inventory is an immutable set of hosts keyed by Identity.
type Inventory struct {
	hosts map[Identity]Host
	order []Identity
}

// Option configures how New resolves hosts.
type Option func(*options)

type options struct {
	resolver  Resolver
	hostsFile string
}

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithHostsFile sets the hosts file consulted after DNS. An empty path
// disables the fallback.
func WithHostsFile(path string) Option {
	return func(o *options) {
		o.hostsFile = path
	}
}

// New builds the inventory for cfg. It fails only when cfg is invalid or its
// ssh_config file cannot be read; hosts whose address cannot be resolved are
// kept with ResolveErr set.
func New(cfg *config.ClientConfig, opts ...Option) (*Inventory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{hostsFile: DefaultHostsFile}
	for _, opt := range opts {
		opt(o)
	}

	var aliases []SSHConfigEntry
	if cfg.SSHConfig != "" {
		entries, err := LoadSSHConfig(cfg.SSHConfig)
		if err != nil {
			return nil, err
		}
		aliases = entries
	}

	r := newResolver(o.resolver, o.hostsFile)
	ctx := context.Background()

	inv := &Inventory{hosts: make(map[Identity]Host, len(cfg.Hosts))}
	for _, hc := range cfg.Hosts {
		h := buildHost(ctx, cfg, hc, aliases, r)
		inv.hosts[h.Identity] = h
	}

	inv.order = make([]Identity, 0, len(inv.hosts))
	for id := range inv.hosts {
		inv.order = append(inv.order, id)
	}
	sort.Slice(inv.order, func(i, j int) bool {
		return inv.order[i].Less(inv.order[j])
	})

	return inv, nil
}

// buildHost applies, in order of precedence, the host entry, a matching
// ssh_config block and the client defaults.
func buildHost(ctx context.Context, cfg *config.ClientConfig, hc config.HostConfig, aliases []SSHConfigEntry, r *resolver) Host {
	addr := hc.Addr
	user := hc.User
	port := hc.Port
	auth := hc.Auth

	if entry, ok := lookupSSHConfig(aliases, hc.Addr); ok {
		if entry.HostName != "" {
			addr = entry.HostName
		}
		if user == "" {
			user = entry.User
		}
		if port == 0 {
			port = entry.Port
		}
		if auth == nil && entry.KeyPath != "" {
			auth = config.PubkeyAuth{KeyPath: entry.KeyPath}
		}
	}

	if user == "" {
		user = cfg.DefaultUser
	}
	if port == 0 {
		port = cfg.DefaultPort
	}
	if auth == nil {
		auth = cfg.DefaultAuth
	}

	h := Host{
		Name:    hc.Addr,
		Auth:    auth,
		Timeout: cfg.TimeoutDuration(),
	}

	resolved, err := r.resolve(ctx, addr)
	if err != nil {
		resolved = addr
		h.ResolveErr = err
	}
	h.Identity = Identity{User: user, Address: resolved, Port: port}
	return h
}

// Hosts returns every host, sorted by identity.
func (inv *Inventory) Hosts() []Host {
	hosts := make([]Host, len(inv.order))
	for i, id := range inv.order {
		hosts[i] = inv.hosts[id]
	}
	return hosts
}

// Identities returns every identity in sorted order.
func (inv *Inventory) Identities() []Identity {
	ids := make([]Identity, len(inv.order))
	copy(ids, inv.order)
	return ids
}

// Len returns the number of distinct hosts.
func (inv *Inventory) Len() int {
	return len(inv.order)
}

// Get returns the host registered under id.
func (inv *Inventory) Get(id Identity) (Host, bool) {
	h, ok := inv.hosts[id]
	return h, ok
}

// Lookup finds a host by its user@address:port rendering.
func (inv *Inventory) Lookup(s string) (Host, bool) {
	for _, id := range inv.order {
		if id.String() == s {
			return inv.hosts[id], true
		}
	}
	return Host{}, false
}
