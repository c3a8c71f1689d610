package inventory

import (
	"net"
	"strconv"
	"time"

	"github.com/liliang-cn/massh/pkg/config"
)

// Identity is the deduplication key of a host: two host entries that
// resolve to the same user, address and port refer to the same host.
type Identity struct {
	User    string
	Address string
	Port    uint16
}

// String renders the identity as user@address:port. IPv6 addresses are
// bracketed.
func (id Identity) String() string {
	return id.User + "@" + net.JoinHostPort(id.Address, strconv.Itoa(int(id.Port)))
}

// Addr returns the dialable address:port of the identity.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.Address, strconv.Itoa(int(id.Port)))
}

// Less orders identities by address, then port, then user.
func (id Identity) Less(other Identity) bool {
	if id.Address != other.Address {
		return id.Address < other.Address
	}
	if id.Port != other.Port {
		return id.Port < other.Port
	}
	return id.User < other.User
}

// Host is a fully resolved host entry: every default has been applied.
type Host struct {
	Identity
	// Name is the address as written in the configuration.
	Name    string
	Auth    config.AuthMethod
	Timeout time.Duration
	// ResolveErr is set when Name could not be resolved to an address. The
	// host is then registered under its name and cannot be connected to.
	ResolveErr error
}
