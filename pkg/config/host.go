package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when neither the host entry nor the
// client defaults name one.
const DefaultPort = 22

// HostConfig is one entry of the hosts list. Zero values mean "use the
// client default".
type HostConfig struct {
	// Addr is an IP address or a name to be resolved.
	Addr string
	// Auth overrides ClientConfig.DefaultAuth when non-nil.
	Auth AuthMethod
	// Port overrides ClientConfig.DefaultPort when non-zero.
	Port uint16
	// User overrides ClientConfig.DefaultUser when non-empty.
	User string
}

// ParseHostString parses the short form of a host entry:
//
//	address
//	user@address
//	user@address:port
//	user@[ipv6]:port
func ParseHostString(s string) (HostConfig, error) {
	var h HostConfig
	s = strings.TrimSpace(s)
	if s == "" {
		return h, fmt.Errorf("%w: empty host", ErrInvalid)
	}

	rest := s
	if user, after, ok := strings.Cut(s, "@"); ok {
		if user == "" {
			return h, fmt.Errorf("%w: empty user in %q", ErrInvalid, s)
		}
		h.User = user
		rest = after
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		host, port = splitNoPort(rest)
		if host == "" {
			return h, fmt.Errorf("%w: malformed address %q: %v", ErrInvalid, s, err)
		}
	} else if port == "" {
		return h, fmt.Errorf("%w: empty port in %q", ErrInvalid, s)
	}
	if host == "" {
		return h, fmt.Errorf("%w: empty address in %q", ErrInvalid, s)
	}
	h.Addr = host

	if port != "" {
		p, err := parsePort(port)
		if err != nil {
			return h, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
		}
		h.Port = p
	}
	return h, nil
}

// splitNoPort accepts an address without a port: a name, or an IPv6
// literal with or without brackets. Anything else yields an empty host.
func splitNoPort(s string) (host, port string) {
	if ip := net.ParseIP(s); ip != nil {
		return s, ""
	}
	if inner, ok := strings.CutPrefix(s, "["); ok {
		if inner, ok = strings.CutSuffix(inner, "]"); ok && net.ParseIP(inner) != nil {
			return inner, ""
		}
		return "", ""
	}
	if strings.ContainsAny(s, ":[]") {
		return "", ""
	}
	return s, ""
}

// parseHost converts a decoded hosts-list element, either a string or a
// table with addr/auth/port/user keys.
func parseHost(v any) (HostConfig, error) {
	switch val := v.(type) {
	case string:
		return ParseHostString(val)
	case map[string]any:
		var h HostConfig
		for k, inner := range val {
			switch strings.ToLower(k) {
			case "addr", "address":
				s, ok := inner.(string)
				if !ok {
					return h, fmt.Errorf("%w: addr must be a string", ErrInvalid)
				}
				h.Addr = strings.TrimSpace(s)
			case "auth":
				auth, err := parseAuth(inner)
				if err != nil {
					return h, err
				}
				h.Auth = auth
			case "port":
				if inner == nil {
					continue
				}
				n, err := toInt(inner)
				if err != nil {
					return h, fmt.Errorf("%w: port: %v", ErrInvalid, err)
				}
				p, err := checkPort(n)
				if err != nil {
					return h, fmt.Errorf("%w: %v", ErrInvalid, err)
				}
				h.Port = p
			case "user":
				if inner == nil {
					continue
				}
				s, ok := inner.(string)
				if !ok {
					return h, fmt.Errorf("%w: user must be a string", ErrInvalid)
				}
				h.User = s
			default:
				return h, fmt.Errorf("%w: unknown host key %q", ErrInvalid, k)
			}
		}
		if h.Addr == "" {
			return h, fmt.Errorf("%w: host entry without addr", ErrInvalid)
		}
		return h, nil
	default:
		return HostConfig{}, fmt.Errorf("%w: unsupported host entry of type %T", ErrInvalid, v)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return checkPort(int64(n))
}

func checkPort(n int64) (uint16, error) {
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}

// toInt accepts the integer representations produced by the TOML, YAML and
// JSON decoders.
func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
