package config

import (
	"fmt"
	"sort"
	"strings"
)

// AuthMethod selects how a session authenticates. The only implementations
// are AgentAuth, PasswordAuth and PubkeyAuth.
type AuthMethod interface {
	fmt.Stringer
	authMethod()
}

// AgentAuth authenticates with the first identity held by the running
// ssh-agent (SSH_AUTH_SOCK).
type AgentAuth struct{}

// PasswordAuth authenticates with a password.
type PasswordAuth struct {
	Password string
}

// PubkeyAuth authenticates with a private key file stored on disk.
type PubkeyAuth struct {
	KeyPath string
}

func (AgentAuth) authMethod()    {}
func (PasswordAuth) authMethod() {}
func (PubkeyAuth) authMethod()   {}

func (AgentAuth) String() string    { return "agent" }
func (PasswordAuth) String() string { return "password(***)" }
func (a PubkeyAuth) String() string { return "pubkey(" + a.KeyPath + ")" }

// parseAuth converts a decoded config value into an AuthMethod. Accepted
// shapes are the bare string "agent" and single-key tables
// {password = "..."}, {pubkey = "path"} or {agent = ...}.
func parseAuth(v any) (AuthMethod, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.EqualFold(val, "agent") {
			return AgentAuth{}, nil
		}
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalid, val)
	case map[string]any:
		if len(val) != 1 {
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("%w: auth must have exactly one method, got %v", ErrInvalid, keys)
		}
		for k, inner := range val {
			switch strings.ToLower(k) {
			case "agent":
				return AgentAuth{}, nil
			case "password":
				s, ok := inner.(string)
				if !ok {
					return nil, fmt.Errorf("%w: password must be a string", ErrInvalid)
				}
				return PasswordAuth{Password: s}, nil
			case "pubkey":
				s, ok := inner.(string)
				if !ok || s == "" {
					return nil, fmt.Errorf("%w: pubkey must be a non-empty path", ErrInvalid)
				}
				return PubkeyAuth{KeyPath: ExpandPath(s)}, nil
			default:
				return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalid, k)
			}
		}
	}
	return nil, fmt.Errorf("%w: unsupported auth value of type %T", ErrInvalid, v)
}
