package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/liliang-cn/massh/pkg/config"
)

// SSHConfigEntry is one Host block of an ssh_config(5) file. Only the
// keywords that affect a host's identity or credentials are kept.
type SSHConfigEntry struct {
	Patterns []string
	HostName string
	User     string
	Port     uint16
	KeyPath  string
}

// LoadSSHConfig parses the ssh_config file at path. A missing file yields
// no entries.
func LoadSSHConfig(path string) ([]SSHConfigEntry, error) {
	f, err := os.Open(config.ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	entries, err := parseSSHConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}
	return entries, nil
}

func parseSSHConfig(r io.Reader) ([]SSHConfigEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []SSHConfigEntry
	var current *SSHConfigEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// "Keyword value" and "Keyword=value" are both accepted.
		keyword, value, ok := strings.Cut(line, "=")
		if !ok || strings.ContainsAny(keyword, " \t") {
			fields := strings.Fields(line)
			keyword = fields[0]
			value = strings.Join(fields[1:], " ")
		}
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch keyword {
		case "host":
			if current != nil && len(current.Patterns) > 0 {
				entries = append(entries, *current)
			}
			current = &SSHConfigEntry{Patterns: strings.Fields(value)}
			continue
		case "match":
			// Match blocks are not evaluated; their keywords are skipped.
			if current != nil && len(current.Patterns) > 0 {
				entries = append(entries, *current)
			}
			current = nil
			continue
		}

		if current == nil || value == "" {
			continue
		}

		// The first value obtained for a keyword wins.
		switch keyword {
		case "hostname":
			if current.HostName == "" {
				current.HostName = value
			}
		case "user":
			if current.User == "" {
				current.User = value
			}
		case "port":
			if current.Port == 0 {
				if port, err := strconv.ParseUint(value, 10, 16); err == nil && port > 0 {
					current.Port = uint16(port)
				}
			}
		case "identityfile":
			if current.KeyPath == "" {
				current.KeyPath = config.ExpandPath(value)
			}
		}
	}

	if current != nil && len(current.Patterns) > 0 {
		entries = append(entries, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// matches reports whether host is selected by the entry's patterns: at
// least one positive pattern matches and no negated pattern does.
func (e SSHConfigEntry) matches(host string) bool {
	matched := false
	for _, pattern := range e.Patterns {
		if negated, ok := strings.CutPrefix(pattern, "!"); ok {
			if matchHostPattern(host, negated) {
				return false
			}
			continue
		}
		if matchHostPattern(host, pattern) {
			matched = true
		}
	}
	return matched
}

func matchHostPattern(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?") {
		matched, _ := path.Match(pattern, host)
		return matched
	}
	return false
}

// lookupSSHConfig merges every entry matching host, in file order. As with
// ssh(1), earlier entries take precedence over later ones.
func lookupSSHConfig(entries []SSHConfigEntry, host string) (SSHConfigEntry, bool) {
	var result SSHConfigEntry
	found := false
	for _, e := range entries {
		if !e.matches(host) {
			continue
		}
		found = true
		if result.HostName == "" {
			result.HostName = e.HostName
		}
		if result.User == "" {
			result.User = e.User
		}
		if result.Port == 0 {
			result.Port = e.Port
		}
		if result.KeyPath == "" {
			result.KeyPath = e.KeyPath
		}
	}
	return result, found
}
