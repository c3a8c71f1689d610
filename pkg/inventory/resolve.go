package inventory

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
)

// DefaultHostsFile is consulted when DNS cannot resolve a name.
const DefaultHostsFile = "/etc/hosts"

// Resolver looks up the addresses of a host name. *net.Resolver satisfies
// it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type resolver struct {
	dns       Resolver
	hostsFile string
	hosts     map[string]string
}

func newResolver(dns Resolver, hostsFile string) *resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	return &resolver{dns: dns, hostsFile: hostsFile}
}

// resolve returns the canonical address of host. IP literals are returned
// as-is, names go through DNS (IPv4 preferred) and then the hosts file.
func (r *resolver) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	addrs, err := r.dns.LookupHost(ctx, host)
	if err == nil && len(addrs) > 0 {
		for _, addr := range addrs {
			if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
				return ip.String(), nil
			}
		}
		return addrs[0], nil
	}

	if ip, found := r.lookupHostsFile(host); found {
		return ip, nil
	}

	if err != nil {
		return "", fmt.Errorf("host not found: %s: %w", host, err)
	}
	return "", fmt.Errorf("host not found: %s", host)
}

func (r *resolver) lookupHostsFile(host string) (string, bool) {
	if r.hostsFile == "" {
		return "", false
	}
	if r.hosts == nil {
		r.hosts = loadHostsFile(r.hostsFile)
	}
	ip, found := r.hosts[host]
	return ip, found
}

// loadHostsFile reads an /etc/hosts style file into a name -> IPv4 map. A
// name listed more than once keeps its first address.
func loadHostsFile(path string) map[string]string {
	m := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			continue
		}

		for _, name := range fields[1:] {
			if strings.HasPrefix(name, "#") {
				break
			}
			if _, ok := m[name]; !ok {
				m[name] = ip.String()
			}
		}
	}

	return m
}
