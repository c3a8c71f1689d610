package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier checks host keys against a known_hosts file.
//
// Unknown hosts are appended to the file (trust on first use) unless the
// verifier is strict. A key that differs from a recorded one is always
// rejected.
type KnownHostsVerifier struct {
	path   string
	strict bool

	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier loads path, creating an empty file if it does not
// exist yet.
func NewKnownHostsVerifier(path string, strict bool) (*KnownHostsVerifier, error) {
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts: %w", err)
	}

	v := &KnownHostsVerifier{path: path, strict: strict}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (v *KnownHostsVerifier) load() error {
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}
	v.callback = cb
	return nil
}

// Verify implements ssh.HostKeyCallback.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if v.strict {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}
	return v.add(hostname, key)
}

// add appends hostname's key and reloads the file. The caller holds v.mu.
func (v *KnownHostsVerifier) add(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	return v.load()
}

// HostKeyCallback returns v.Verify as an ssh.HostKeyCallback.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}

// HostKeyCallback builds the callback for a known_hosts path. An empty path
// accepts every host key.
func HostKeyCallback(knownHostsPath string, strict bool) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	v, err := NewKnownHostsVerifier(knownHostsPath, strict)
	if err != nil {
		return nil, err
	}
	return v.HostKeyCallback(), nil
}
