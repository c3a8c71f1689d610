package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}

	v, err := NewKnownHostsVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}

	// Unknown host is added.
	if err := v.Verify("127.0.0.1:2222", addr, key); err != nil {
		t.Fatalf("trust on first use failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "[127.0.0.1]:2222 ssh-ed25519 ") {
		t.Errorf("unexpected known_hosts line: %q", data)
	}

	// Known key is accepted.
	if err := v.Verify("127.0.0.1:2222", addr, key); err != nil {
		t.Errorf("verification failed for recorded key: %v", err)
	}

	// A different key for the same host is rejected.
	if err := v.Verify("127.0.0.1:2222", addr, newHostKey(t)); !errors.Is(err, ErrHostKeyChanged) {
		t.Errorf("expected ErrHostKeyChanged, got %v", err)
	}

	// A fresh strict verifier sees the recorded key but rejects new hosts.
	strict, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := strict.Verify("127.0.0.1:2222", addr, key); err != nil {
		t.Errorf("strict verifier rejected recorded key: %v", err)
	}
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	if err := strict.Verify("192.168.1.100:22", other, key); !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("expected ErrHostKeyUnknown, got %v", err)
	}
}

func TestHostKeyCallbackEmptyPath(t *testing.T) {
	cb, err := HostKeyCallback("", true)
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	if err := cb("10.0.0.1:22", addr, newHostKey(t)); err != nil {
		t.Errorf("empty known_hosts path should accept any key: %v", err)
	}
}
