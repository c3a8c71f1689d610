package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/liliang-cn/massh/pkg/config"
	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/logger"
	"github.com/liliang-cn/massh/pkg/sshtest"
)

const testPassword = "s3cret"

func startServer(t *testing.T, keys ...ssh.PublicKey) *sshtest.Server {
	t.Helper()
	return sshtest.Start(t, sshtest.Config{
		User:           "deploy",
		Password:       testPassword,
		AuthorizedKeys: keys,
	})
}

func hostFor(port uint16, auth config.AuthMethod) inventory.Host {
	return inventory.Host{
		Identity: inventory.Identity{User: "deploy", Address: "127.0.0.1", Port: port},
		Name:     "127.0.0.1",
		Auth:     auth,
	}
}

func newTestSession(host inventory.Host, opts ...Option) *Session {
	return NewSession(host, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestExecute(t *testing.T) {
	srv := startServer(t)
	srv.HandleOutput("uname", "Linux\n", "", 0)
	srv.HandleOutput("false", "", "failed\n", 3)

	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))
	if s.IsConnected() {
		t.Fatal("new session must start unconnected")
	}

	out, err := s.Execute("uname")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.ExitStatus != 0 || string(out.Stdout) != "Linux\n" || len(out.Stderr) != 0 {
		t.Errorf("unexpected output: %+v", out)
	}
	if !s.IsConnected() {
		t.Error("session should be connected after a successful operation")
	}

	out, err = s.Execute("false")
	if err != nil {
		t.Fatalf("non-zero exit status must not be an error: %v", err)
	}
	if out.ExitStatus != 3 || string(out.Stderr) != "failed\n" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestSessionReuse(t *testing.T) {
	srv := startServer(t)
	srv.HandleOutput("true", "", "", 0)

	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))
	for i := 0; i < 2; i++ {
		if _, err := s.Execute("true"); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("expected one transport connection for two calls, got %d", n)
	}

	s.Disconnect()
	if s.IsConnected() {
		t.Error("session still connected after Disconnect")
	}
	if _, err := s.Execute("true"); err != nil {
		t.Fatalf("Execute after Disconnect failed: %v", err)
	}
	if n := srv.Connections(); n != 2 {
		t.Errorf("expected a reconnect after Disconnect, got %d connections", n)
	}
}

func TestConnectSupersedes(t *testing.T) {
	srv := startServer(t)
	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))

	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	first := s.client
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if s.client == first {
		t.Error("Connect did not replace the cached connection")
	}
	if _, _, err := first.SendRequest("keepalive@openssh.com", true, nil); err == nil {
		t.Error("superseded connection is still open")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	srv := startServer(t)
	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: "wrong"}))

	_, err := s.Execute("true")
	if KindOf(err) != KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if s.IsConnected() {
		t.Error("session connected after failed authentication")
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Op != "connect" {
		t.Errorf("Op = %q", e.Op)
	}
	if want := "deploy@127.0.0.1:" + strconv.Itoa(int(srv.Port())); e.Host != want {
		t.Errorf("Host = %q, want %q", e.Host, want)
	}
}

func TestAddressResolutionFailure(t *testing.T) {
	host := hostFor(22, config.AgentAuth{})
	host.Address = "nowhere.invalid"
	host.ResolveErr = errors.New("host not found: nowhere.invalid")

	s := newTestSession(host)
	for _, op := range []func() error{
		func() error { _, err := s.Execute("true"); return err },
		func() error { return s.Download("/etc/hostname", t.TempDir()+"/x") },
		func() error { return s.Upload("/etc/hostname", "/tmp/x") },
	} {
		if err := op(); KindOf(err) != KindAddressResolution {
			t.Errorf("expected address resolution error, got %v", err)
		}
	}
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	s := newTestSession(hostFor(port, config.PasswordAuth{Password: testPassword}))
	if err := s.Connect(); KindOf(err) != KindTransport {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	// Accept and never speak.
	var held []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range held {
			c.Close()
		}
	})

	host := hostFor(uint16(ln.Addr().(*net.TCPAddr).Port), config.PasswordAuth{Password: testPassword})
	host.Timeout = 200 * time.Millisecond
	s := newTestSession(host)

	start := time.Now()
	err = s.Connect()
	if !errors.Is(err, ErrTimeout) || KindOf(err) != KindTransport {
		t.Fatalf("expected transport timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("handshake timeout took %v", elapsed)
	}
}

func TestOperationTimeout(t *testing.T) {
	srv := startServer(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv.Handle("sleep", func(stdout, stderr io.Writer) int {
		<-release
		return 0
	})
	srv.HandleOutput("true", "", "", 0)

	host := hostFor(srv.Port(), config.PasswordAuth{Password: testPassword})
	host.Timeout = 300 * time.Millisecond
	s := newTestSession(host)

	_, err := s.Execute("sleep")
	if !errors.Is(err, ErrTimeout) || KindOf(err) != KindTransport {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.IsConnected() {
		t.Error("timed out session should be disconnected")
	}

	if _, err := s.Execute("true"); err != nil {
		t.Errorf("session did not recover after a timeout: %v", err)
	}
}

func TestTimeoutIsPerCall(t *testing.T) {
	srv := startServer(t)
	srv.Handle("stream", func(stdout, stderr io.Writer) int {
		for i := 0; i < 10; i++ {
			time.Sleep(100 * time.Millisecond)
			io.WriteString(stdout, "tick\n")
		}
		return 0
	})

	host := hostFor(srv.Port(), config.PasswordAuth{Password: testPassword})
	host.Timeout = 300 * time.Millisecond
	s := newTestSession(host)

	// A second of output, never silent for longer than the timeout.
	out, err := s.Execute("stream")
	if err != nil {
		t.Fatalf("command making steady progress failed: %v", err)
	}
	if got := strings.Count(string(out.Stdout), "tick\n"); got != 10 {
		t.Errorf("got %d ticks, want 10", got)
	}
	if !s.IsConnected() {
		t.Error("connection should be kept")
	}

	// Idle time between operations does not count against the timeout.
	time.Sleep(500 * time.Millisecond)
	if _, err := s.Execute("stream"); err != nil {
		t.Errorf("cached connection expired while idle: %v", err)
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestDroppedConnection(t *testing.T) {
	srv := startServer(t)
	srv.HandleOutput("true", "", "", 0)

	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))
	if _, err := s.Execute("true"); err != nil {
		t.Fatal(err)
	}

	srv.DropConnections()
	s.client.Wait()

	if _, err := s.Execute("true"); KindOf(err) != KindTransport {
		t.Fatalf("expected transport error on a dropped connection, got %v", err)
	}
	if s.IsConnected() {
		t.Error("broken connection was kept")
	}
	if _, err := s.Execute("true"); err != nil {
		t.Errorf("expected reconnect, got %v", err)
	}
}

func TestTransfers(t *testing.T) {
	srv := startServer(t)
	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))

	dir := t.TempDir()
	local := filepath.Join(dir, "local.txt")
	if err := os.WriteFile(local, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	remote := filepath.Join(dir, "remote", "uploaded.txt")
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Upload(local, remote); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("uploaded file mode = %v, want 0644", info.Mode().Perm())
	}

	downloaded := filepath.Join(dir, "downloads", "deploy@127.0.0.1:22")
	if err := s.Download(remote, downloaded); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	data, err := os.ReadFile(downloaded)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("downloaded %q", data)
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("transfers should share one connection, got %d", n)
	}
}

func TestTransferErrors(t *testing.T) {
	srv := startServer(t)
	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}))
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing")
	target := filepath.Join(dir, "out", "file")
	err := s.Download(missing, target)
	if KindOf(err) != KindProtocol {
		t.Errorf("expected protocol error for a missing remote file, got %v", err)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Errorf("no local file should be left behind, stat: %v", statErr)
	}
	if !s.IsConnected() {
		t.Error("a remote file error must not drop the connection")
	}

	if err := s.Upload(missing, filepath.Join(dir, "x")); KindOf(err) != KindLocalIO {
		t.Errorf("expected local io error, got %v", err)
	}
	if !s.IsConnected() {
		t.Error("a local error must not drop the connection")
	}
}

func writeKey(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newClientKey(t *testing.T) (ed25519.PrivateKey, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return priv, sshPub
}

func TestPubkeyAuth(t *testing.T) {
	priv, pub := newClientKey(t)
	srv := startServer(t, pub)
	srv.HandleOutput("whoami", "deploy\n", "", 0)

	s := newTestSession(hostFor(srv.Port(), config.PubkeyAuth{KeyPath: writeKey(t, priv)}))
	out, err := s.Execute("whoami")
	if err != nil {
		t.Fatalf("pubkey auth failed: %v", err)
	}
	if string(out.Stdout) != "deploy\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}

	other, _ := newClientKey(t)
	s = newTestSession(hostFor(srv.Port(), config.PubkeyAuth{KeyPath: writeKey(t, other)}))
	if _, err := s.Execute("whoami"); KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error for an unauthorized key, got %v", err)
	}

	s = newTestSession(hostFor(srv.Port(), config.PubkeyAuth{KeyPath: filepath.Join(t.TempDir(), "absent")}))
	if _, err := s.Execute("whoami"); KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error for a missing key file, got %v", err)
	}
}

func TestAgentAuth(t *testing.T) {
	priv, pub := newClientKey(t)
	srv := startServer(t, pub)
	srv.HandleOutput("true", "", "", 0)

	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
		t.Fatal(err)
	}
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				agent.ServeAgent(keyring, c)
			}()
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)

	s := newTestSession(hostFor(srv.Port(), config.AgentAuth{}))
	if _, err := s.Execute("true"); err != nil {
		t.Fatalf("agent auth failed: %v", err)
	}

	t.Setenv("SSH_AUTH_SOCK", "")
	s = newTestSession(hostFor(srv.Port(), config.AgentAuth{}))
	if err := s.Connect(); KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error without an agent, got %v", err)
	}
}

func TestHostKeyVerification(t *testing.T) {
	srv := startServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	strict, err := HostKeyCallback(path, true)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}), WithHostKeyCallback(strict))
	err = s.Connect()
	if err == nil || !strings.Contains(err.Error(), ErrHostKeyUnknown.Error()) {
		t.Fatalf("expected unknown host key error, got %v", err)
	}

	tofu, err := HostKeyCallback(path, false)
	if err != nil {
		t.Fatal(err)
	}
	s = newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}), WithHostKeyCallback(tofu))
	if err := s.Connect(); err != nil {
		t.Fatalf("trust on first use failed: %v", err)
	}
	s.Disconnect()

	strict, err = HostKeyCallback(path, true)
	if err != nil {
		t.Fatal(err)
	}
	s = newTestSession(hostFor(srv.Port(), config.PasswordAuth{Password: testPassword}), WithHostKeyCallback(strict))
	if err := s.Connect(); err != nil {
		t.Errorf("recorded host key rejected: %v", err)
	}
	s.Disconnect()
}
