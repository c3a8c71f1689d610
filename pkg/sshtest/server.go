// Package sshtest runs an in-process SSH server for tests.
//
// The server listens on 127.0.0.1, accepts password and public key
// authentication, answers exec requests from a table of handlers and serves
// the sftp subsystem from the local filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Handler runs a command and returns its exit status.
type Handler func(stdout, stderr io.Writer) int

// Config selects the credentials the server accepts. An empty User accepts
// any user name.
type Config struct {
	User           string
	Password       string
	AuthorizedKeys []ssh.PublicKey
}

// Server is an SSH server bound to a loopback port.
type Server struct {
	cfg      Config
	config   *ssh.ServerConfig
	listener net.Listener
	hostKey  ssh.PublicKey

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[net.Conn]struct{}
	closed   bool

	accepted atomic.Int64
	wg       sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 with a fresh ed25519 host key.
func NewServer(cfg Config) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		hostKey:  signer.PublicKey(),
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkPublicKey,
	}
	s.config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("sshtest: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Start is NewServer for tests: failures are fatal and the server is closed
// on cleanup.
func Start(tb testing.TB, cfg Config) *Server {
	tb.Helper()
	s, err := NewServer(cfg)
	if err != nil {
		tb.Fatalf("sshtest: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Port returns the listening port.
func (s *Server) Port() uint16 {
	return uint16(s.Addr().Port)
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey
}

// Handle registers h for the exact command string.
func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// HandleOutput registers a handler that prints stdout and stderr and exits
// with status.
func (s *Server) HandleOutput(command, stdout, stderr string, status int) {
	s.Handle(command, func(o, e io.Writer) int {
		io.WriteString(o, stdout)
		io.WriteString(e, stderr)
		return status
	})
}

// Connections returns the number of TCP connections accepted so far.
func (s *Server) Connections() int {
	return int(s.accepted.Load())
}

// DropConnections closes every open client connection, as a network failure
// would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) checkPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if s.cfg.User != "" && conn.User() != s.cfg.User {
		return nil, errors.New("unknown user")
	}
	if s.cfg.Password == "" || string(password) != s.cfg.Password {
		return nil, errors.New("wrong password")
	}
	return nil, nil
}

func (s *Server) checkPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if s.cfg.User != "" && conn.User() != s.cfg.User {
		return nil, errors.New("unknown user")
	}
	for _, k := range s.cfg.AuthorizedKeys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}
	return nil, errors.New("key not authorized")
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.exec(ch, payload.Command)
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go serveSFTP(ch)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) exec(ch ssh.Channel, command string) {
	defer ch.Close()

	s.mu.Lock()
	h, ok := s.handlers[command]
	s.mu.Unlock()

	status := 127
	if ok {
		status = h(ch, ch.Stderr())
	} else {
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", command)
	}

	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	_ = server.Serve()
	server.Close()
}
