// Package executor fans one operation out to every host of a client and
// collects exactly one result per host.
//
// Each operation returns a receive-only channel immediately. The channel is
// buffered to the number of hosts, so tasks never block on publishing and a
// caller that stops reading leaks nothing; it is closed once every host has
// reported.
//
// Example Usage:
//
//	exec := executor.New(sessions, 10)
//	for msg := range exec.Execute("uptime") {
//	    if msg.Err != nil {
//	        fmt.Printf("[%s] %v\n", msg.Host, msg.Err)
//	        continue
//	    }
//	    fmt.Printf("[%s] %s", msg.Host, msg.Value.Stdout)
//	}
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/logger"
	"github.com/liliang-cn/massh/pkg/ssh"
)

// RemoteSession is the per-host connection the executor drives. The
// executor never calls a session from two goroutines at once.
type RemoteSession interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Execute(command string) (*ssh.CommandOutput, error)
	Download(remotePath, localPath string) error
	Upload(localPath, remotePath string) error
}

// Message is the outcome of an operation on one host. Err is nil on
// success, in which case Value holds the result.
type Message[T any] struct {
	Host     inventory.Identity
	Value    T
	Err      error
	Duration time.Duration
}

// target serializes every call on one host's session.
type target struct {
	mu      sync.Mutex
	id      inventory.Identity
	session RemoteSession
}

// Executor runs operations on a fixed set of hosts.
type Executor struct {
	targets []*target
	byID    map[inventory.Identity]*target
	sem     *semaphore.Weighted
	logger  *logger.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an executor over sessions. With concurrency > 0 at most that
// many host tasks run at a time and the rest wait their turn; otherwise
// every host gets its own goroutine.
func New(sessions map[inventory.Identity]RemoteSession, concurrency int, opts ...Option) *Executor {
	e := &Executor{
		targets: make([]*target, 0, len(sessions)),
		byID:    make(map[inventory.Identity]*target, len(sessions)),
		logger:  logger.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for id, s := range sessions {
		t := &target{id: id, session: s}
		e.targets = append(e.targets, t)
		e.byID[id] = t
	}
	sort.Slice(e.targets, func(i, j int) bool {
		return e.targets[i].id.Less(e.targets[j].id)
	})

	if concurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(concurrency))
	}
	return e
}

// Hosts returns the identities of every host in sorted order.
func (e *Executor) Hosts() []inventory.Identity {
	ids := make([]inventory.Identity, len(e.targets))
	for i, t := range e.targets {
		ids[i] = t.id
	}
	return ids
}

// Len returns the number of hosts.
func (e *Executor) Len() int {
	return len(e.targets)
}

// Execute runs command on every host.
func (e *Executor) Execute(command string) <-chan Message[*ssh.CommandOutput] {
	e.logger.Debug("execute %q on %d hosts", command, len(e.targets))
	return dispatch(e, "execute", func(_ inventory.Identity, s RemoteSession) (*ssh.CommandOutput, error) {
		return s.Execute(command)
	})
}

// Download fetches remotePath from every host into localDir/<identity>.
func (e *Executor) Download(remotePath, localDir string) <-chan Message[struct{}] {
	e.logger.Debug("download %s from %d hosts into %s", remotePath, len(e.targets), localDir)
	return dispatch(e, "download", func(id inventory.Identity, s RemoteSession) (struct{}, error) {
		return struct{}{}, s.Download(remotePath, DownloadPath(localDir, id))
	})
}

// Upload copies localPath to remotePath on every host.
func (e *Executor) Upload(localPath, remotePath string) <-chan Message[struct{}] {
	e.logger.Debug("upload %s to %s on %d hosts", localPath, remotePath, len(e.targets))
	return dispatch(e, "upload", func(_ inventory.Identity, s RemoteSession) (struct{}, error) {
		return struct{}{}, s.Upload(localPath, remotePath)
	})
}

// DownloadPath is the local file a download from id is written to, named
// user@address:port. Windows does not allow ':' in file names, so there it
// is replaced by '_'.
func DownloadPath(localDir string, id inventory.Identity) string {
	return filepath.Join(localDir, downloadName(id, runtime.GOOS))
}

func downloadName(id inventory.Identity, goos string) string {
	name := id.String()
	if goos == "windows" {
		name = strings.ReplaceAll(name, ":", "_")
	}
	return name
}

// Disconnect drops the cached connection of one host, waiting for any
// operation in progress on it. It reports whether the host is known.
func (e *Executor) Disconnect(id inventory.Identity) bool {
	t, ok := e.byID[id]
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.Disconnect()
	return true
}

// DisconnectAll drops every cached connection.
func (e *Executor) DisconnectAll() {
	for _, t := range e.targets {
		t.mu.Lock()
		t.session.Disconnect()
		t.mu.Unlock()
	}
}

// IsConnected reports whether id has a cached connection.
func (e *Executor) IsConnected(id inventory.Identity) bool {
	t, ok := e.byID[id]
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.IsConnected()
}

// dispatch submits one task per host and returns the channel they publish
// to.
func dispatch[T any](e *Executor, op string, call func(inventory.Identity, RemoteSession) (T, error)) <-chan Message[T] {
	out := make(chan Message[T], len(e.targets))
	if len(e.targets) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	wg.Add(len(e.targets))
	for _, t := range e.targets {
		e.submit(func() {
			defer wg.Done()
			msg := runTask(t, call)
			if msg.Err != nil {
				e.logger.Debug("%s on %s failed after %v: %v", op, t.id, msg.Duration, msg.Err)
			} else {
				e.logger.Debug("%s on %s done in %v", op, t.id, msg.Duration)
			}
			out <- msg
		})
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// runTask calls the session under the host lock. A panic becomes the
// message's error.
func runTask[T any](t *target, call func(inventory.Identity, RemoteSession) (T, error)) (msg Message[T]) {
	msg.Host = t.id
	start := time.Now()

	t.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			msg.Value = zero
			msg.Err = fmt.Errorf("panic: %v", r)
		}
		t.mu.Unlock()
		msg.Duration = time.Since(start)
	}()

	msg.Value, msg.Err = call(t.id, t.session)
	return msg
}

func (e *Executor) submit(task func()) {
	if e.sem == nil {
		go task()
		return
	}
	go func() {
		// Acquire only fails when the context is done.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		task()
	}()
}
