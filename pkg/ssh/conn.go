package ssh

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// deadlineConn bounds each read and write on the connection by timeout while
// an operation is in progress. Every transferred chunk pushes the deadline
// forward, so only a call that makes no progress for timeout fails. Between
// operations the connection carries no deadline.
type deadlineConn struct {
	net.Conn
	timeout time.Duration

	mu      sync.Mutex
	active  bool
	expired atomic.Bool
}

func newDeadlineConn(conn net.Conn, timeout time.Duration) *deadlineConn {
	return &deadlineConn{Conn: conn, timeout: timeout}
}

// begin arms the deadline for an operation.
func (c *deadlineConn) begin() {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.Conn.SetDeadline(time.Now().Add(c.timeout))
}

// end lifts the deadline once the operation has returned.
func (c *deadlineConn) end() {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.Conn.SetDeadline(time.Time{})
}

func (c *deadlineConn) extend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// timedOut reports whether a read or write has hit the deadline. The SSH
// transport turns that into a closed connection, so callers see EOF rather
// than the timeout itself.
func (c *deadlineConn) timedOut() bool {
	return c.expired.Load()
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.timeout > 0 {
		c.extend()
	}
	if err != nil && isTimeout(err) {
		c.expired.Store(true)
	}
	return n, err
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.timeout > 0 {
		c.extend()
	}
	if err != nil && isTimeout(err) {
		c.expired.Store(true)
	}
	return n, err
}
