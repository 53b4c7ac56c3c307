package network

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chaincopier/internal/errors"
)

var connectionIDs atomic.Uint64

// DialFunc opens a new non-blocking connection to addr
type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (Conn, error)

// Connection is the shared handle of one logical link. The supervisor and
// whichever chain is feeding or draining the link hold the same pointer;
// every socket operation goes through the handle's lock.
type Connection struct {
	mu      sync.Mutex
	id      uint64
	session string
	target  string
	timeout time.Duration
	dial    DialFunc
	conn    Conn
	open    bool
}

// NewConnection creates a closed handle that connects to target on demand
func NewConnection(target string, timeout time.Duration) *Connection {
	return &Connection{
		id:      connectionIDs.Add(1),
		target:  target,
		timeout: timeout,
		dial:    Dial,
	}
}

// Accepted wraps a connection obtained from a Listener
func Accepted(conn Conn) *Connection {
	return &Connection{
		id:      connectionIDs.Add(1),
		session: uuid.NewString(),
		target:  conn.RemoteAddr().String(),
		conn:    conn,
		open:    true,
	}
}

// WithDialer replaces the dial function, mainly for tests
func (c *Connection) WithDialer(dial DialFunc) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = dial
	return c
}

// ID returns the registry key of the handle. It stays the same across
// reconnects.
func (c *Connection) ID() uint64 {
	return c.id
}

// Target returns the address the handle connects to, or the peer address
// for accepted connections
func (c *Connection) Target() string {
	return c.target
}

// Session returns the id of the current link, regenerated on every connect
func (c *Connection) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsOpen reports whether the link is usable
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// RemoteAddr returns the peer address of the open link
func (c *Connection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Connect opens the link if it is closed. Connecting an open handle is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return nil
	}
	if c.dial == nil {
		return errors.NewNetworkError("connect", c.target, fmt.Errorf("accepted connection cannot reconnect"))
	}

	conn, err := c.dial(ctx, c.target, c.timeout)
	if err != nil {
		return err
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.open = true
	c.session = uuid.NewString()
	return nil
}

// Send writes as much of p as the socket accepts without blocking
func (c *Connection) Send(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return 0, errors.NewNetworkError("send", c.target, errors.ErrConnectionClosed)
	}
	n, err := c.conn.Send(p)
	if err != nil && !errors.IsWouldBlock(err) {
		c.closeLocked()
		return n, errors.NewNetworkError("send", c.target, err)
	}
	return n, err
}

// Recv reads whatever is available without blocking. A peer close marks the
// handle closed and returns errors.ErrConnectionClosed.
func (c *Connection) Recv(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return 0, errors.NewNetworkError("recv", c.target, errors.ErrConnectionClosed)
	}
	n, err := c.conn.Recv(p)
	switch {
	case err == nil, errors.IsWouldBlock(err):
		return n, err
	case errors.Is(err, io.EOF):
		c.closeLocked()
		return n, errors.NewNetworkError("recv", c.target, errors.ErrConnectionClosed)
	default:
		c.closeLocked()
		return n, errors.NewNetworkError("recv", c.target, err)
	}
}

// Close shuts the link down. The handle can be connected again.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	c.open = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// String identifies the handle in logs
func (c *Connection) String() string {
	return fmt.Sprintf("connection#%d(%s)", c.id, c.target)
}
