package network

import (
	"net"
	"syscall"
)

// Conn is a stream socket whose Send and Recv never block.
//
// Send returns errors.ErrWouldBlock when the kernel buffer is full and
// nothing was written. Recv returns errors.ErrWouldBlock when no bytes are
// available and io.EOF once the peer closed the stream.
type Conn interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// tcpConn drives the descriptor of a TCP connection directly. The platform
// files provide send and recv.
type tcpConn struct {
	tcp *net.TCPConn
	raw syscall.RawConn
}

func newConn(c *net.TCPConn) (*tcpConn, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &tcpConn{tcp: c, raw: raw}, nil
}

func (c *tcpConn) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.send(p)
}

func (c *tcpConn) Recv(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.recv(p)
}

func (c *tcpConn) Close() error {
	return c.tcp.Close()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.tcp.RemoteAddr()
}
