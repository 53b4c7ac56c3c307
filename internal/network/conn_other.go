//go:build !linux

package network

import (
	"net"
	"time"

	"chaincopier/internal/errors"
)

// pollTimeout bounds a single send or recv. The runtime refuses to read
// once a deadline has passed, so the deadline must lie slightly ahead.
const pollTimeout = time.Millisecond

func (c *tcpConn) send(p []byte) (int, error) {
	if err := c.tcp.SetWriteDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}
	n, err := c.tcp.Write(p)
	if err != nil && isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, errors.ErrWouldBlock
	}
	return n, err
}

func (c *tcpConn) recv(p []byte) (int, error) {
	if err := c.tcp.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}
	n, err := c.tcp.Read(p)
	if err != nil && isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, errors.ErrWouldBlock
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
