//go:build linux

package network

import (
	"io"

	"golang.org/x/sys/unix"

	"chaincopier/internal/errors"
)

// send and recv issue one MSG_DONTWAIT syscall on the descriptor. The
// RawConn callbacks return true so the runtime poller never parks.

func (c *tcpConn) send(p []byte) (int, error) {
	var n int
	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.SendmsgN(int(fd), p, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if transient(opErr) {
			return 0, errors.ErrWouldBlock
		}
		return 0, opErr
	}
	return n, nil
}

func (c *tcpConn) recv(p []byte) (int, error) {
	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, _, opErr = unix.Recvfrom(int(fd), p, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if transient(opErr) {
			return 0, errors.ErrWouldBlock
		}
		return 0, opErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func transient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
