package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
)

func TestNewNetworkStats(t *testing.T) {
	cfg := &config.Config{
		AdaptiveDelay: true,
		MinDelay:      time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
	}

	stats := NewNetworkStats(cfg)

	assert.NotNil(t, stats)
	assert.Equal(t, 1.0, stats.DelayMultiplier)
	assert.NotZero(t, stats.LastChunkTime)
}

func TestUpdateStats(t *testing.T) {
	cfg := &config.Config{
		AdaptiveDelay: true,
		MinDelay:      time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
	}

	stats := NewNetworkStats(cfg)

	// Wait a small amount to ensure time difference
	time.Sleep(time.Millisecond)

	chunkSize := int64(60000)
	stats.UpdateStats(chunkSize)

	assert.Equal(t, chunkSize, stats.LastChunkSize)
	assert.True(t, stats.AvgTransferRate > 0)
}

func TestGetDelay(t *testing.T) {
	cfg := &config.Config{
		AdaptiveDelay: true,
		MinDelay:      time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
	}

	stats := NewNetworkStats(cfg)

	tests := []struct {
		base     time.Duration
		expected time.Duration
	}{
		{0, time.Millisecond},
		{10 * time.Millisecond, 10 * time.Millisecond},
		{time.Second, 100 * time.Millisecond},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, stats.GetDelay(test.base), "Base: %s", test.base)
	}
}

func TestGetDelayWithoutAdaptive(t *testing.T) {
	cfg := &config.Config{
		AdaptiveDelay: false,
		SendInterval:  10 * time.Millisecond,
	}

	stats := NewNetworkStats(cfg)

	// Should return the base delay when adaptive is disabled
	assert.Equal(t, cfg.SendInterval, stats.GetDelay(cfg.SendInterval))
	assert.Equal(t, time.Duration(0), stats.GetDelay(0))
}

// loopback returns a dialed and an accepted end of one TCP connection
func loopback(t *testing.T) (Conn, Conn) {
	t.Helper()

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err := Dial(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() { server.Close() })
	return client, server
}

func recvEventually(t *testing.T, c Conn, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 1024)
	require.Eventually(t, func() bool {
		n, err := c.Recv(buf)
		if err == nil {
			got = append(got, buf[:n]...)
		}
		return len(got) >= want
	}, 2*time.Second, time.Millisecond)
	return got
}

func TestConnNonBlocking(t *testing.T) {
	client, server := loopback(t)

	buf := make([]byte, 64)
	_, err := server.Recv(buf)
	assert.ErrorIs(t, err, errors.ErrWouldBlock)

	n, err := client.Send([]byte("<Hello"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.Equal(t, []byte("<Hello"), recvEventually(t, server, 6))
}

func TestConnPeerClose(t *testing.T) {
	client, server := loopback(t)
	require.NoError(t, client.Close())

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		_, err := server.Recv(buf)
		return err == io.EOF
	}, 2*time.Second, time.Millisecond)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, time.Second)
	assert.ErrorIs(t, err, errors.ErrNetwork)
}

// fakeConn is an in-memory Conn
type fakeConn struct {
	inbox   []byte
	sent    []byte
	recvErr error
	closed  bool
}

func (f *fakeConn) Send(p []byte) (int, error) {
	f.sent = append(f.sent, p...)
	return len(p), nil
}

func (f *fakeConn) Recv(p []byte) (int, error) {
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	if len(f.inbox) == 0 {
		return 0, errors.ErrWouldBlock
	}
	n := copy(p, f.inbox)
	f.inbox = f.inbox[n:]
	return n, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000}
}

func TestConnectionLifecycle(t *testing.T) {
	var dials int
	fc := &fakeConn{}
	conn := NewConnection("localhost:8000", time.Second).WithDialer(
		func(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
			dials++
			if dials == 1 {
				return nil, errors.NewNetworkError("connect", addr, fmt.Errorf("connection refused"))
			}
			return fc, nil
		})

	assert.False(t, conn.IsOpen())
	_, err := conn.Send([]byte("x"))
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)

	assert.Error(t, conn.Connect(context.Background()))
	assert.False(t, conn.IsOpen())

	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.IsOpen())
	assert.NotEmpty(t, conn.Session())
	assert.Equal(t, "127.0.0.1:8000", conn.RemoteAddr())

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, 2, dials, "connecting an open handle does not dial")

	_, err = conn.Recv(make([]byte, 8))
	assert.True(t, errors.IsWouldBlock(err))
	assert.True(t, conn.IsOpen())

	fc.recvErr = io.EOF
	_, err = conn.Recv(make([]byte, 8))
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	assert.False(t, conn.IsOpen())
	assert.True(t, fc.closed)
}

func TestAcceptedConnectionCannotReconnect(t *testing.T) {
	conn := Accepted(&fakeConn{})
	assert.True(t, conn.IsOpen())
	assert.Equal(t, "127.0.0.1:8000", conn.Target())

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsOpen())
	assert.Error(t, conn.Connect(context.Background()))
}

func TestConnectionIDsAreUnique(t *testing.T) {
	a := NewConnection("a:1", time.Second)
	b := NewConnection("a:1", time.Second)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Contains(t, a.String(), "a:1")
}
