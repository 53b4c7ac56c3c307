package server

import (
	"crypto/md5"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaincopier/internal/config"
	"chaincopier/internal/protocol"
	"chaincopier/internal/transfer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.IsServer = true
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.OutputDir = filepath.Join(t.TempDir(), "received")
	cfg.IdleDelay = 5 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := New(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func waitCompleted(t *testing.T, srv *Server) Completed {
	t.Helper()
	select {
	case c := <-srv.Completed():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completed transfer")
		return Completed{}
	}
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	return data
}

func TestServerReceivesFile(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	data := payload(150000)
	_, err = conn.Write(protocol.Encode("/home/user/data.bin", data))
	require.NoError(t, err)

	c := waitCompleted(t, srv)
	assert.Equal(t, "/home/user/data.bin", c.Announced)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "data.bin"), c.Path)
	assert.Equal(t, int64(len(data)), c.Size)
	require.NoError(t, c.Err)
	assert.Equal(t, protocol.HashMD5, c.Algorithm)
	assert.Equal(t, fmt.Sprintf("%x", md5.Sum(data)), c.Digest)

	got, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	select {
	case extra := <-srv.Completed():
		t.Fatalf("unexpected second completion: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerSequentialTransfersOnOneConnection(t *testing.T) {
	cfg := testConfig(t)
	cfg.VerifyHash = false
	srv := startServer(t, cfg)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	files := map[string][]byte{
		"one.txt": []byte("first file"),
		"two.bin": payload(70000),
	}
	var stream []byte
	for _, name := range []string{"one.txt", "two.bin"} {
		stream = append(stream, protocol.Encode(name, files[name])...)
	}

	// Dribble the stream in uneven pieces so tags split across reads
	for len(stream) > 0 {
		n := 777
		if n > len(stream) {
			n = len(stream)
		}
		_, err := conn.Write(stream[:n])
		require.NoError(t, err)
		stream = stream[n:]
	}

	for i := 0; i < 2; i++ {
		c := waitCompleted(t, srv)
		want, ok := files[filepath.Base(c.Path)]
		require.True(t, ok, "unexpected file %s", c.Path)
		got, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Empty(t, c.Digest)
	}
}

func TestServerSplitBy(t *testing.T) {
	cfg := testConfig(t)
	cfg.SplitBy = 1000
	srv := startServer(t, cfg)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	data := payload(250001)
	_, err = conn.Write(protocol.Encode("split.bin", data))
	require.NoError(t, err)

	c := waitCompleted(t, srv)
	got, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServerReleasesClosedConnections(t *testing.T) {
	srv := startServer(t, testConfig(t))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(srv.Connections()) == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return len(srv.Connections()) == 0 },
		5*time.Second, 50*time.Millisecond)
}

func TestServerFactory(t *testing.T) {
	srv := New(testConfig(t), nil)
	defer srv.Stop()

	assert.Nil(t, srv.CreateTask(transfer.KindSend, nil))
	assert.Nil(t, srv.CreateTask(transfer.KindConnect, nil))
	assert.Nil(t, srv.Addr())
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv := New(testConfig(t), nil)
	require.NoError(t, srv.Start())

	addr := srv.Addr().String()
	srv.Stop()
	srv.Stop()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}
