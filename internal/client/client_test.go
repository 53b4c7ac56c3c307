package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
	"chaincopier/internal/network"
	"chaincopier/internal/server"
	"chaincopier/internal/transfer"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.IsServer = true
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.OutputDir = filepath.Join(t.TempDir(), "received")
	cfg.IdleDelay = 5 * time.Millisecond

	srv := server.New(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, cfg.OutputDir
}

func clientConfig(addr string) *config.Config {
	cfg := config.Default()
	cfg.ServerAddress = addr
	cfg.ConnectDelay = 0
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func connect(t *testing.T, cl *Client, addr string) *network.Connection {
	t.Helper()
	require.NoError(t, cl.Connect(addr))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cl.WaitConnected(ctx, addr)
	require.NoError(t, err)
	return conn
}

func waitResult(t *testing.T, results <-chan transfer.UploadResult) transfer.UploadResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the upload")
		return transfer.UploadResult{}
	}
}

func waitCompleted(t *testing.T, srv *server.Server) server.Completed {
	t.Helper()
	select {
	case c := <-srv.Completed():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server")
		return server.Completed{}
	}
}

func TestClientSendsFile(t *testing.T) {
	srv, outDir := startServer(t)
	addr := srv.Addr().String()

	cl := New(clientConfig(addr), nil)
	defer cl.Close()

	conn := connect(t, cl, addr)
	path, data := writeFile(t, "payload.bin", 150000)

	results, err := cl.SendFile(conn.ID(), path)
	require.NoError(t, err)

	r := waitResult(t, results)
	require.NoError(t, r.Err)
	assert.Equal(t, int64(len(data)), r.Size)

	c := waitCompleted(t, srv)
	assert.Equal(t, filepath.Join(outDir, "payload.bin"), c.Path)
	got, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	infos := cl.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, conn.ID(), infos[0].ID)
	assert.True(t, infos[0].Open)
	assert.False(t, infos[0].Sending)
}

func TestClientReconnectsUntilServerAccepts(t *testing.T) {
	srv, _ := startServer(t)
	addr := srv.Addr().String()

	var attempts atomic.Int32
	dial := func(ctx context.Context, target string, timeout time.Duration) (network.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.NewNetworkError("connect", target, fmt.Errorf("connection refused"))
		}
		return network.Dial(ctx, target, timeout)
	}

	cl := New(clientConfig(addr), nil, WithDialer(dial))
	defer cl.Close()

	conn := connect(t, cl, addr)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, int32(3), attempts.Load())

	assert.ErrorIs(t, cl.Connect(addr), errors.ErrValidation, "a live target is not supervised twice")
}

func TestClientDisconnectStopsReconnecting(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, target string, timeout time.Duration) (network.Conn, error) {
		attempts.Add(1)
		return nil, errors.NewNetworkError("connect", target, fmt.Errorf("connection refused"))
	}

	cl := New(clientConfig("192.0.2.1:8000"), nil, WithDialer(dial))
	defer cl.Close()

	require.NoError(t, cl.Connect("192.0.2.1:8000"))
	assert.ErrorIs(t, cl.Connect("192.0.2.1:8000"), errors.ErrDuplicateName)

	assert.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cl.Disconnect("192.0.2.1:8000"))

	// One attempt may already be running
	time.Sleep(50 * time.Millisecond)
	seen := attempts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, attempts.Load())
	assert.Empty(t, cl.Connections())

	assert.ErrorIs(t, cl.Disconnect("198.51.100.1:8000"), errors.ErrValidation)
}

func TestClientDisconnectAndRestore(t *testing.T) {
	srv, _ := startServer(t)
	addr := srv.Addr().String()

	cl := New(clientConfig(addr), nil)
	defer cl.Close()

	conn := connect(t, cl, addr)
	id := conn.ID()
	session := conn.Session()

	require.NoError(t, cl.Disconnect(addr))
	assert.False(t, conn.IsOpen())

	path, _ := writeFile(t, "late.bin", 10)
	_, err := cl.SendFile(id, path)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)

	require.NoError(t, cl.Restore(id))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	restored, err := cl.WaitConnected(ctx, addr)
	require.NoError(t, err)
	assert.Same(t, conn, restored)
	assert.Equal(t, id, restored.ID())
	assert.NotEqual(t, session, restored.Session())

	assert.ErrorIs(t, cl.Restore(id), errors.ErrValidation, "an open connection cannot be restored")
	assert.ErrorIs(t, cl.Restore(id+1000), errors.ErrValidation)
}

func TestClientSendFileValidation(t *testing.T) {
	srv, _ := startServer(t)
	addr := srv.Addr().String()

	cl := New(clientConfig(addr), nil)
	defer cl.Close()

	_, err := cl.SendFile(42, "whatever")
	assert.ErrorIs(t, err, errors.ErrValidation)

	conn := connect(t, cl, addr)
	_, err = cl.SendFile(conn.ID(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, errors.ErrFileSystem)
}

func TestClientSettings(t *testing.T) {
	cl := New(clientConfig("localhost:8000"), nil)
	defer cl.Close()

	tests := []struct {
		name    string
		apply   func() error
		wantErr bool
	}{
		{"reconnect interval", func() error { return cl.SetReconnectInterval(3 * time.Second) }, false},
		{"zero reconnect interval", func() error { return cl.SetReconnectInterval(0) }, true},
		{"reconnect interval over an hour", func() error { return cl.SetReconnectInterval(2 * time.Hour) }, true},
		{"send interval", func() error { return cl.SetSendInterval(15 * time.Millisecond) }, false},
		{"zero send interval", func() error { return cl.SetSendInterval(0) }, false},
		{"negative send interval", func() error { return cl.SetSendInterval(-time.Millisecond) }, true},
		{"package size", func() error { return cl.SetPackageSize(1024) }, false},
		{"zero package size", func() error { return cl.SetPackageSize(0) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.apply()
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	reconnect, send, size := cl.Settings()
	assert.Equal(t, 3*time.Second, reconnect)
	assert.Equal(t, time.Duration(0), send)
	assert.Equal(t, 1024, size)
}

func TestRun(t *testing.T) {
	srv, _ := startServer(t)

	first, firstData := writeFile(t, "first.bin", 123456)
	second, secondData := writeFile(t, "second.txt", 17)

	cfg := clientConfig(srv.Addr().String())
	cfg.Files = []string{first, second}
	cfg.PackageSize = 4096

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, cfg))

	want := map[string][]byte{"first.bin": firstData, "second.txt": secondData}
	for i := 0; i < len(want); i++ {
		c := waitCompleted(t, srv)
		got, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		assert.Equal(t, want[filepath.Base(c.Path)], got)
		assert.NotEmpty(t, c.Digest)
	}
}

func TestRunRejectsDirectories(t *testing.T) {
	cfg := clientConfig("localhost:8000")
	cfg.Files = []string{t.TempDir()}
	assert.ErrorIs(t, Run(context.Background(), cfg), errors.ErrValidation)
}
