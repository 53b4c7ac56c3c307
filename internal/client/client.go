package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
	"chaincopier/internal/filesystem"
	"chaincopier/internal/logging"
	"chaincopier/internal/network"
	"chaincopier/internal/progress"
	"chaincopier/internal/scheduler"
	"chaincopier/internal/transfer"
)

// ConnectionInfo describes a registered connection
type ConnectionInfo struct {
	ID         uint64
	Target     string
	Session    string
	RemoteAddr string
	Open       bool
	Sending    bool
}

// Option configures a Client
type Option func(*Client)

// WithDialer replaces the dial function of new connections
func WithDialer(dial network.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// Client keeps supervised connections to servers and streams files over
// them. It is the transfer.Factory of its supervisors and send chains.
type Client struct {
	cfg    *config.Config
	sched  *scheduler.Scheduler
	notify logging.Notifier
	dial   network.DialFunc

	mu                sync.Mutex
	conns             map[uint64]*network.Connection // connections that went live at least once
	targets           map[string]*network.Connection
	uploads           map[uint64]*transfer.Upload
	reconnectInterval time.Duration
	sendInterval      time.Duration
	packageSize       int
	stats             *network.NetworkStats
	changed           chan struct{}
	closed            bool
}

// New creates a client for cfg. A nil notifier logs through slog.
func New(cfg *config.Config, notify logging.Notifier, opts ...Option) *Client {
	if notify == nil {
		notify = logging.NewNotifier(nil, "component", "client")
	}
	c := &Client{
		cfg:               cfg,
		sched:             scheduler.New(scheduler.WithNotifier(notify), scheduler.WithName("Mainframe")),
		notify:            notify,
		conns:             make(map[uint64]*network.Connection),
		targets:           make(map[string]*network.Connection),
		uploads:           make(map[uint64]*transfer.Upload),
		reconnectInterval: cfg.ReconnectInterval,
		sendInterval:      cfg.SendInterval,
		packageSize:       cfg.PackageSize,
		stats:             network.NewNetworkStats(cfg),
		changed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts supervising a connection to target. The first attempt
// happens after the configured connect delay, then once per reconnect
// interval until one succeeds.
func (c *Client) Connect(target string) error {
	c.mu.Lock()
	conn, ok := c.targets[target]
	if !ok {
		conn = network.NewConnection(target, c.cfg.ConnectTimeout)
		if c.dial != nil {
			conn.WithDialer(c.dial)
		}
		c.targets[target] = conn
	}
	interval := c.reconnectInterval
	c.mu.Unlock()

	if conn.IsOpen() {
		return errors.NewValidationError("target", target, "already connected")
	}
	return c.supervise(conn, interval)
}

func (c *Client) supervise(conn *network.Connection, interval time.Duration) error {
	sup := c.CreateTask(transfer.KindConnect, conn)
	if err := c.sched.Schedule(sup, c.cfg.ConnectDelay, interval); err != nil {
		return err
	}
	slog.Debug("Connection supervised", "task", sup.Name(), "reconnect_interval", interval)
	return nil
}

// Disconnect stops the reconnection attempts to target, cancels its send
// chain and closes the link
func (c *Client) Disconnect(target string) error {
	c.mu.Lock()
	conn, ok := c.targets[target]
	c.mu.Unlock()
	if !ok {
		return errors.NewValidationError("target", target, "no connection to this target")
	}

	if _, err := c.sched.CancelByName(transfer.TaskName(transfer.KindConnect, conn), false); err != nil {
		return err
	}
	if _, err := c.sched.CancelByName(transfer.TaskName(transfer.KindSend, conn), false); err != nil {
		return err
	}

	if conn.IsOpen() {
		conn.Close()
		c.notify.Info(fmt.Sprintf("Connection with %s is disconnected.", target))
	} else {
		c.notify.Info(fmt.Sprintf("Connection to %s is not connected and only reconnection process has stopped.", target))
	}
	c.broadcast()
	return nil
}

// Restore supervises a closed connection again. The id stays the same.
func (c *Client) Restore(id uint64) error {
	c.mu.Lock()
	conn, ok := c.conns[id]
	interval := c.reconnectInterval
	c.mu.Unlock()

	if !ok {
		return errors.NewValidationError("id", id, "no connection with this id")
	}
	if conn.IsOpen() {
		return errors.NewValidationError("id", id,
			fmt.Sprintf("connection already keeps a link with %s", conn.RemoteAddr()))
	}
	return c.supervise(conn, interval)
}

// SendFile streams path over the connection id. The returned channel
// receives the result once.
func (c *Client) SendFile(id uint64, path string) (<-chan transfer.UploadResult, error) {
	return c.send(id, path, nil)
}

func (c *Client) send(id uint64, path string, onProgress func(sent, total int64)) (<-chan transfer.UploadResult, error) {
	c.mu.Lock()
	conn, ok := c.conns[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NewValidationError("id", id, "no connection with this id")
	}
	if !conn.IsOpen() {
		c.mu.Unlock()
		return nil, errors.NewNetworkError("send", conn.Target(), errors.ErrConnectionClosed)
	}
	if up, busy := c.uploads[id]; busy && !up.Done() {
		c.mu.Unlock()
		return nil, errors.NewValidationError("id", id, fmt.Sprintf("connection is busy sending %s", up.Path()))
	}

	upload, err := transfer.NewUpload(path, transfer.SendOptions{
		PackageSize:  c.packageSize,
		SendInterval: c.sendInterval,
		Stats:        c.adaptiveStats(),
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	results := make(chan transfer.UploadResult, 1)
	upload.OnProgress = onProgress
	upload.OnComplete = func(r transfer.UploadResult) {
		if r.Err != nil {
			slog.Warn("Upload ended", "file", r.Path, "sent", r.Sent, "error", r.Err)
		} else {
			slog.Debug("Upload ended", "file", r.Path, "sent", r.Sent, "rounds", r.Rounds)
		}
		results <- r
	}
	c.uploads[id] = upload
	c.mu.Unlock()

	c.notify.Info(fmt.Sprintf("%q is opened for reading. Sending will be stopped after the entire content be sent.", path))

	task := c.CreateTask(transfer.KindSend, conn)
	if task == nil {
		upload.Abort(errors.NewProtocolError("send", "send chain was not created", nil))
		return results, nil
	}
	if err := c.sched.Schedule(task, 0, 0); err != nil {
		upload.Abort(err)
		return nil, err
	}
	return results, nil
}

// adaptiveStats returns the shared throughput tracker when adaptive delay
// is on. Caller holds the lock.
func (c *Client) adaptiveStats() *network.NetworkStats {
	if !c.cfg.AdaptiveDelay {
		return nil
	}
	return c.stats
}

// WaitConnected blocks until the connection to target is live
func (c *Client) WaitConnected(ctx context.Context, target string) (*network.Connection, error) {
	for {
		c.mu.Lock()
		conn, ok := c.targets[target]
		if ok && conn.IsOpen() {
			if _, live := c.conns[conn.ID()]; live {
				c.mu.Unlock()
				return conn, nil
			}
		}
		if c.closed {
			c.mu.Unlock()
			return nil, errors.NewNetworkError("connect", target, errors.ErrSchedulerStopped)
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.NewNetworkError("connect", target, ctx.Err())
		case <-changed:
		}
	}
}

// CreateTask returns a supervisor or a send link for conn
func (c *Client) CreateTask(kind transfer.Kind, conn *network.Connection) scheduler.Task {
	switch kind {
	case transfer.KindConnect:
		return transfer.NewSupervisor(conn, c, c.notify)
	case transfer.KindSend:
		c.mu.Lock()
		up, ok := c.uploads[conn.ID()]
		c.mu.Unlock()
		if !ok || up.Done() {
			return nil
		}
		return transfer.NewSender(up, conn, c, c.notify)
	default:
		return nil
	}
}

// DestroyTask cancels a queued task
func (c *Client) DestroyTask(task scheduler.Task) {
	c.sched.Cancel(task, false)
}

// RegisterLiveConnection records a connection that just went live
func (c *Client) RegisterLiveConnection(kind transfer.Kind, conn *network.Connection) {
	if kind != transfer.KindConnect {
		return
	}
	c.mu.Lock()
	c.conns[conn.ID()] = conn
	c.targets[conn.Target()] = conn
	c.mu.Unlock()
	c.broadcast()
}

func (c *Client) broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.changed)
	c.changed = make(chan struct{})
}

// SetReconnectInterval changes the period of supervisors started from now on
func (c *Client) SetReconnectInterval(d time.Duration) error {
	if d <= 0 || d > config.MaxIntervalSetting {
		return errors.NewValidationError("reconnect_interval", d,
			fmt.Sprintf("must be positive and no greater than %s", config.MaxIntervalSetting))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectInterval = d
	return nil
}

// SetSendInterval changes the delay between send rounds, running uploads included
func (c *Client) SetSendInterval(d time.Duration) error {
	if d < 0 || d > config.MaxIntervalSetting {
		return errors.NewValidationError("send_interval", d,
			fmt.Sprintf("must be between 0 and %s", config.MaxIntervalSetting))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendInterval = d
	for _, up := range c.uploads {
		up.SetSendInterval(d)
	}
	return nil
}

// SetPackageSize changes the bytes read per send round, running uploads included
func (c *Client) SetPackageSize(size int) error {
	if size <= 0 {
		return errors.NewValidationError("package_size", size, "package size must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packageSize = size
	for _, up := range c.uploads {
		up.SetPackageSize(size)
	}
	return nil
}

// Settings returns the current reconnect interval, send interval and package size
func (c *Client) Settings() (reconnect, send time.Duration, packageSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectInterval, c.sendInterval, c.packageSize
}

// Connections lists the connections that went live at least once, by id
func (c *Client) Connections() []ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(c.conns))
	for id, conn := range c.conns {
		up, ok := c.uploads[id]
		out = append(out, ConnectionInfo{
			ID:         id,
			Target:     conn.Target(),
			Session:    conn.Session(),
			RemoteAddr: conn.RemoteAddr(),
			Open:       conn.IsOpen(),
			Sending:    ok && !up.Done(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the scheduler and closes every connection
func (c *Client) Close() {
	c.sched.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	targets := make([]*network.Connection, 0, len(c.targets))
	for _, conn := range c.targets {
		targets = append(targets, conn)
	}
	c.mu.Unlock()

	for _, conn := range targets {
		conn.Close()
	}
	c.broadcast()
}

// Run connects to the configured server and sends every configured file in turn
func Run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting client", "server", cfg.ServerAddress, "files", len(cfg.Files))

	var totalSize int64
	for _, path := range cfg.Files {
		info, err := filesystem.GetFileInfo(path)
		if err != nil {
			return err
		}
		if info.IsDir {
			return errors.NewValidationError("file_path", path, "cannot transfer directories")
		}
		totalSize += info.Size
	}

	cl := New(cfg, nil)
	defer cl.Close()

	if err := cl.Connect(cfg.ServerAddress); err != nil {
		return err
	}
	conn, err := cl.WaitConnected(ctx, cfg.ServerAddress)
	if err != nil {
		return err
	}

	logging.LogSessionStart("CLIENT", totalSize, int64(cfg.PackageSize), 1)
	start := time.Now()
	var sent int64

	for _, path := range cfg.Files {
		n, err := cl.transfer(ctx, conn.ID(), path)
		sent += n
		if err != nil {
			logging.LogSessionEnd(false, sent, time.Since(start))
			return err
		}
	}

	logging.LogSessionEnd(true, sent, time.Since(start))
	return nil
}

// transfer sends one file and waits for the chain to end
func (c *Client) transfer(ctx context.Context, id uint64, path string) (int64, error) {
	if c.cfg.VerifyHash {
		sum, algorithm, err := filesystem.HashFile(path)
		if err != nil {
			return 0, err
		}
		slog.Info("File digest", "file", path, "algorithm", algorithm, "digest", sum)
	}

	info, err := filesystem.GetFileInfo(path)
	if err != nil {
		return 0, err
	}
	stats := progress.NewStats(info.Name, info.Size)
	reporter := progress.NewReporter(stats, c.cfg.ShowProgress)
	reporter.Start()
	defer reporter.Stop()

	results, err := c.send(id, path, func(sent, total int64) { stats.SetTransferred(sent) })
	if err != nil {
		return 0, err
	}

	select {
	case r := <-results:
		if r.Err != nil {
			return r.Size, r.Err
		}
		logging.LogTransferComplete(path, r.Size, r.Duration)
		return r.Size, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
