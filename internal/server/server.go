package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
	"chaincopier/internal/filesystem"
	"chaincopier/internal/logging"
	"chaincopier/internal/network"
	"chaincopier/internal/progress"
	"chaincopier/internal/protocol"
	"chaincopier/internal/scheduler"
	"chaincopier/internal/transfer"
)

const (
	reaperName     = "reaper"
	reaperInterval = time.Second
	completedQueue = 64
)

// Completed reports a file received by the server
type Completed struct {
	transfer.Completion
	Digest    string
	Algorithm protocol.HashAlgorithm
	Err       error // digest failure; the file itself was received
}

// Server accepts connections and drives one receive chain per connection on
// its scheduler. It is the transfer.Factory of those chains.
type Server struct {
	cfg      *config.Config
	sched    *scheduler.Scheduler
	notify   logging.Notifier
	listener *network.Listener

	mu        sync.Mutex
	conns     map[uint64]*network.Connection
	inbound   map[uint64]*transfer.Inbound
	reporters map[uint64]*progress.Reporter
	closing   bool

	completed chan Completed
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a server for cfg. A nil notifier logs through slog.
func New(cfg *config.Config, notify logging.Notifier) *Server {
	if notify == nil {
		notify = logging.NewNotifier(nil, "component", "server")
	}
	return &Server{
		cfg:       cfg,
		sched:     scheduler.New(scheduler.WithNotifier(notify), scheduler.WithName("FileServer")),
		notify:    notify,
		conns:     make(map[uint64]*network.Connection),
		inbound:   make(map[uint64]*transfer.Inbound),
		reporters: make(map[uint64]*progress.Reporter),
		completed: make(chan Completed, completedQueue),
		done:      make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting connections
func (s *Server) Start() error {
	if err := filesystem.EnsureDirectoryExists(s.cfg.OutputDir); err != nil {
		return err
	}

	listener, err := network.Listen(s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener

	reaper := scheduler.NewTask(reaperName, func(ctx context.Context) scheduler.Result {
		s.reap()
		return scheduler.Result{}
	})
	if err := s.sched.Schedule(reaper, reaperInterval, reaperInterval); err != nil {
		listener.Close()
		return err
	}

	s.wg.Add(1)
	go s.acceptLoop()

	msg := fmt.Sprintf("FileServer is started on %q", listener.Addr())
	s.notify.Info(msg)
	s.notify.Debug(msg)
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Completed delivers every completely received file
func (s *Server) Completed() <-chan Completed {
	return s.completed
}

// Connections returns the ids of the registered connections
func (s *Server) Connections() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stop closes the listener, stops the scheduler and closes every connection
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		s.sched.Stop()
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		for id, conn := range s.conns {
			if in, ok := s.inbound[id]; ok {
				in.Abort()
			}
			conn.Close()
			s.stopReporter(id)
		}
		s.conns = make(map[uint64]*network.Connection)
		s.inbound = make(map[uint64]*transfer.Inbound)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		c, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			logging.LogError(err, "accept")
			select {
			case <-s.done:
				return
			case <-time.After(s.cfg.IdleDelay):
			}
			continue
		}

		conn := network.Accepted(c)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn.ID()] = conn
		s.mu.Unlock()

		msg := fmt.Sprintf("New connection #%d from %s (session %s)", conn.ID(), conn.RemoteAddr(), conn.Session())
		s.notify.Info(msg)
		s.notify.Debug(msg)

		if !s.arm(conn) {
			s.notify.Error("ERROR: FileServer unexpected stopping: can't read data from connection")
			conn.Close()
			return
		}
	}
}

// arm schedules a fresh receive chain on conn
func (s *Server) arm(conn *network.Connection) bool {
	task := s.CreateTask(transfer.KindReceive, conn)
	if task == nil {
		return false
	}
	if err := s.sched.Schedule(task, 0, 0); err != nil {
		if rel, ok := task.(scheduler.Releaser); ok {
			rel.Release()
		}
		if !errors.Is(err, errors.ErrSchedulerStopped) {
			logging.LogError(err, "receive chain")
		}
		return false
	}
	return true
}

// CreateTask returns a receive link for conn. The server does not create
// connect or send tasks.
func (s *Server) CreateTask(kind transfer.Kind, conn *network.Connection) scheduler.Task {
	if kind != transfer.KindReceive || conn == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}

	in, ok := s.inbound[conn.ID()]
	if !ok {
		in = s.newInbound(conn)
		s.inbound[conn.ID()] = in
	}
	return transfer.NewReceiver(in, s, s.notify)
}

// DestroyTask cancels a queued task
func (s *Server) DestroyTask(task scheduler.Task) {
	s.sched.Cancel(task, false)
}

// RegisterLiveConnection re-arms a receive chain on a connection whose
// previous chain finished a transfer
func (s *Server) RegisterLiveConnection(kind transfer.Kind, conn *network.Connection) {
	if kind != transfer.KindReceive || !conn.IsOpen() {
		return
	}
	s.arm(conn)
}

func (s *Server) newInbound(conn *network.Connection) *transfer.Inbound {
	in := transfer.NewInbound(conn, transfer.ReceiveOptions{
		OutputDir:  s.cfg.OutputDir,
		SplitBy:    s.cfg.SplitBy,
		RecvWindow: s.cfg.RecvWindow,
		IdleDelay:  s.cfg.IdleDelay,
	})

	id := conn.ID()
	var stats *progress.Stats

	in.OnStart = func(h protocol.Header) {
		logging.LogSessionStart("SERVER", int64(h.Size), int64(s.cfg.RecvWindow), 1)
		stats = progress.NewStats(h.Path, int64(h.Size))
		reporter := progress.NewReporter(stats, s.cfg.ShowProgress)
		reporter.Start()

		s.mu.Lock()
		s.stopReporter(id)
		s.reporters[id] = reporter
		s.mu.Unlock()
	}
	in.OnProgress = func(written, total int64) {
		if stats != nil {
			stats.SetTransferred(written)
		}
	}
	in.OnComplete = func(c transfer.Completion) {
		s.mu.Lock()
		s.stopReporter(id)
		s.mu.Unlock()

		logging.LogTransferComplete(c.Path, c.Size, c.Duration)
		logging.LogSessionEnd(true, c.Size, c.Duration)

		// Digests run off the scheduler goroutine
		s.wg.Add(1)
		go s.deliver(c)
	}
	return in
}

func (s *Server) deliver(c transfer.Completion) {
	defer s.wg.Done()

	res := Completed{Completion: c}
	if s.cfg.VerifyHash {
		res.Digest, res.Algorithm, res.Err = filesystem.HashFile(c.Path)
		if res.Err != nil {
			logging.LogError(res.Err, "digest")
		} else {
			slog.Info("File digest", "file", c.Path, "algorithm", res.Algorithm, "digest", res.Digest,
				"connection", c.Connection, "session", c.Session)
		}
	}

	select {
	case s.completed <- res:
	case <-s.done:
	}
}

// stopReporter stops the progress reporter of a connection. Caller holds the lock.
func (s *Server) stopReporter(id uint64) {
	if r, ok := s.reporters[id]; ok {
		r.Stop()
		delete(s.reporters, id)
	}
}

// reap drops connections closed by their peers from the registries
func (s *Server) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, conn := range s.conns {
		if conn.IsOpen() {
			continue
		}
		if in, ok := s.inbound[id]; ok {
			in.Abort()
			delete(s.inbound, id)
		}
		s.stopReporter(id)
		delete(s.conns, id)
		s.notify.Debug(fmt.Sprintf("%s: connection #%d released", reaperName, id))
	}
}

// Run starts a server and serves until ctx is cancelled
func Run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting server", "address", cfg.ListenAddress, "output_dir", cfg.OutputDir)

	srv := New(cfg, nil)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	slog.Info("Server ready to accept connections", "address", srv.Addr().String())

	for {
		select {
		case <-ctx.Done():
			slog.Info("Server shutting down")
			return nil
		case c := <-srv.Completed():
			slog.Info("File received",
				"announced", c.Announced,
				"path", c.Path,
				"size", c.Size,
				"connection", c.Connection)
		}
	}
}
