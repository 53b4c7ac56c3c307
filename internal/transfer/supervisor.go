package transfer

import (
	"context"
	"fmt"

	"chaincopier/internal/logging"
	"chaincopier/internal/network"
	"chaincopier/internal/scheduler"
)

// Supervisor (re)establishes one connection. It is scheduled as a periodic
// task: a failed attempt leaves it armed for the next period, a successful
// one registers the live connection and ends the supervisor. The connection
// outlives it.
type Supervisor struct {
	name    string
	conn    *network.Connection
	factory Factory
	notify  logging.Notifier
}

// NewSupervisor creates the supervisor of conn
func NewSupervisor(conn *network.Connection, factory Factory, notify logging.Notifier) *Supervisor {
	return &Supervisor{
		name:    TaskName(KindConnect, conn),
		conn:    conn,
		factory: factory,
		notify:  logging.OrNop(notify),
	}
}

func (s *Supervisor) Name() string { return s.name }

// Connection returns the supervised handle
func (s *Supervisor) Connection() *network.Connection { return s.conn }

func (s *Supervisor) Run(ctx context.Context) scheduler.Result {
	reconnect := !s.conn.IsOpen() && s.conn.Session() != ""

	if err := s.conn.Connect(ctx); err != nil {
		msg := fmt.Sprintf("%s - WARNING: Failed to connect to %s - %v", s.name, s.conn.Target(), err)
		s.notify.Warning(msg)
		s.notify.Debug(msg)
		return scheduler.Result{}
	}

	s.factory.RegisterLiveConnection(KindConnect, s.conn)

	verb := "connected"
	if reconnect {
		verb = "reconnected"
	}
	msg := fmt.Sprintf("%s - NOTE: %s as connection #%d with %s (session %s)",
		s.name, verb, s.conn.ID(), s.conn.RemoteAddr(), s.conn.Session())
	s.notify.Info(msg)
	s.notify.Debug(msg)
	return scheduler.Stop()
}
