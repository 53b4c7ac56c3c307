// Package transfer implements the chained I/O tasks that move files over a
// connection: a supervisor that establishes the link, a sender chain that
// streams one file and a receiver chain that rebuilds it on the other side.
//
// Every link of a chain is a one-shot scheduler task. A link performs one
// non-blocking step and returns scheduler.Continue with its successor, so a
// chain stays alive exactly as long as successors keep being scheduled.
package transfer

import (
	"fmt"

	"chaincopier/internal/network"
	"chaincopier/internal/scheduler"
)

// Kind selects the task a Factory creates
type Kind int

const (
	KindConnect Kind = iota + 1
	KindSend
	KindReceive
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Factory is the orchestration boundary of the chains. The client and the
// server implement it over their connection registries.
type Factory interface {
	// CreateTask builds the next task of the given kind for conn, or returns
	// nil when no chain of that kind may continue on conn.
	CreateTask(kind Kind, conn *network.Connection) scheduler.Task

	// DestroyTask asks the owning scheduler to cancel task
	DestroyTask(task scheduler.Task)

	// RegisterLiveConnection records that conn is usable for kind
	RegisterLiveConnection(kind Kind, conn *network.Connection)
}

// TaskName returns the name of the chain link of kind running on conn.
// At most one link of a chain is queued at a time, so the name is unique.
func TaskName(kind Kind, conn *network.Connection) string {
	switch kind {
	case KindConnect:
		return "connection-" + conn.Target()
	case KindSend:
		return fmt.Sprintf("sendtask-%d", conn.ID())
	default:
		return fmt.Sprintf("recvtask-%d", conn.ID())
	}
}
