package transfer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chaincopier/internal/errors"
	"chaincopier/internal/filesystem"
	"chaincopier/internal/logging"
	"chaincopier/internal/network"
	"chaincopier/internal/protocol"
	"chaincopier/internal/scheduler"
)

// ReceiveOptions tune a receive chain
type ReceiveOptions struct {
	OutputDir  string
	SplitBy    int
	RecvWindow int
	IdleDelay  time.Duration
}

// Completion describes a completely received file
type Completion struct {
	Announced  string // path from the StartTag
	Path       string // local file
	Size       int64
	Duration   time.Duration
	Connection uint64
	Session    string
}

// BufferReceiver is the accumulation buffer of one connection: bytes read
// but not yet consumed by the framer survive between receive rounds.
type BufferReceiver struct {
	mu     sync.Mutex
	conn   *network.Connection
	window int
	buf    []byte
}

// NewBufferReceiver creates the accumulation buffer of conn. Each round
// reads at most window bytes.
func NewBufferReceiver(conn *network.Connection, window int) *BufferReceiver {
	if window <= 0 {
		window = 65535
	}
	return &BufferReceiver{conn: conn, window: window}
}

// Pending returns the number of buffered bytes
func (b *BufferReceiver) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Clear drops the buffered bytes
func (b *BufferReceiver) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}

// Receive performs one non-blocking read and feeds the buffer to framer.
// handle sees the parse result before the consumed bytes are dropped, so
// the fragments it gets are only valid during the call.
//
// It returns the number of bytes read. errors.ErrWouldBlock means there was
// nothing to parse, errors.ErrPartialHeader that the bytes are kept for the
// next round. Any other error clears the buffer.
func (b *BufferReceiver) Receive(framer *protocol.Framer, handle func(protocol.Result) error) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sz := len(b.buf)
	if cap(b.buf)-sz < b.window {
		grown := make([]byte, sz, sz+b.window)
		copy(grown, b.buf)
		b.buf = grown
	}

	n, err := b.conn.Recv(b.buf[sz : sz+b.window])
	if err != nil && !errors.IsWouldBlock(err) {
		b.buf = b.buf[:0]
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	b.buf = b.buf[:sz+n]
	if len(b.buf) == 0 {
		return 0, errors.ErrWouldBlock
	}

	res, err := framer.Parse(b.buf)
	if errors.Is(err, errors.ErrPartialHeader) {
		return n, err
	}
	if err != nil {
		b.buf = b.buf[:0]
		return n, err
	}
	if err := handle(res); err != nil {
		b.buf = b.buf[:0]
		return n, err
	}

	rest := copy(b.buf, b.buf[res.Consumed:])
	b.buf = b.buf[:rest]
	return n, nil
}

// Inbound is the receive state of one connection: framer, accumulation
// buffer and the destination file of the transfer in progress. It outlives
// the receive chains that work on it.
type Inbound struct {
	mu      sync.Mutex
	conn    *network.Connection
	opts    ReceiveOptions
	framer  *protocol.Framer
	buffer  *BufferReceiver
	file    *os.File
	header  protocol.Header
	written int64
	started time.Time

	// OnStart is called under the inbound lock when a transfer header arrives
	OnStart func(protocol.Header)

	// OnProgress is called with the payload bytes written so far. It runs
	// under the inbound lock and must not call back into the Inbound.
	OnProgress func(written, total int64)

	// OnComplete is called once per completely received file
	OnComplete func(Completion)
}

// NewInbound creates the receive state of conn
func NewInbound(conn *network.Connection, opts ReceiveOptions) *Inbound {
	return &Inbound{
		conn:   conn,
		opts:   opts,
		framer: protocol.NewFramer(opts.SplitBy),
		buffer: NewBufferReceiver(conn, opts.RecvWindow),
	}
}

// Current returns the header of the transfer in progress
func (in *Inbound) Current() (protocol.Header, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.file == nil {
		return protocol.Header{}, false
	}
	return in.header, true
}

// Abort closes the destination file of an unfinished transfer
func (in *Inbound) Abort() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closeFile()
	in.framer.Reset()
	in.buffer.Clear()
}

func (in *Inbound) closeFile() {
	if in.file != nil {
		in.file.Close()
		in.file = nil
	}
}

// step runs one receive round
func (in *Inbound) step() (int, *Completion, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var done *Completion
	n, err := in.buffer.Receive(in.framer, func(res protocol.Result) error {
		if res.Header != nil {
			if err := in.open(*res.Header); err != nil {
				return err
			}
		}

		for _, frag := range res.Fragments {
			if _, err := in.file.Write(frag); err != nil {
				return errors.NewFileSystemError("write", in.file.Name(), err)
			}
			in.written += int64(len(frag))
		}
		if len(res.Fragments) > 0 && in.OnProgress != nil {
			in.OnProgress(in.written, int64(in.header.Size))
		}

		if res.Complete {
			done = &Completion{
				Announced:  in.header.Path,
				Path:       in.file.Name(),
				Size:       in.written,
				Duration:   time.Since(in.started),
				Connection: in.conn.ID(),
				Session:    in.conn.Session(),
			}
			if err := in.file.Close(); err != nil {
				in.file = nil
				path := done.Path
				done = nil
				return errors.NewFileSystemError("close", path, err)
			}
			in.file = nil
		}
		return nil
	})

	if err != nil && !errors.IsWouldBlock(err) && !errors.Is(err, errors.ErrPartialHeader) {
		in.closeFile()
		in.framer.Reset()
	}
	return n, done, err
}

func (in *Inbound) open(h protocol.Header) error {
	in.closeFile()

	file, err := filesystem.CreateReceiveFile(in.opts.OutputDir, h.Path, int64(h.Size))
	if err != nil {
		return err
	}
	in.file = file
	in.header = h
	in.written = 0
	in.started = time.Now()

	if in.OnStart != nil {
		in.OnStart(h)
	}
	return nil
}

// Receiver is one link of a receive chain
type Receiver struct {
	name    string
	inbound *Inbound
	conn    *network.Connection
	factory Factory
	notify  logging.Notifier
	ran     atomic.Bool
}

// NewReceiver creates a receive chain link working on inbound
func NewReceiver(inbound *Inbound, factory Factory, notify logging.Notifier) *Receiver {
	return &Receiver{
		name:    TaskName(KindReceive, inbound.conn),
		inbound: inbound,
		conn:    inbound.conn,
		factory: factory,
		notify:  logging.OrNop(notify),
	}
}

func (r *Receiver) Name() string { return r.name }

// Inbound returns the receive state the link works on
func (r *Receiver) Inbound() *Inbound { return r.inbound }

func (r *Receiver) Run(ctx context.Context) scheduler.Result {
	r.ran.Store(true)

	if !r.conn.IsOpen() {
		r.closed()
		return scheduler.Stop()
	}

	n, done, err := r.inbound.step()

	delay := time.Duration(0)
	switch {
	case done != nil:
		msg := fmt.Sprintf("%s - INFO: File transferring %q is done (%d bytes).", r.name, done.Announced, done.Size)
		r.notify.Info(msg)
		r.notify.Debug(msg)
		if r.inbound.OnComplete != nil {
			r.inbound.OnComplete(*done)
		}
		// The connection stays open for the next transfer
		r.factory.RegisterLiveConnection(KindReceive, r.conn)
		return scheduler.Stop()

	case err == nil:
		r.notify.Debug(fmt.Sprintf("%s - NOTE: received %d bytes.", r.name, n))

	case errors.IsWouldBlock(err), errors.Is(err, errors.ErrPartialHeader):
		if n == 0 {
			delay = r.inbound.opts.IdleDelay
		}

	case errors.Is(err, errors.ErrConnectionClosed):
		r.closed()
		return scheduler.Stop()

	case errors.Is(err, errors.ErrZeroMessage):
		msg := fmt.Sprintf("%s - WARN: Zero buffer received (%v)", r.name, err)
		r.notify.Warning(msg)
		r.notify.Debug(msg)
		return scheduler.Stop()

	default:
		msg := fmt.Sprintf("%s - ERROR: %v", r.name, err)
		if errors.Is(err, errors.ErrGarbledMessage) {
			msg = fmt.Sprintf("%s - ERROR: Garbled buffer received (%v)", r.name, err)
		}
		r.notify.Error(msg)
		r.notify.Debug(msg)
		warn := r.name + " - WARNING: has exception, so we suspend the connection."
		r.notify.Warning(warn)
		r.notify.Debug(warn)
		return scheduler.Stop()
	}

	next := r.factory.CreateTask(KindReceive, r.conn)
	if next == nil {
		r.notify.Debug(r.name + " - NOTE: receive chain was abandoned")
		r.inbound.Abort()
		return scheduler.Stop()
	}
	return scheduler.Continue(next, delay)
}

func (r *Receiver) closed() {
	msg := r.name + " - WARNING: session was closed"
	if h, ok := r.inbound.Current(); ok {
		msg = fmt.Sprintf("%s - WARNING: session was closed during %q", r.name, h.Path)
	}
	r.notify.Warning(msg)
	r.notify.Debug(msg)
	r.inbound.Abort()
}

// Release closes an unfinished destination file when a link is dropped
// before it ran
func (r *Receiver) Release() {
	if r.ran.Load() {
		return
	}
	r.inbound.Abort()
}
