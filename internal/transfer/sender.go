package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chaincopier/internal/errors"
	"chaincopier/internal/logging"
	"chaincopier/internal/network"
	"chaincopier/internal/protocol"
	"chaincopier/internal/scheduler"
)

// SendOptions tune a send chain
type SendOptions struct {
	PackageSize  int
	SendInterval time.Duration

	// Stats, when set, turns SendInterval into an adaptive delay
	Stats *network.NetworkStats
}

// UploadResult reports the end of an upload
type UploadResult struct {
	Path     string
	Size     int64
	Sent     int64 // bytes on the wire, envelope included
	Rounds   int
	Duration time.Duration
	Err      error
}

// Upload is the state of one file being streamed. Every link of the send
// chain works on the same Upload.
type Upload struct {
	mu sync.Mutex

	path    string
	file    *os.File
	size    int64
	opts    SendOptions
	started time.Time

	headerQueued bool
	carry        []byte // envelope bytes the socket has not accepted yet
	fileSent     int64
	finishing    bool
	finished     bool

	rounds   int
	wire     int64
	buf      []byte
	result   *UploadResult
	reported bool

	// OnProgress is called after each round with the file bytes sent so far.
	// It runs under the upload lock and must not call back into the Upload.
	OnProgress func(sent, total int64)

	// OnComplete is called once, when the chain ends for any reason
	OnComplete func(UploadResult)
}

// NewUpload opens path for streaming
func NewUpload(path string, opts SendOptions) (*Upload, error) {
	// The path travels inside the start tag, which ends at the first "/>"
	if strings.Contains(path, protocol.TagSuffix) {
		return nil, errors.NewValidationError("file_path", path, "path must not contain "+protocol.TagSuffix)
	}
	if len(path) > protocol.MaxPathLength {
		return nil, errors.NewValidationError("file_path", path, fmt.Sprintf("path exceeds %d bytes", protocol.MaxPathLength))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewFileSystemError("open", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.NewFileSystemError("stat", path, err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, errors.NewValidationError("file_path", path, "path is a directory")
	}

	if opts.PackageSize <= 0 {
		file.Close()
		return nil, errors.NewValidationError("package_size", opts.PackageSize, "package size must be positive")
	}

	return &Upload{
		path:    path,
		file:    file,
		size:    stat.Size(),
		opts:    opts,
		started: time.Now(),
	}, nil
}

// Path returns the announced path
func (u *Upload) Path() string { return u.path }

// Size returns the declared size
func (u *Upload) Size() int64 { return u.size }

// Done reports whether the upload has ended
func (u *Upload) Done() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.finished
}

// SetPackageSize changes the read size of the following rounds
func (u *Upload) SetPackageSize(size int) {
	if size <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opts.PackageSize = size
}

// SetSendInterval changes the delay between the following rounds
func (u *Upload) SetSendInterval(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opts.SendInterval = d
}

// Abort ends the upload with err unless it already ended
func (u *Upload) Abort(err error) {
	u.mu.Lock()
	u.finishLocked(err)
	u.mu.Unlock()
	u.report()
}

// round performs one send step. It returns the bytes accepted by conn and
// whether the upload is over.
func (u *Upload) round(conn *network.Connection) (int, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.finished {
		return 0, true, nil
	}
	u.rounds++

	// Only the finish tag is left
	if u.finishing || (u.headerQueued && len(u.carry) == 0 && u.fileSent >= u.size) {
		if !u.finishing {
			u.finishing = true
			u.carry = []byte(protocol.FinishTag)
		}
		n, err := u.sendCarry(conn)
		if err != nil {
			return n, true, err
		}
		if len(u.carry) == 0 {
			u.finishLocked(nil)
			return n, true, nil
		}
		return n, false, nil
	}

	if !u.headerQueued {
		u.headerQueued = true
		u.carry = protocol.EncodeHeader(u.path, uint64(u.size))
	}

	need := len(u.carry) + u.opts.PackageSize
	if cap(u.buf) < need {
		u.buf = make([]byte, need)
	}
	buf := u.buf[:need]
	head := copy(buf, u.carry)

	read := 0
	if u.fileSent < u.size {
		want := u.opts.PackageSize
		if left := u.size - u.fileSent; int64(want) > left {
			want = int(left)
		}
		n, err := io.ReadFull(u.file, buf[head:head+want])
		read = n
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = errors.NewProtocolError("send",
					fmt.Sprintf("%s shrank to %d of %d bytes", u.path, u.fileSent+int64(n), u.size),
					errors.ErrSizeMismatch)
			} else {
				err = errors.NewFileSystemError("read", u.path, err)
			}
			u.finishLocked(err)
			return 0, true, err
		}
	}
	out := buf[:head+read]

	n, err := conn.Send(out)
	if err != nil && !errors.IsWouldBlock(err) {
		u.finishLocked(err)
		return 0, true, err
	}
	if n < 0 {
		n = 0
	}
	u.wire += int64(n)

	// Keep the unsent envelope bytes and rewind the file over unsent payload
	if n < head {
		u.carry = u.carry[n:]
		if read > 0 {
			if _, err := u.file.Seek(-int64(read), io.SeekCurrent); err != nil {
				err = errors.NewFileSystemError("seek", u.path, err)
				u.finishLocked(err)
				return n, true, err
			}
		}
		return n, false, nil
	}

	u.carry = nil
	accepted := n - head
	if unsent := read - accepted; unsent > 0 {
		if _, err := u.file.Seek(-int64(unsent), io.SeekCurrent); err != nil {
			err = errors.NewFileSystemError("seek", u.path, err)
			u.finishLocked(err)
			return n, true, err
		}
	}
	u.fileSent += int64(accepted)

	if u.OnProgress != nil && accepted > 0 {
		u.OnProgress(u.fileSent, u.size)
	}
	return n, false, nil
}

// sendCarry pushes the pending envelope bytes
func (u *Upload) sendCarry(conn *network.Connection) (int, error) {
	n, err := conn.Send(u.carry)
	if err != nil && !errors.IsWouldBlock(err) {
		u.finishLocked(err)
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	u.wire += int64(n)
	u.carry = u.carry[n:]
	return n, nil
}

// delay returns the pause before the next round
func (u *Upload) delay(sent int) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	d := u.opts.SendInterval
	if u.opts.Stats != nil {
		u.opts.Stats.UpdateStats(int64(sent))
		d = u.opts.Stats.GetDelay(d)
	}
	if sent == 0 && d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (u *Upload) finishLocked(err error) {
	if u.finished {
		return
	}
	u.finished = true
	u.file.Close()
	u.result = &UploadResult{
		Path:     u.path,
		Size:     u.size,
		Sent:     u.wire,
		Rounds:   u.rounds,
		Duration: time.Since(u.started),
		Err:      err,
	}
}

// report delivers the result to OnComplete once, outside the lock
func (u *Upload) report() {
	u.mu.Lock()
	if u.result == nil || u.reported {
		u.mu.Unlock()
		return
	}
	u.reported = true
	res := *u.result
	u.mu.Unlock()

	if u.OnComplete != nil {
		u.OnComplete(res)
	}
}

// Sender is one link of a send chain
type Sender struct {
	name    string
	upload  *Upload
	conn    *network.Connection
	factory Factory
	notify  logging.Notifier
	ran     atomic.Bool
}

// NewSender creates a send chain link for upload on conn. The factory
// supplies the successor.
func NewSender(upload *Upload, conn *network.Connection, factory Factory, notify logging.Notifier) *Sender {
	return &Sender{
		name:    TaskName(KindSend, conn),
		upload:  upload,
		conn:    conn,
		factory: factory,
		notify:  logging.OrNop(notify),
	}
}

func (s *Sender) Name() string { return s.name }

// Upload returns the upload the link works on
func (s *Sender) Upload() *Upload { return s.upload }

func (s *Sender) Run(ctx context.Context) scheduler.Result {
	s.ran.Store(true)

	if !s.conn.IsOpen() {
		msg := s.name + " - WARNING: session was closed"
		s.notify.Warning(msg)
		s.notify.Debug(msg)
		s.upload.Abort(errors.NewNetworkError("send", s.conn.Target(), errors.ErrConnectionClosed))
		return scheduler.Stop()
	}

	n, done, err := s.upload.round(s.conn)
	defer s.upload.report()
	if err != nil {
		msg := fmt.Sprintf("%s - ERROR: %v", s.name, err)
		s.notify.Error(msg)
		s.notify.Debug(msg)
		return scheduler.Stop()
	}
	if n > 0 {
		s.notify.Debug(fmt.Sprintf("%s - NOTE: sent %d bytes.", s.name, n))
	}
	if done {
		s.notify.Info(fmt.Sprintf("%s - INFO: %q is successfully sent to host %s",
			s.name, s.upload.Path(), s.conn.Target()))
		return scheduler.Stop()
	}

	next := s.factory.CreateTask(KindSend, s.conn)
	if next == nil {
		msg := s.name + " - WARNING: send chain was abandoned"
		s.notify.Warning(msg)
		s.notify.Debug(msg)
		s.upload.Abort(errors.NewProtocolError("send", "send chain was abandoned", nil))
		return scheduler.Stop()
	}
	return scheduler.Continue(next, s.upload.delay(n))
}

// Release ends the upload when a link is dropped before it ran: the link
// was cancelled, could not be scheduled or was left over at shutdown.
func (s *Sender) Release() {
	if s.ran.Load() {
		return
	}
	s.upload.Abort(fmt.Errorf("%s dropped: %w", s.name, context.Canceled))
}
