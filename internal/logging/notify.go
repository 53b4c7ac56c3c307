package logging

import "log/slog"

// Notifier receives human readable notifications from the transfer core.
// Implementations must be safe for concurrent use; the core never inspects
// any outcome of a notification.
type Notifier interface {
	Info(msg string)
	Warning(msg string)
	Error(msg string)
	Debug(msg string)
}

// SlogNotifier forwards notifications to a structured logger
type SlogNotifier struct {
	logger *slog.Logger
}

// NewNotifier returns a notifier writing to logger (slog.Default() when nil)
// with the given attributes attached to every record.
func NewNotifier(logger *slog.Logger, args ...any) *SlogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if len(args) > 0 {
		logger = logger.With(args...)
	}
	return &SlogNotifier{logger: logger}
}

// With returns a notifier carrying additional attributes
func (n *SlogNotifier) With(args ...any) *SlogNotifier {
	return &SlogNotifier{logger: n.logger.With(args...)}
}

func (n *SlogNotifier) Info(msg string)    { n.logger.Info(msg) }
func (n *SlogNotifier) Warning(msg string) { n.logger.Warn(msg) }
func (n *SlogNotifier) Error(msg string)   { n.logger.Error(msg) }
func (n *SlogNotifier) Debug(msg string)   { n.logger.Debug(msg) }

type nopNotifier struct{}

func (nopNotifier) Info(string)    {}
func (nopNotifier) Warning(string) {}
func (nopNotifier) Error(string)   {}
func (nopNotifier) Debug(string)   {}

// Nop discards every notification
var Nop Notifier = nopNotifier{}

// OrNop returns n, or Nop when n is nil
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop
	}
	return n
}
