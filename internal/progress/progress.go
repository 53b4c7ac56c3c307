package progress

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"chaincopier/internal/logging"
)

// Stats holds transfer statistics
type Stats struct {
	TotalBytes       int64
	TransferredBytes atomic.Int64
	StartTime        time.Time
	Filename         string
}

// NewStats creates statistics for one file transfer starting now
func NewStats(filename string, totalBytes int64) *Stats {
	return &Stats{
		TotalBytes: totalBytes,
		StartTime:  time.Now(),
		Filename:   filename,
	}
}

// UpdateTransferred atomically updates the transferred bytes count
func (s *Stats) UpdateTransferred(bytes int64) {
	s.TransferredBytes.Add(bytes)
}

// GetTransferred atomically gets the current transferred bytes count
func (s *Stats) GetTransferred() int64 {
	return s.TransferredBytes.Load()
}

// SetTransferred atomically sets the transferred bytes count
func (s *Stats) SetTransferred(bytes int64) {
	s.TransferredBytes.Store(bytes)
}

// Percent returns the completed share in percent
func (s *Stats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 100
	}
	return float64(s.GetTransferred()) / float64(s.TotalBytes) * 100
}

// Reporter samples Stats once per interval, logs the progress and optionally
// renders a console progress bar
type Reporter struct {
	stats    *Stats
	bar      *progressbar.ProgressBar
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReporter creates a new progress reporter drawing on stderr
func NewReporter(stats *Stats, showConsole bool) *Reporter {
	var w io.Writer
	if showConsole {
		w = os.Stderr
	}
	return NewReporterTo(stats, w, time.Second)
}

// NewReporterTo creates a reporter drawing on w. A nil writer disables the bar.
func NewReporterTo(stats *Stats, w io.Writer, interval time.Duration) *Reporter {
	r := &Reporter{
		stats:    stats,
		interval: interval,
		done:     make(chan struct{}),
	}
	if w != nil {
		r.bar = progressbar.NewOptions64(stats.TotalBytes,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(stats.Filename),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionOnCompletion(func() { io.WriteString(w, "\n") }),
		)
	}
	return r
}

// Start begins progress reporting
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.reportLoop()
}

// Stop stops progress reporting and draws the final state
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.render()
		if r.bar != nil && r.stats.GetTransferred() >= r.stats.TotalBytes {
			r.bar.Finish()
		}
	})
}

func (r *Reporter) reportLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var ticks int
	for {
		select {
		case <-ticker.C:
			ticks++
			r.render()
			// Log progress every 10 samples
			if ticks%10 == 0 {
				transferred, _, elapsed := r.GetCurrentStats()
				rate := 0.0
				if elapsed > 0 {
					rate = float64(transferred) / 1024 / 1024 / elapsed.Seconds()
				}
				logging.LogTransferProgress(r.stats.Filename, transferred, r.stats.TotalBytes, rate)
			}
		case <-r.done:
			return
		}
	}
}

func (r *Reporter) render() {
	if r.bar == nil {
		return
	}
	r.bar.Set64(r.stats.GetTransferred())
}

// GetCurrentStats returns current transfer statistics
func (r *Reporter) GetCurrentStats() (transferred int64, percent float64, elapsed time.Duration) {
	transferred = r.stats.GetTransferred()
	percent = r.stats.Percent()
	elapsed = time.Since(r.stats.StartTime)
	return
}
