package progress

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer guards a buffer written by the reporter goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStats(t *testing.T) {
	stats := NewStats("data.bin", 150000)

	stats.UpdateTransferred(60000)
	stats.UpdateTransferred(60000)
	assert.Equal(t, int64(120000), stats.GetTransferred())
	assert.InDelta(t, 80.0, stats.Percent(), 0.001)

	stats.SetTransferred(150000)
	assert.InDelta(t, 100.0, stats.Percent(), 0.001)

	empty := NewStats("empty", 0)
	assert.Equal(t, 100.0, empty.Percent())
}

func TestReporterRendersBar(t *testing.T) {
	out := &syncBuffer{}
	stats := NewStats("data.bin", 1000)
	r := NewReporterTo(stats, out, 5*time.Millisecond)

	r.Start()
	stats.UpdateTransferred(1000)
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()

	assert.Contains(t, out.String(), "data.bin")

	transferred, percent, elapsed := r.GetCurrentStats()
	assert.Equal(t, int64(1000), transferred)
	assert.InDelta(t, 100.0, percent, 0.001)
	assert.True(t, elapsed > 0)
}

func TestReporterWithoutConsole(t *testing.T) {
	stats := NewStats("quiet.bin", 10)
	r := NewReporter(stats, false)

	assert.NotPanics(t, func() {
		r.Start()
		stats.UpdateTransferred(5)
		r.Stop()
	})
}
