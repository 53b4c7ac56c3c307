package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
)

// NetworkStats tracks send throughput to enable adaptive chain delays
type NetworkStats struct {
	LastChunkTime   time.Time
	LastChunkSize   int64
	AvgTransferRate float64 // bytes per second
	DelayMultiplier float64 // adjusts delay up/down
	adaptive        bool
	minDelay        time.Duration
	maxDelay        time.Duration
}

// NewNetworkStats initializes a new NetworkStats instance with values from config
func NewNetworkStats(cfg *config.Config) *NetworkStats {
	minDelay := config.DefaultMinDelay
	maxDelay := config.DefaultMaxDelay

	// Use config values if adaptive delay is enabled
	if cfg.AdaptiveDelay {
		minDelay = cfg.MinDelay
		maxDelay = cfg.MaxDelay
	}

	return &NetworkStats{
		LastChunkTime:   time.Now(),
		DelayMultiplier: 1.0,
		adaptive:        cfg.AdaptiveDelay,
		minDelay:        minDelay,
		maxDelay:        maxDelay,
	}
}

// UpdateStats updates network statistics after one send round
func (ns *NetworkStats) UpdateStats(chunkSize int64) {
	now := time.Now()
	duration := now.Sub(ns.LastChunkTime)

	if duration > 0 && chunkSize > 0 {
		currentRate := float64(chunkSize) / duration.Seconds()
		prevMultiplier := ns.DelayMultiplier

		// Smooth the rate with exponential moving average
		if ns.AvgTransferRate == 0 {
			ns.AvgTransferRate = currentRate
		} else {
			ns.AvgTransferRate = 0.7*ns.AvgTransferRate + 0.3*currentRate
		}

		if currentRate < 0.7*ns.AvgTransferRate {
			ns.DelayMultiplier *= 1.2
		} else if currentRate > 1.2*ns.AvgTransferRate {
			ns.DelayMultiplier *= 0.8
		}

		if ns.DelayMultiplier < 0.1 {
			ns.DelayMultiplier = 0.1
		} else if ns.DelayMultiplier > 10 {
			ns.DelayMultiplier = 10
		}

		if ns.DelayMultiplier != prevMultiplier {
			currentRateMB := currentRate / (1024 * 1024)
			avgRateMB := ns.AvgTransferRate / (1024 * 1024)

			if ns.DelayMultiplier > prevMultiplier {
				slog.Debug("Network congestion detected",
					"current_rate_mbps", fmt.Sprintf("%.2f", currentRateMB),
					"avg_rate_mbps", fmt.Sprintf("%.2f", avgRateMB),
					"delay_factor", fmt.Sprintf("%.1f", ns.DelayMultiplier))
			} else {
				slog.Debug("Network improving",
					"current_rate_mbps", fmt.Sprintf("%.2f", currentRateMB),
					"avg_rate_mbps", fmt.Sprintf("%.2f", avgRateMB),
					"delay_factor", fmt.Sprintf("%.1f", ns.DelayMultiplier))
			}
		}
	}

	ns.LastChunkTime = now
	ns.LastChunkSize = chunkSize
}

// GetDelay returns the delay before the next send round. Without adaptive
// delay the base delay is returned unchanged.
func (ns *NetworkStats) GetDelay(baseDelay time.Duration) time.Duration {
	if !ns.adaptive {
		return baseDelay
	}

	delay := time.Duration(float64(baseDelay) * ns.DelayMultiplier)

	if delay < ns.minDelay {
		delay = ns.minDelay
	}
	if delay > ns.maxDelay {
		delay = ns.maxDelay
	}

	return delay
}

// OptimizeTCPConnection applies TCP optimizations to a connection
func OptimizeTCPConnection(conn net.Conn) error {
	tcpConn, isTCP := conn.(*net.TCPConn)
	if !isTCP {
		return nil // Not a TCP connection, skip optimizations
	}

	// Enable keep-alive to detect dead connections
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return errors.NewNetworkError("set_keepalive", conn.RemoteAddr().String(), err)
	}

	if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		slog.Warn("Failed to set TCP keepalive period", "error", err)
	}

	// Disable Nagle's algorithm, chunks are already package sized
	if err := tcpConn.SetNoDelay(true); err != nil {
		slog.Warn("Failed to disable Nagle's algorithm", "error", err)
	}

	if err := tcpConn.SetReadBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP read buffer", "error", err)
	}

	if err := tcpConn.SetWriteBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP write buffer", "error", err)
	}

	return nil
}

// Dial connects to addr and returns a non-blocking connection
func Dial(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("connect", addr, err)
	}

	if err := OptimizeTCPConnection(c); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	conn, err := newConn(c.(*net.TCPConn))
	if err != nil {
		c.Close()
		return nil, errors.NewNetworkError("connect", addr, err)
	}
	return conn, nil
}

// Listener accepts non-blocking connections
type Listener struct {
	ln *net.TCPListener
}

// Listen starts listening for TCP connections on addr
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("listen", addr, err)
	}
	return &Listener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for the next connection
func (l *Listener) Accept() (Conn, error) {
	c, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, errors.NewNetworkError("accept", l.ln.Addr().String(), err)
	}

	if err := OptimizeTCPConnection(c); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	conn, err := newConn(c)
	if err != nil {
		c.Close()
		return nil, errors.NewNetworkError("accept", c.RemoteAddr().String(), err)
	}
	return conn, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening; a pending Accept returns an error
func (l *Listener) Close() error {
	return l.ln.Close()
}
