package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
	"chaincopier/internal/filesystem"
)

// Log file rotation limits
const (
	logMaxSizeMB  = 50
	logMaxBackups = 5
	logMaxAgeDays = 14
)

// SetupLogger initializes structured logging with rotating file and console output
func SetupLogger(cfg *config.Config) error {
	logFileName := cfg.LogFile
	if logFileName == "" {
		// Create logs directory if it doesn't exist
		if err := filesystem.EnsureDirectoryExists(config.DefaultLogDir); err != nil {
			return err
		}
		logFileName = filepath.Join(config.DefaultLogDir,
			"chaincopier_"+time.Now().Format("20060102_150405")+".log")
	}

	rotator := &lumberjack.Logger{
		Filename:   logFileName,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
	}

	// Log to both console and file
	multiWriter := io.MultiWriter(os.Stdout, rotator)

	slog.SetDefault(NewLogger(multiWriter, cfg.LogLevel))

	slog.Info("Logging initialized", "session_id", time.Now().Format("20060102_150405"), "log_file", logFileName)
	return nil
}

// NewLogger builds a text logger without source information at the given level
func NewLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: false,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a textual level to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	mode := "Client"
	if cfg.IsServer {
		mode = "Server"
	}

	slog.Info("Configuration loaded",
		"mode", mode,
		"recv_window", cfg.RecvWindow,
		"idle_delay_ms", cfg.IdleDelay.Milliseconds(),
		"adaptive_delay", cfg.AdaptiveDelay,
		"verify_hash", cfg.VerifyHash)

	if cfg.IsServer {
		slog.Info("Server configuration",
			"listen_address", cfg.ListenAddress,
			"output_dir", cfg.OutputDir,
			"split_by", cfg.SplitBy)
	} else {
		var totalMB float64
		for _, path := range cfg.Files {
			if fileInfo, err := os.Stat(path); err == nil {
				totalMB += float64(fileInfo.Size()) / (1024 * 1024)
			}
		}

		slog.Info("Client configuration",
			"server_address", cfg.ServerAddress,
			"files", len(cfg.Files),
			"total_size_mb", totalMB,
			"package_size", cfg.PackageSize,
			"send_interval_ms", cfg.SendInterval.Milliseconds(),
			"reconnect_interval_ms", cfg.ReconnectInterval.Milliseconds())
	}
}

// LogError logs an error with appropriate context
func LogError(err error, context string) {
	switch e := err.(type) {
	case *errors.NetworkError:
		slog.Error("Network error",
			"context", context,
			"operation", e.Op,
			"address", e.Addr,
			"cause", e.Err,
			"error_type", "network")
	case *errors.FileSystemError:
		slog.Error("File system error",
			"context", context,
			"operation", e.Op,
			"path", e.Path,
			"cause", e.Err,
			"error_type", "filesystem")
	case *errors.ProtocolError:
		slog.Error("Protocol error",
			"context", context,
			"operation", e.Op,
			"message", e.Message,
			"error_type", "protocol")
	case *errors.ValidationError:
		slog.Error("Validation error",
			"context", context,
			"field", e.Field,
			"message", e.Message,
			"error_type", "validation")
	case *errors.SchedulerError:
		slog.Error("Scheduler error",
			"context", context,
			"operation", e.Op,
			"task", e.Task,
			"cause", e.Err,
			"error_type", "scheduler")
	case *errors.TaskPanicError:
		slog.Error("Task panic",
			"context", context,
			"task", e.Task,
			"value", e.Value,
			"error_type", "panic")
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error", err,
			"error_type", "unknown")
	}
}

// LogTransferProgress logs transfer progress information
func LogTransferProgress(filename string, transferred, total int64, rate float64) {
	percent := 100.0
	if total > 0 {
		percent = float64(transferred) / float64(total) * 100
	}
	slog.Info("Transfer progress",
		"file", filename,
		"transferred_mb", float64(transferred)/(1024*1024),
		"total_mb", float64(total)/(1024*1024),
		"percent_complete", percent,
		"transfer_rate_mbps", rate,
		"remaining_mb", float64(total-transferred)/(1024*1024))
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(filename string, size int64, duration time.Duration) {
	rate := 0.0
	if duration > 0 {
		rate = float64(size) / (1024 * 1024) / duration.Seconds()
	}
	slog.Info("Transfer completed successfully",
		"file", filename,
		"total_size_mb", float64(size)/(1024*1024),
		"duration_ms", duration.Milliseconds(),
		"average_rate_mbps", rate,
		"timestamp", time.Now().Format("15:04:05"))
}

// LogSessionStart logs the start of a transfer session
func LogSessionStart(mode string, totalSize int64, packageSize int64, connections int) {
	rounds := int64(0)
	if packageSize > 0 {
		rounds = (totalSize + packageSize - 1) / packageSize // Ceiling division
	}
	slog.Info("Transfer session started",
		"mode", mode,
		"total_size_mb", float64(totalSize)/(1024*1024),
		"package_size_kb", float64(packageSize)/1024,
		"send_rounds", rounds,
		"connections", connections,
		"session_start", time.Now().Format("15:04:05"))
}

// LogSessionEnd logs the end of a transfer session
func LogSessionEnd(success bool, totalBytes int64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	avgRate := 0.0
	if duration > 0 {
		avgRate = float64(totalBytes) / (1024 * 1024) / duration.Seconds()
	}
	slog.Info("Transfer session ended",
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration_ms", duration.Milliseconds(),
		"average_throughput_mbps", avgRate,
		"session_end", time.Now().Format("15:04:05"))
}
