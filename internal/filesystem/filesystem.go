package filesystem

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chaincopier/internal/config"
	"chaincopier/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// ValidateFilePath checks if a file path is safe and valid
func ValidateFilePath(path string) error {
	if path == "" {
		return errors.NewValidationError("file_path", path, "path is empty")
	}

	// Clean the path to prevent directory traversal
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return errors.NewValidationError("file_path", path, "path contains directory traversal")
	}

	if len(path) > config.MaxPathLength {
		return errors.NewValidationError("file_path", len(path), "path is too long")
	}

	return nil
}

// GetFileInfo returns information about a file
func GetFileInfo(path string) (*FileInfo, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     path,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// ReceivedFileName reduces the path announced by a sender to a bare file
// name, so a peer can only create files inside the output directory.
func ReceivedFileName(announced string) (string, error) {
	name := announced
	if pos := strings.LastIndexAny(name, `\/`); pos >= 0 {
		name = name[pos+1:]
	}
	name = strings.TrimSpace(name)

	switch {
	case name == "", name == ".", name == "..":
		return "", errors.NewValidationError("file_name", announced, "announced path has no file name")
	case strings.ContainsRune(name, 0):
		return "", errors.NewValidationError("file_name", announced, "file name contains NUL")
	}
	return name, nil
}

// CreateReceiveFile creates (or truncates) the destination of an incoming
// transfer inside dir and reserves size bytes for it.
func CreateReceiveFile(dir, announced string, size int64) (*os.File, error) {
	name, err := ReceivedFileName(announced)
	if err != nil {
		return nil, err
	}

	if err := EnsureDirectoryExists(dir); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, config.OutFilePerms)
	if err != nil {
		return nil, errors.NewFileSystemError("create", path, err)
	}

	if size > 0 {
		if err := PreallocateFile(file, size); err != nil {
			slog.Warn("Failed to preallocate file", "path", path, "size", size, "error", err)
		}
	}
	return file, nil
}

// PreallocateFile preallocates disk space for a file to improve performance
func PreallocateFile(file *os.File, size int64) error {
	// Try to use fallocate on supported systems
	if err := fallocate(file, size); err == nil {
		return nil
	}

	// Fallback to truncate
	if err := file.Truncate(size); err != nil {
		return errors.NewFileSystemError("truncate", file.Name(), err)
	}

	// Reset file position
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return errors.NewFileSystemError("seek", file.Name(), err)
	}

	return nil
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(dir string) error {
	if err := ValidateFilePath(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}
